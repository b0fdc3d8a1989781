package output

import "fmt"

// Sprintf formats according to format once every output argument resolves.
// Arguments that are not outputs are used as is. The result is secret when
// any output argument is secret.
//
//	endpoint := output.Sprintf("http://%s:%d", ip, 8088)
func Sprintf(format string, args ...any) *Output[string] {
	var (
		inputs    []Any
		positions []int
	)
	for i, a := range args {
		if in, ok := a.(Any); ok {
			inputs = append(inputs, in)
			positions = append(positions, i)
		}
	}
	return Map(All(inputs...), func(vs []any) string {
		resolved := make([]any, len(args))
		copy(resolved, args)
		for j, pos := range positions {
			resolved[pos] = vs[j]
		}
		return fmt.Sprintf(format, resolved...)
	})
}

// String is shorthand for Of on a plain string.
func String(s string) *Output[string] {
	return Of(s)
}

// Strings resolves a list of string outputs into a slice.
func Strings(outs ...*Output[string]) *Output[[]string] {
	inputs := make([]Any, len(outs))
	for i, o := range outs {
		inputs[i] = o
	}
	return Map(All(inputs...), func(vs []any) []string {
		ss := make([]string, len(vs))
		for i, v := range vs {
			ss[i], _ = v.(string)
		}
		return ss
	})
}
