package engine

import (
	"fmt"
	"sort"

	"github.com/openfroyo/tstack/pkg/output"
)

// Output returns one output of the resource. The result is secret when the
// provider reported the key as secret, and rejected if the key is absent.
func (r *Resource) Output(key string) *output.Output[any] {
	return output.Bind(r.State, func(s *ResourceState) *output.Output[any] {
		if v, ok := s.Secrets.Get(key); ok {
			return output.SecretOf(v)
		}
		if v, ok := s.Outputs.Get(key); ok {
			return output.Of(v)
		}
		return output.Failed[any](NewPermanentError(
			fmt.Sprintf("resource %s has no output %q", r.Name, key), nil,
		).WithCode(ErrCodeNotFound).WithResource(r.URN))
	})
}

// StringOutput is Output rendered as a string.
func (r *Resource) StringOutput(key string) *output.Output[string] {
	return output.Map(r.Output(key), func(v any) string {
		return Properties{"v": v}.String("v")
	})
}

// ID returns the provider identifier of the resource.
func (r *Resource) ID() *output.Output[string] {
	return output.Map(r.State, func(s *ResourceState) string {
		return s.ID
	})
}

// Props resolves a property template into a Properties output. Template
// values may be plain values or outputs, at any depth inside maps and
// slices. The result is secret if any output in the template is secret, and
// its dependencies are the union of theirs.
func Props(tmpl map[string]any) *output.Output[Properties] {
	var inputs []output.Any
	collectOutputs(tmpl, &inputs)

	return output.Map(output.All(inputs...), func(vs []any) Properties {
		i := 0
		resolved, _ := substitute(tmpl, vs, &i).(map[string]any)
		return Properties(resolved)
	})
}

func collectOutputs(v any, into *[]output.Any) {
	switch val := v.(type) {
	case output.Any:
		*into = append(*into, val)
	case map[string]any:
		for _, k := range sortedKeys(val) {
			collectOutputs(val[k], into)
		}
	case Properties:
		collectOutputs(map[string]any(val), into)
	case []any:
		for _, item := range val {
			collectOutputs(item, into)
		}
	}
}

// substitute must walk the template in the same order as collectOutputs.
func substitute(v any, values []any, i *int) any {
	switch val := v.(type) {
	case output.Any:
		out := values[*i]
		*i++
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for _, k := range sortedKeys(val) {
			out[k] = substitute(val[k], values, i)
		}
		return out
	case Properties:
		return substitute(map[string]any(val), values, i)
	case []any:
		out := make([]any, len(val))
		for j, item := range val {
			out[j] = substitute(item, values, i)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
