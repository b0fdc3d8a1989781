package output

import (
	"errors"
	"sync"
)

// ErrNilOutput is returned by combinators handed a nil output.
var ErrNilOutput = errors.New("output: nil output")

// Apply derives a new output by running fn once o resolves. Errors from o
// or from fn reject the derived output; fn never runs on a failed source.
func Apply[T, U any](o *Output[T], fn func(T) (U, error)) *Output[U] {
	if o == nil {
		return Failed[U](ErrNilOutput)
	}
	out, r := New[U](o.deps...)
	o.OnSettled(func(v T, secret bool, err error) {
		if err != nil {
			r.Reject(err)
			return
		}
		u, ferr := fn(v)
		if ferr != nil {
			r.Reject(ferr)
			return
		}
		r.Resolve(u, secret)
	})
	return out
}

// Map is Apply for functions that cannot fail.
func Map[T, U any](o *Output[T], fn func(T) U) *Output[U] {
	return Apply(o, func(v T) (U, error) { return fn(v), nil })
}

// Bind derives an output from another output produced by fn. The result is
// secret if either the source or the inner output is secret. Dependencies
// of the inner output are only known at resolution time and are therefore
// not part of the static dependency set.
func Bind[T, U any](o *Output[T], fn func(T) *Output[U]) *Output[U] {
	if o == nil {
		return Failed[U](ErrNilOutput)
	}
	out, r := New[U](o.deps...)
	o.OnSettled(func(v T, secret bool, err error) {
		if err != nil {
			r.Reject(err)
			return
		}
		inner := fn(v)
		if inner == nil {
			r.Reject(ErrNilOutput)
			return
		}
		inner.OnSettled(func(u U, innerSecret bool, ierr error) {
			if ierr != nil {
				r.Reject(ierr)
				return
			}
			r.Resolve(u, secret || innerSecret)
		})
	})
	return out
}

// Secret returns an output carrying the same value as o, tagged secret.
func Secret[T any](o *Output[T]) *Output[T] {
	if o == nil {
		return Failed[T](ErrNilOutput)
	}
	out, r := New[T](o.deps...)
	o.OnSettled(func(v T, _ bool, err error) {
		if err != nil {
			r.Reject(err)
			return
		}
		r.Resolve(v, true)
	})
	return out
}

// DependsOn returns an output with the value of o that additionally waits
// for every output in extra. The first failure among them wins.
func DependsOn[T any](o *Output[T], extra ...Any) *Output[T] {
	inputs := append([]Any{o}, extra...)
	return Map(All(inputs...), func(vs []any) T {
		v, _ := vs[0].(T)
		return v
	})
}

// All combines outputs into a single output of their values, in order. The
// result resolves once every input resolves and is rejected with the first
// error observed otherwise.
func All(inputs ...Any) *Output[[]any] {
	for _, in := range inputs {
		if in == nil || in.isNil() {
			return Failed[[]any](ErrNilOutput)
		}
	}
	out, r := New[[]any](unionDeps(inputs)...)
	if len(inputs) == 0 {
		r.Resolve([]any{}, false)
		return out
	}

	var (
		mu        sync.Mutex
		values    = make([]any, len(inputs))
		remaining = len(inputs)
		secret    bool
		failed    bool
	)
	for i, in := range inputs {
		i := i
		in.subscribe(func(v any, s bool, err error) {
			mu.Lock()
			if failed {
				mu.Unlock()
				return
			}
			if err != nil {
				failed = true
				mu.Unlock()
				r.Reject(err)
				return
			}
			values[i] = v
			secret = secret || s
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done {
				r.Resolve(values, secret)
			}
		})
	}
	return out
}

// Zip2 combines two typed outputs.
func Zip2[A, B any](a *Output[A], b *Output[B]) *Output[Pair[A, B]] {
	return Map(All(a, b), func(vs []any) Pair[A, B] {
		first, _ := vs[0].(A)
		second, _ := vs[1].(B)
		return Pair[A, B]{First: first, Second: second}
	})
}

// Zip3 combines three typed outputs.
func Zip3[A, B, C any](a *Output[A], b *Output[B], c *Output[C]) *Output[Triple[A, B, C]] {
	return Map(All(a, b, c), func(vs []any) Triple[A, B, C] {
		first, _ := vs[0].(A)
		second, _ := vs[1].(B)
		third, _ := vs[2].(C)
		return Triple[A, B, C]{First: first, Second: second, Third: third}
	})
}

// Pair holds the values of two zipped outputs.
type Pair[A, B any] struct {
	First  A
	Second B
}

// Triple holds the values of three zipped outputs.
type Triple[A, B, C any] struct {
	First  A
	Second B
	Third  C
}
