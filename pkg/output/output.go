package output

import (
	"context"
	"sort"
	"sync"
)

type state int

const (
	statePending state = iota
	stateResolved
	stateFailed
)

// Output is a value that becomes available once the provisioning request
// behind it completes. Outputs are composed with the package level
// combinators; there is no accessor for the current value.
type Output[T any] struct {
	mu      sync.Mutex
	state   state
	value   T
	secret  bool
	err     error
	deps    []string
	waiters []func()
	done    chan struct{}
}

// Resolver settles an Output created with New. Only the first call to
// Resolve or Reject has any effect.
type Resolver[T any] struct {
	out *Output[T]
}

// Any is the untyped view of an Output used by All and Sprintf.
type Any interface {
	// Dependencies returns the URNs of the resources the output derives from.
	Dependencies() []string
	subscribe(fn func(v any, secret bool, err error))
	isNil() bool
}

// New returns a pending Output and the Resolver that settles it. deps are
// the URNs of the resources the value derives from.
func New[T any](deps ...string) (*Output[T], *Resolver[T]) {
	o := &Output[T]{
		done: make(chan struct{}),
		deps: normalizeDeps(deps),
	}
	return o, &Resolver[T]{out: o}
}

// Of returns an Output that is already resolved to v.
func Of[T any](v T) *Output[T] {
	o, r := New[T]()
	r.Resolve(v, false)
	return o
}

// SecretOf returns an already resolved Output tagged as secret.
func SecretOf[T any](v T) *Output[T] {
	o, r := New[T]()
	r.Resolve(v, true)
	return o
}

// Failed returns an Output that is already rejected with err.
func Failed[T any](err error) *Output[T] {
	o, r := New[T]()
	r.Reject(err)
	return o
}

// Resolve settles the output with a value.
func (r *Resolver[T]) Resolve(v T, secret bool) {
	r.out.settle(stateResolved, v, secret, nil)
}

// Reject settles the output with an error.
func (r *Resolver[T]) Reject(err error) {
	var zero T
	r.out.settle(stateFailed, zero, false, err)
}

func (o *Output[T]) settle(s state, v T, secret bool, err error) {
	o.mu.Lock()
	if o.state != statePending {
		o.mu.Unlock()
		return
	}
	o.state = s
	o.value = v
	o.secret = secret
	o.err = err
	waiters := o.waiters
	o.waiters = nil
	close(o.done)
	o.mu.Unlock()

	for _, w := range waiters {
		w()
	}
}

// OnSettled registers a continuation that runs once the output is settled.
// If the output is already settled the continuation runs immediately on the
// calling goroutine; otherwise it runs on the goroutine that settles it.
func (o *Output[T]) OnSettled(fn func(v T, secret bool, err error)) {
	o.mu.Lock()
	if o.state == statePending {
		o.waiters = append(o.waiters, func() {
			fn(o.value, o.secret, o.err)
		})
		o.mu.Unlock()
		return
	}
	v, secret, err := o.value, o.secret, o.err
	o.mu.Unlock()
	fn(v, secret, err)
}

func (o *Output[T]) isNil() bool { return o == nil }

func (o *Output[T]) subscribe(fn func(v any, secret bool, err error)) {
	o.OnSettled(func(v T, secret bool, err error) {
		fn(v, secret, err)
	})
}

// Dependencies returns the URNs of the resources this output derives from.
func (o *Output[T]) Dependencies() []string {
	out := make([]string, len(o.deps))
	copy(out, o.deps)
	return out
}

// Settled reports whether the output has a value or an error. It does not
// expose the value.
func (o *Output[T]) Settled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state != statePending
}

// Done returns a channel closed once the output is settled.
func (o *Output[T]) Done() <-chan struct{} {
	return o.done
}

// Await blocks until the output settles or ctx is done. It is meant for the
// process boundary, where stack outputs are printed or persisted.
func (o *Output[T]) Await(ctx context.Context) (T, error) {
	v, _, err := o.AwaitSecret(ctx)
	return v, err
}

// AwaitSecret is Await that also reports the secret tag.
func (o *Output[T]) AwaitSecret(ctx context.Context) (T, bool, error) {
	select {
	case <-o.done:
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value, o.secret, o.err
}

func normalizeDeps(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func unionDeps(inputs []Any) []string {
	var all []string
	for _, in := range inputs {
		all = append(all, in.Dependencies()...)
	}
	return normalizeDeps(all)
}
