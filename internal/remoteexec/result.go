package remoteexec

import (
	"context"
	"sync"
)

// Future is a value that becomes available later.
type Future interface {
	Await(ctx context.Context) (any, error)
}

// FutureFunc runs the function on Await.
type FutureFunc func(ctx context.Context) (any, error)

func (f FutureFunc) Await(ctx context.Context) (any, error) { return f(ctx) }

// Result is what an evaluation produced: either a value right away or a Future to
// wait for.
type Result struct {
	value  any
	future Future
}

func Immediate(v any) Result { return Result{value: v} }

func Deferred(f Future) Result { return Result{future: f} }

func (r Result) IsDeferred() bool { return r.future != nil }

// Resolve returns the value, awaiting the future if the result is deferred.
func (r Result) Resolve(ctx context.Context) (any, error) {
	if r.future == nil {
		return r.value, nil
	}
	return r.future.Await(ctx)
}

// Promise is a Future completed from the outside exactly once.
type Promise struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

func (p *Promise) Resolve(v any) { p.settle(v, nil) }

func (p *Promise) Reject(err error) { p.settle(nil, err) }

func (p *Promise) settle(v any, err error) {
	p.once.Do(func() {
		p.value, p.err = v, err
		close(p.done)
	})
}

func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
