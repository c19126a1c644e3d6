package parse

import "context"

// Result is the outcome of a call run through Async.
type Result[T any] struct {
	Value T
	Err   error
}

// Async runs fn on its own goroutine. The channel receives exactly one
// result and is then closed.
//
//	ch := parse.Async(ctx, func(ctx context.Context) (*parse.User, error) {
//		return client.LogIn(ctx, "user", "pass")
//	})
//	res := <-ch
func Async[T any](ctx context.Context, fn func(context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		v, err := fn(ctx)
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}

// AsyncErr is Async for calls that only return an error.
func AsyncErr(ctx context.Context, fn func(context.Context) error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- fn(ctx)
	}()
	return ch
}

// Callback runs fn on its own goroutine and hands the outcome to done.
func Callback[T any](ctx context.Context, fn func(context.Context) (T, error), done func(T, error)) {
	go func() {
		v, err := fn(ctx)
		done(v, err)
	}()
}

// Await blocks for a result or until ctx is done.
func Await[T any](ctx context.Context, ch <-chan Result[T]) (T, error) {
	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		var zero T
		return zero, wrapError(KindOtherCause, CodeTimeout, "await", ctx.Err())
	}
}
