package live

import "context"

// CombineLatest publishes f(a, b) whenever either input changes, always
// using the latest value of the other input. The initial result is
// computed before it returns; updates stop when ctx is done.
func CombineLatest[A, B, R any](ctx context.Context, a *Value[A], b *Value[B], f func(A, B) R) *Value[R] {
	var zero R
	out := NewValue(zero)
	CombineLatestInto(ctx, out, a, b, f)
	return out
}

// CombineLatestInto is CombineLatest publishing into an existing Value, so
// observers of out survive restarts. The returned channel is closed once
// the update loop has exited.
func CombineLatestInto[A, B, R any](ctx context.Context, out *Value[R], a *Value[A], b *Value[B], f func(A, B) R) <-chan struct{} {
	ca, cancelA := a.Watch()
	cb, cancelB := b.Watch()
	out.Set(f(a.Get(), b.Get()))
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancelA()
		defer cancelB()
		for {
			select {
			case <-ca:
			case <-cb:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
			out.Set(f(a.Get(), b.Get()))
		}
	}()
	return done
}
