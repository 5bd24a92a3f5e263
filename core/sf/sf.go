package sf

import "golang.org/x/sync/singleflight"

// Group deduplicates concurrent calls with the same key. The zero value is
// ready to use.
type Group[T any] struct {
	group singleflight.Group
}

// Result is the outcome of a call delivered by DoChan.
type Result[T any] struct {
	Val    T
	Err    error
	Shared bool
}

// DoChan runs fn for key unless a call for key is already in flight, and
// delivers that call's result on the returned channel. A caller that stops
// waiting does not affect the call or the other waiters.
func (g *Group[T]) DoChan(key string, fn func() (T, error)) <-chan Result[T] {
	inner := g.group.DoChan(key, func() (any, error) {
		return fn()
	})
	out := make(chan Result[T], 1)
	go func() {
		r := <-inner
		var v T
		if r.Val != nil {
			v = r.Val.(T)
		}
		out <- Result[T]{Val: v, Err: r.Err, Shared: r.Shared}
	}()
	return out
}
