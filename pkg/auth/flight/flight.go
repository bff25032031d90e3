// Package flight shares one in-flight credential flow between the callers
// asking for the same key.
//
// Unlike a bare singleflight.Group, every caller waits on its own context.
// The flow runs on a context detached from whichever caller started it and
// is cancelled only once every caller waiting for it has given up.
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group runs at most one flow per key. The zero value is ready to use.
type Group struct {
	sf singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
	cancels map[string]context.CancelFunc
}

// Do runs fn once for concurrent callers of key and returns its result, or
// ctx's error when ctx ends first. The value is shared between callers;
// copy it before handing it out.
func (g *Group) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	g.join(key)
	defer g.leave(key)

	ch := g.sf.DoChan(key, func() (any, error) {
		flowCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		g.start(key, cancel)
		defer g.finish(key)
		return fn(flowCtx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Group) join(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiters == nil {
		g.waiters = map[string]int{}
		g.cancels = map[string]context.CancelFunc{}
	}
	g.waiters[key]++
}

func (g *Group) leave(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiters[key]--
	if g.waiters[key] > 0 {
		return
	}
	delete(g.waiters, key)
	if cancel, ok := g.cancels[key]; ok {
		cancel()
	}
}

func (g *Group) start(key string, cancel context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels[key] = cancel
	// Every caller left before the flow got going.
	if g.waiters[key] == 0 {
		cancel()
	}
}

func (g *Group) finish(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cancels, key)
}

func (g *Group) waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters[key]
}
