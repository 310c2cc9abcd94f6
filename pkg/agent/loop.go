package agent

import (
	"context"
	"sync"
)

// LoopController lets a tool end the ReAct loop it runs in.
type LoopController struct {
	mu      sync.Mutex
	stopped bool
}

// Stop marks the loop as finished successfully. The output of the calling
// tool becomes the final answer.
func (l *LoopController) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (l *LoopController) Stopped() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

type loopKey struct{}

// WithLoop attaches a loop controller to ctx.
func WithLoop(ctx context.Context, loop *LoopController) context.Context {
	return context.WithValue(ctx, loopKey{}, loop)
}

// LoopFromContext returns the controller of the running loop. Outside a
// loop it returns nil, on which Stop is a no-op.
func LoopFromContext(ctx context.Context) *LoopController {
	loop, _ := ctx.Value(loopKey{}).(*LoopController)
	return loop
}
