package daemon

import (
	"context"
	"time"
)

// DefaultCheckInterval is how often the event loop checks the active kernel.
const DefaultCheckInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: DefaultCheckInterval,
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks checks that the kernel of the active context still exists.
func (e *EventLoop) processTasks(ctx context.Context) {
	c, ok := e.daemon.manager.Active()
	if !ok {
		return
	}
	kernelID := c.Base().Kernel().KernelID()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	model, err := e.daemon.kernelClient.GetKernel(checkCtx, kernelID)
	if err != nil {
		e.daemon.logger.Warn().
			Err(err).
			Str("context", c.Base().Slug()).
			Str("kernel_id", kernelID).
			Msg("Active kernel is unreachable")
		return
	}

	e.daemon.logger.Debug().
		Str("context", c.Base().Slug()).
		Str("kernel_id", kernelID).
		Str("state", model.ExecutionState).
		Int("connections", model.Connections).
		Msg("Kernel status")
}
