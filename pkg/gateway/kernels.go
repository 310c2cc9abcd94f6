package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/askem/pkg/kernel"
	"github.com/rs/zerolog"
)

// KernelProvider opens the kernel session a context runs on. An empty
// kernelID asks for a new kernel of kernelName.
type KernelProvider interface {
	Open(ctx context.Context, kernelID, kernelName string) (kernel.Executor, error)
	Close() error
}

// JupyterKernels opens sessions on a Jupyter server and keeps the last one
// open. Opening a new session closes the previous.
type JupyterKernels struct {
	client *kernel.Client
	logger zerolog.Logger

	mu      sync.Mutex
	current *kernel.Session
}

// NewJupyterKernels creates a provider on client.
func NewJupyterKernels(client *kernel.Client, logger zerolog.Logger) *JupyterKernels {
	return &JupyterKernels{client: client, logger: logger}
}

// Open starts a kernel when kernelID is empty and connects to it.
func (j *JupyterKernels) Open(ctx context.Context, kernelID, kernelName string) (kernel.Executor, error) {
	if kernelID == "" {
		if kernelName == "" {
			return nil, invalidParams("kernel or kernel_id is required")
		}
		model, err := j.client.StartKernel(ctx, kernelName)
		if err != nil {
			return nil, fmt.Errorf("failed to start %s kernel: %w", kernelName, err)
		}
		kernelID = model.ID
		j.logger.Info().Str("kernelId", kernelID).Str("kernel", kernelName).Msg("Kernel started")
	}

	session, err := j.client.Connect(ctx, kernelID)
	if err != nil {
		return nil, err
	}
	if kernelName != "" && session.KernelName() != kernelName {
		_ = session.Close()
		return nil, invalidParams("kernel %s runs %s, not %s", kernelID, session.KernelName(), kernelName)
	}

	j.mu.Lock()
	prev := j.current
	j.current = session
	j.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			j.logger.Warn().Err(err).Str("kernelId", prev.KernelID()).Msg("Failed to close kernel session")
		}
	}
	return session, nil
}

// Close closes the open session.
func (j *JupyterKernels) Close() error {
	j.mu.Lock()
	s := j.current
	j.current = nil
	j.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
