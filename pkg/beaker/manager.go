package beaker

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/harun/askem/internal/observability"
	"github.com/harun/askem/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Factory builds one kind of context.
type Factory struct {
	Description string
	// Kernels lists supported kernel names.
	Kernels []string
	// Tools and Actions are the names a built context registers, for listing
	// without a kernel.
	Tools   []string
	Actions []string
	New     func(deps Deps) (Context, error)
}

// FactoryInfo describes a registered factory.
type FactoryInfo struct {
	Slug        string   `json:"slug"`
	Description string   `json:"description"`
	Kernels     []string `json:"kernels"`
	Tools       []string `json:"tools,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

// Manager knows every context factory and owns the active context of a
// kernel session.
type Manager struct {
	mu        sync.Mutex
	factories map[string]Factory
	active    Context
	logger    zerolog.Logger
}

// NewManager creates a manager without factories.
func NewManager(logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// Register adds a factory under slug.
func (m *Manager) Register(slug string, f Factory) error {
	if slug == "" {
		return fmt.Errorf("context slug is required")
	}
	if f.New == nil {
		return fmt.Errorf("context %s has no constructor", slug)
	}
	if len(f.Kernels) == 0 {
		return fmt.Errorf("context %s supports no kernels", slug)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.factories[slug]; exists {
		return fmt.Errorf("context %s already registered", slug)
	}
	m.factories[slug] = f
	return nil
}

// List returns the registered factories by slug.
func (m *Manager) List() []FactoryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]FactoryInfo, 0, len(m.factories))
	for slug, f := range m.factories {
		out = append(out, FactoryInfo{
			Slug:        slug,
			Description: f.Description,
			Kernels:     append([]string(nil), f.Kernels...),
			Tools:       append([]string(nil), f.Tools...),
			Actions:     append([]string(nil), f.Actions...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Supports reports whether slug is registered and runs on kernelName.
func (m *Manager) Supports(slug, kernelName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factories[slug]
	return ok && slices.Contains(f.Kernels, kernelName)
}

// Activate builds the context slug over deps, runs its setup with info and
// makes it the active context, closing the previous one. On failure the
// previous context stays active.
func (m *Manager) Activate(ctx context.Context, slug string, deps Deps, info map[string]any) (c Context, err error) {
	m.mu.Lock()
	f, ok := m.factories[slug]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown context %q", slug)
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("kernel executor is required")
	}
	kernelName := deps.Executor.KernelName()
	if !slices.Contains(f.Kernels, kernelName) {
		return nil, fmt.Errorf("%w: %s supports %v, got %s", ErrUnsupportedKernel, slug, f.Kernels, kernelName)
	}

	ctx = tracing.WithContextSlug(ctx, slug)
	ctx, span := tracing.StartSpan(ctx, "askem/beaker", "context.setup",
		attribute.String("context.slug", slug),
		attribute.String("kernel.name", kernelName),
	)
	defer func() { tracing.EndSpan(span, err) }()

	c, err = f.New(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create context %s: %w", slug, err)
	}
	if info == nil {
		info = map[string]any{}
	}
	if err := c.Setup(ctx, info); err != nil {
		c.Base().Close()
		return nil, fmt.Errorf("failed to set up context %s: %w", slug, err)
	}

	m.mu.Lock()
	prev := m.active
	m.active = c
	m.mu.Unlock()
	if prev != nil {
		prev.Base().Close()
	}
	observability.SetContextActive(slug, true)

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("context", slug).
		Str("kernel", kernelName).
		Str("kernelId", deps.Executor.KernelID()).
		Msg("Context activated")
	return c, nil
}

// Active returns the active context.
func (m *Manager) Active() (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// Close closes the active context.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.active
	m.active = nil
	m.mu.Unlock()
	if c != nil {
		c.Base().Close()
	}
}
