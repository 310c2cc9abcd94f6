package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/askem/internal/config"
	"github.com/harun/askem/internal/logger"
	"github.com/harun/askem/internal/observability"
	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/agent"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/contexts"
	"github.com/harun/askem/pkg/fewshot"
	"github.com/harun/askem/pkg/gateway"
	"github.com/harun/askem/pkg/hmi"
	"github.com/harun/askem/pkg/kernel"
	"github.com/harun/askem/pkg/templates"
)

// Version is reported to the tracer and by the CLI.
const Version = "0.1.0"

// Daemon represents the askem context service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	hmiClient    *hmi.Client
	kernelClient *kernel.Client
	kernels      *gateway.JupyterKernels
	templates    *templates.Registry
	watcher      *templates.Watcher
	examples     *fewshot.Store
	manager      *beaker.Manager

	// Services
	gatewayServer *gateway.Server

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// providerFactory builds LLM providers for every context's agent.
var providerFactory agent.ProviderCreator = &agent.ProviderFactory{}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	d, err := newCore(cfg, log)
	if err != nil {
		return nil, err
	}

	if err := d.initializeServices(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// NewStandalone builds the core modules without the gateway. It backs the
// commands that drive one context directly; release it with Close.
func NewStandalone(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	return newCore(cfg, log)
}

func newCore(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, Version); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	return d, nil
}

// ActivateContext opens a kernel and sets up the context slug on it. An
// empty kernelID starts a kernel of kernelName, or of the default kernel.
func (d *Daemon) ActivateContext(ctx context.Context, slug, kernelID, kernelName string, info map[string]any, sink beaker.EventSink) (beaker.Context, error) {
	if kernelID == "" && kernelName == "" {
		kernelName = d.config.Jupyter.DefaultKernel
	}
	if kernelName != "" && !d.manager.Supports(slug, kernelName) {
		return nil, fmt.Errorf("%w: %s does not run on %s", beaker.ErrUnsupportedKernel, slug, kernelName)
	}

	exec, err := d.kernels.Open(ctx, kernelID, kernelName)
	if err != nil {
		return nil, err
	}
	deps := d.contextDeps()
	deps.Executor = exec
	deps.Sink = sink
	return d.manager.Activate(ctx, slug, deps, info)
}

// Close releases a daemon that was never started: the active context, the
// kernel session and the stores.
func (d *Daemon) Close() error {
	d.manager.Close()
	err := d.kernels.Close()
	d.release()
	return err
}

// release undoes a partial New.
func (d *Daemon) release() {
	d.cancel()
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.examples != nil {
		_ = d.examples.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules initializes all core modules
func (d *Daemon) initializeCoreModules() error {
	log := d.logger.GetZerolog()
	cfg := d.config

	if cfg.HMI.URL != "" {
		client, err := hmi.NewClient(hmi.Config{
			BaseURL:  cfg.HMI.URL,
			Username: cfg.HMI.Username,
			Password: cfg.HMI.Password,
			Timeout:  cfg.HMI.Timeout(),
			Logger:   log.With().Str("component", "hmi").Logger(),
		})
		if err != nil {
			return err
		}
		d.hmiClient = client
		log.Info().Str("url", cfg.HMI.URL).Msg("HMI client initialized")
	} else {
		log.Warn().Msg("No HMI server configured, HMI actions will fail")
	}

	kernelClient, err := kernel.NewClient(kernel.Config{
		BaseURL:        cfg.Jupyter.URL,
		Token:          cfg.Jupyter.Token,
		ExecuteTimeout: cfg.Jupyter.ExecuteTimeout(),
		Logger:         log.With().Str("component", "kernel").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create jupyter client: %w", err)
	}
	d.kernelClient = kernelClient
	d.kernels = gateway.NewJupyterKernels(kernelClient, log.With().Str("component", "kernels").Logger())

	d.templates = templates.New(templates.Config{
		OverrideDir: cfg.Templates.OverrideDir,
		Logger:      log.With().Str("component", "templates").Logger(),
	})
	if err := contexts.RegisterProcedures(d.templates); err != nil {
		return fmt.Errorf("failed to register procedures: %w", err)
	}
	if cfg.Templates.Watch && cfg.Templates.OverrideDir != "" {
		watcher, err := d.templates.Watch(templates.WatcherConfig{
			OnReload: func(path string) {
				log.Info().Str("path", path).Msg("Template override reloaded")
			},
		})
		if err != nil {
			return fmt.Errorf("failed to watch template overrides: %w", err)
		}
		d.watcher = watcher
	}

	if cfg.Examples.DBPath != "" {
		if cfg.Examples.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Examples.DBPath), 0755); err != nil {
				return fmt.Errorf("failed to create examples directory: %w", err)
			}
		}
		store, err := fewshot.Open(fewshot.Config{
			DBPath: cfg.Examples.DBPath,
			Logger: log.With().Str("component", "fewshot").Logger(),
		})
		if err != nil {
			return err
		}
		d.examples = store
		log.Info().Str("db", cfg.Examples.DBPath).Msg("Few-shot store opened")
	}

	d.manager = beaker.NewManager(log.With().Str("component", "contexts").Logger())
	if err := contexts.RegisterAll(d.manager); err != nil {
		return fmt.Errorf("failed to register contexts: %w", err)
	}

	return nil
}

// initializeServices initializes the gateway
func (d *Daemon) initializeServices() error {
	log := d.logger.GetZerolog()
	cfg := d.config

	server, err := gateway.NewServer(gateway.Config{
		Host:          cfg.Gateway.Host,
		Port:          cfg.Gateway.Port,
		SharedSecret:  cfg.Gateway.SharedSecret,
		Manager:       d.manager,
		Kernels:       d.kernels,
		Deps:          d.contextDeps(),
		DefaultKernel: cfg.Jupyter.DefaultKernel,
		Logger:        log.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return err
	}
	d.gatewayServer = server
	return nil
}

// contextDeps are the collaborators shared by every context. Executor and
// Sink are filled in per activation.
func (d *Daemon) contextDeps() beaker.Deps {
	return beaker.Deps{
		Templates: d.templates,
		HMI:       d.hmiClient,
		Examples:  d.examples,
		Agent: beaker.AgentSettings{
			Config:          agentConfig(d.config.Agent),
			Profiles:        convertAuthProfiles(d.config.AI.Profiles),
			ProviderFactory: providerFactory,
		},
		Logger: d.logger.GetZerolog(),
	}
}

func agentConfig(c config.AgentConfig) agent.AgentConfig {
	return agent.AgentConfig{
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		MaxErrors:   c.MaxErrors,
		MaxTurns:    c.MaxTurns,
	}
}

func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	result := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    p.Model,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return result
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting askem daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Int("contexts", len(d.manager.List())).Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping askem daemon")

	// The gateway closes the active context and its kernel session.
	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if d.watcher != nil {
		d.watcher.Stop()
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.examples != nil {
		if err := d.examples.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close few-shot store")
		}
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM and stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetManager returns the context manager
func (d *Daemon) GetManager() *beaker.Manager {
	return d.manager
}

// GetTemplates returns the procedure registry
func (d *Daemon) GetTemplates() *templates.Registry {
	return d.templates
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}
