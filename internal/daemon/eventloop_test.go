package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/beaker/beakertest"
	"github.com/harun/askem/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probeContext struct {
	*beaker.BaseContext
}

func (p *probeContext) Setup(context.Context, map[string]any) error { return nil }

// fakeJupyter answers GET /api/kernels/kernel-1 and counts the calls.
func fakeJupyter(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/kernels/kernel-1" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode(kernel.Model{ID: "kernel-1", Name: "python3", ExecutionState: "idle"})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func activateProbe(t *testing.T, d *Daemon) {
	t.Helper()
	require.NoError(t, d.manager.Register("probe", beaker.Factory{
		Description: "probe",
		Kernels:     []string{"python3"},
		New: func(deps beaker.Deps) (beaker.Context, error) {
			base, err := beaker.NewBase(beaker.BaseConfig{Slug: "probe"}, deps)
			if err != nil {
				return nil, err
			}
			return &probeContext{BaseContext: base}, nil
		},
	}))
	_, err := d.manager.Activate(context.Background(), "probe", beaker.Deps{
		Executor:  beakertest.NewExecutor("python3"),
		Templates: d.templates,
		Agent: beaker.AgentSettings{
			Profiles:        convertAuthProfiles(d.config.AI.Profiles),
			ProviderFactory: providerFactory,
		},
		Logger: d.logger.GetZerolog(),
	}, nil)
	require.NoError(t, err)
}

func TestNewEventLoop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	eventLoop := NewEventLoop(d)
	assert.Equal(t, d, eventLoop.daemon)
	assert.Equal(t, DefaultCheckInterval, eventLoop.interval)
}

func TestEventLoopProcessTasks(t *testing.T) {
	t.Run("no active context", func(t *testing.T) {
		srv, hits := fakeJupyter(t)
		cfg := testConfig(t)
		cfg.Jupyter.URL = srv.URL
		d := createTestDaemon(t, cfg)

		NewEventLoop(d).processTasks(context.Background())
		assert.Equal(t, int32(0), atomic.LoadInt32(hits))
	})

	t.Run("checks active kernel", func(t *testing.T) {
		srv, hits := fakeJupyter(t)
		cfg := testConfig(t)
		cfg.Jupyter.URL = srv.URL
		d := createTestDaemon(t, cfg)
		activateProbe(t, d)

		NewEventLoop(d).processTasks(context.Background())
		assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	})

	t.Run("unreachable kernel", func(t *testing.T) {
		srv, _ := fakeJupyter(t)
		cfg := testConfig(t)
		cfg.Jupyter.URL = srv.URL
		d := createTestDaemon(t, cfg)
		activateProbe(t, d)
		srv.Close()

		assert.NotPanics(t, func() {
			NewEventLoop(d).processTasks(context.Background())
		})
	})
}

func TestEventLoopRun(t *testing.T) {
	srv, hits := fakeJupyter(t)
	cfg := testConfig(t)
	cfg.Jupyter.URL = srv.URL
	d := createTestDaemon(t, cfg)
	activateProbe(t, d)

	eventLoop := NewEventLoop(d)
	eventLoop.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eventLoop.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(hits) >= 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}
