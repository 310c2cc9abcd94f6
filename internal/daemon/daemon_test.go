package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/askem/internal/config"
	"github.com/harun/askem/internal/logger"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/kernel/kerneltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.AI.Profiles = []config.AIProfile{{ID: "test-profile", Provider: "anthropic", APIKey: "sk-ant-test123", Priority: 1}}
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "test-secret"
	cfg.Examples.DBPath = filepath.Join(tmpDir, "examples", "examples.db")
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// createTestDaemon creates a daemon that is released when the test ends
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		if d.Status().Running {
			_ = d.Stop()
		} else {
			d.release()
		}
	})
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, d.kernelClient)
	assert.NotNil(t, d.kernels)
	assert.NotNil(t, d.templates)
	assert.NotNil(t, d.examples)
	assert.NotNil(t, d.manager)
	assert.NotNil(t, d.gatewayServer)
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.hmiClient, "no HMI url configured")
	assert.Nil(t, d.watcher)
}

func TestNew_RegistersContextsAndProcedures(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	slugs := make([]string, 0)
	for _, info := range d.GetManager().List() {
		slugs = append(slugs, info.Slug)
	}
	assert.Contains(t, slugs, "dataset")
	assert.Contains(t, slugs, "mira")
	assert.Contains(t, slugs, "pypackage")

	assert.True(t, d.GetTemplates().Has("dataset", "python3", "load_df"))
}

func TestNew_WithHMIAndWatcher(t *testing.T) {
	cfg := testConfig(t)
	cfg.HMI.URL = "http://hmi.local"
	cfg.HMI.Username = "user"
	cfg.HMI.Password = "pass"
	cfg.Templates.OverrideDir = t.TempDir()
	cfg.Templates.Watch = true

	d := createTestDaemon(t, cfg)
	assert.NotNil(t, d.hmiClient)
	assert.NotNil(t, d.watcher)
}

func TestNew_Errors(t *testing.T) {
	t.Run("missing jupyter url", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Jupyter.URL = ""
		_, err := New(cfg, testLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jupyter")
	})

	t.Run("invalid hmi url", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.HMI.URL = "ftp://hmi.local"
		_, err := New(cfg, testLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hmi")
	})

	t.Run("missing shared secret", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Gateway.SharedSecret = ""
		_, err := New(cfg, testLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared secret")
	})
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)
	assert.NotEmpty(t, d.GetGatewayServer().Addr())

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
}

func TestDaemonStatus(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	time.Sleep(20 * time.Millisecond)

	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.False(t, status.StartTime.IsZero())

	require.NoError(t, d.Stop())
}

func TestDaemonDoubleStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	err := d.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	require.NoError(t, d.Start())
	err = d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, d.Stop())
}

func TestConvertAuthProfiles(t *testing.T) {
	profiles := convertAuthProfiles([]config.AIProfile{
		{ID: "a", Provider: "anthropic", APIKey: "k1", Model: "m", Priority: 2},
		{ID: "o", Provider: "openai", APIKey: "k2", BaseURL: "http://llm.local"},
	})
	require.Len(t, profiles, 2)
	assert.Equal(t, "anthropic", profiles[0].Provider)
	assert.Equal(t, "m", profiles[0].Model)
	assert.Equal(t, 2, profiles[0].Priority)
	assert.Equal(t, "http://llm.local", profiles[1].BaseURL)
}

func TestAgentConfig(t *testing.T) {
	got := agentConfig(config.AgentConfig{Model: "claude", Temperature: 0.5, MaxTokens: 100, MaxErrors: 3, MaxTurns: 7})
	assert.Equal(t, "claude", got.Model)
	assert.Equal(t, 0.5, got.Temperature)
	assert.Equal(t, 100, got.MaxTokens)
	assert.Equal(t, 3, got.MaxErrors)
	assert.Equal(t, 7, got.MaxTurns)
}

func TestStandaloneActivateContext(t *testing.T) {
	jupyter := kerneltest.NewServer(t, func(code string) kerneltest.Reply {
		return kerneltest.Reply{Stdout: "Help on package json"}
	})
	cfg := testConfig(t)
	cfg.Jupyter.URL = jupyter.URL
	cfg.Jupyter.Token = jupyter.Token

	d, err := NewStandalone(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.Close()
	assert.Nil(t, d.GetGatewayServer())

	t.Run("starts default kernel", func(t *testing.T) {
		c, err := d.ActivateContext(context.Background(), "pypackage", "", "", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "python3", c.Base().Kernel().KernelName())

		active, ok := d.GetManager().Active()
		require.True(t, ok)
		assert.Equal(t, "pypackage", active.Base().Slug())
		assert.Contains(t, c.Base().Tools().ListTools(), "retrieve_documentation")
	})

	t.Run("attaches to existing kernel", func(t *testing.T) {
		id := jupyter.AddKernel("python3")
		c, err := d.ActivateContext(context.Background(), "pypackage", id, "", map[string]any{}, nil)
		require.NoError(t, err)
		assert.Equal(t, id, c.Base().Kernel().KernelID())
	})

	t.Run("unsupported kernel", func(t *testing.T) {
		_, err := d.ActivateContext(context.Background(), "pypackage", "", "julia-1.9", nil, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, beaker.ErrUnsupportedKernel)
	})
}
