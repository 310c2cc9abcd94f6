package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := runCLI(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "askem version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := runCLI(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "askem")
		assert.Contains(t, out, "Jupyter")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)

		envFlag := cmd.PersistentFlags().Lookup("env-file")
		require.NotNil(t, envFlag)
	})

	t.Run("subcommands", func(t *testing.T) {
		for _, name := range []string{"serve", "status", "stop", "mcp", "render", "contexts", "version"} {
			assert.True(t, hasCommand(name), "missing command %s", name)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "askem version "+GetVersion()))
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		_, err := runCLI(t, "version")
		require.NoError(t, err)
		cfgFile = t.TempDir() + "/askem.json"

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "python3", cfg.Jupyter.DefaultKernel)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("bad env file", func(t *testing.T) {
		_, err := runCLI(t, "status", "--env-file", t.TempDir()+"/missing.env")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load config")
	})
}
