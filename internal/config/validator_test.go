package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-abc", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-abc", "openai"))
	assert.Error(t, v.ValidateAPIKey("", "openai"))
	assert.Error(t, v.ValidateAPIKey("abc", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("abc", "openai"))
}

func TestValidateURL(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateURL("http://localhost:8888"))
	assert.NoError(t, v.ValidateURL("https://hmi.example.org/api"))
	assert.Error(t, v.ValidateURL(""))
	assert.Error(t, v.ValidateURL("localhost:8888"))
	assert.Error(t, v.ValidateURL("http://"))
}

func TestValidateKernelName(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateKernelName("python3"))
	assert.NoError(t, v.ValidateKernelName("julia-1.9"))
	assert.Error(t, v.ValidateKernelName("ir"))
}

func TestValidateScalars(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0.5))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))
	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("trace"))
	assert.NoError(t, v.ValidatePort(8080))
	assert.Error(t, v.ValidatePort(70000))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Profiles[0].APIKey = "wrong"
		cfg.HMI.Username = "only-user"
		cfg.Jupyter.DefaultKernel = "ir"
		cfg.Logging.Level = "loud"
		cfg.Gateway.Port = -1

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 5)
	})
}
