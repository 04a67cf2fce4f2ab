package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sdcc", cfg.Toolchain.Compiler)
	assert.Equal(t, []string{"-mmcs51"}, cfg.Toolchain.CompilerFlags)
	assert.Equal(t, "packihx", cfg.Toolchain.Converter)
	assert.Equal(t, 3, cfg.Repair.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.CompileTimeout())
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	content := `
output:
  dir: /tmp/fw-out
toolchain:
  compiler: sdcc
  compile_timeout: 45s
repair:
  max_attempts: 5
llm:
  model: gemini-2.5-pro
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/fw-out", cfg.Output.Dir)
	assert.Equal(t, 45*time.Second, cfg.CompileTimeout())
	assert.Equal(t, 5, cfg.Repair.MaxAttempts)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	// Unset fields keep their defaults.
	assert.Equal(t, "packihx", cfg.Toolchain.Converter)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FIRMFORGE_OUTPUT_DIR", "/env/out")
	t.Setenv("FIRMFORGE_COMPILER", "sdcc-4.2")
	t.Setenv("FIRMFORGE_MAX_ATTEMPTS", "7")
	t.Setenv("FIRMFORGE_API_KEY", "k-123")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/out", cfg.Output.Dir)
	assert.Equal(t, "sdcc-4.2", cfg.Toolchain.Compiler)
	assert.Equal(t, 7, cfg.Repair.MaxAttempts)
	assert.Equal(t, "k-123", cfg.LLM.APIKey)
}

func TestGeminiKeyFallback(t *testing.T) {
	t.Setenv("FIRMFORGE_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "g-456")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "g-456", cfg.LLM.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty output dir", func(c *Config) { c.Output.Dir = "" }},
		{"empty compiler", func(c *Config) { c.Toolchain.Compiler = "" }},
		{"zero attempts", func(c *Config) { c.Repair.MaxAttempts = 0 }},
		{"bad timeout", func(c *Config) { c.Toolchain.CompileTimeout = "soon" }},
		{"bad llm timeout", func(c *Config) { c.LLM.Timeout = "whenever" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
