// Package config holds firmforge configuration: output layout, toolchain
// binaries and limits, repair loop bounds, and the LLM collaborator.
// Configuration is YAML with FIRMFORGE_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all firmforge configuration.
type Config struct {
	// Output settings
	Output OutputConfig `yaml:"output"`

	// External toolchain (compiler + hex converter)
	Toolchain ToolchainConfig `yaml:"toolchain"`

	// Compile-repair loop
	Repair RepairConfig `yaml:"repair"`

	// LLM collaborator
	LLM LLMConfig `yaml:"llm"`

	// Block library
	Blocks BlocksConfig `yaml:"blocks"`
}

// OutputConfig configures where artifacts are written.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// ToolchainConfig configures the external compiler invocation.
type ToolchainConfig struct {
	Compiler       string   `yaml:"compiler"`        // compiler binary, default sdcc
	CompilerFlags  []string `yaml:"compiler_flags"`  // default [-mmcs51]
	Converter      string   `yaml:"converter"`       // ihx->hex converter, default packihx
	CompileTimeout string   `yaml:"compile_timeout"` // duration string, default 30s
}

// RepairConfig bounds the compile-repair loop.
type RepairConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// LLMConfig configures the AI collaborator.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// BlocksConfig configures the code block library.
type BlocksConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Output: OutputConfig{
			Dir: "outputs",
		},
		Toolchain: ToolchainConfig{
			Compiler:       "sdcc",
			CompilerFlags:  []string{"-mmcs51"},
			Converter:      "packihx",
			CompileTimeout: "30s",
		},
		Repair: RepairConfig{
			MaxAttempts: 3,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  "120s",
		},
		Blocks: BlocksConfig{
			Dir: "templates",
		},
	}
}

// Load reads configuration from path, layered over defaults and under
// environment overrides. An empty path skips the file and applies only
// defaults and environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers FIRMFORGE_* environment variables over the loaded file.
func (c *Config) applyEnv() {
	if v := os.Getenv("FIRMFORGE_OUTPUT_DIR"); v != "" {
		c.Output.Dir = v
	}
	if v := os.Getenv("FIRMFORGE_COMPILER"); v != "" {
		c.Toolchain.Compiler = v
	}
	if v := os.Getenv("FIRMFORGE_CONVERTER"); v != "" {
		c.Toolchain.Converter = v
	}
	if v := os.Getenv("FIRMFORGE_COMPILE_TIMEOUT"); v != "" {
		c.Toolchain.CompileTimeout = v
	}
	if v := os.Getenv("FIRMFORGE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Repair.MaxAttempts = n
		}
	}
	if v := os.Getenv("FIRMFORGE_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if v := os.Getenv("FIRMFORGE_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("FIRMFORGE_BLOCKS_DIR"); v != "" {
		c.Blocks.Dir = v
	}
}

// Validate checks the loaded configuration for usable values.
func (c *Config) Validate() error {
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must not be empty")
	}
	if c.Toolchain.Compiler == "" {
		return fmt.Errorf("toolchain.compiler must not be empty")
	}
	if c.Repair.MaxAttempts < 1 {
		return fmt.Errorf("repair.max_attempts must be >= 1, got %d", c.Repair.MaxAttempts)
	}
	if _, err := time.ParseDuration(c.Toolchain.CompileTimeout); err != nil {
		return fmt.Errorf("toolchain.compile_timeout: %w", err)
	}
	if c.LLM.Timeout != "" {
		if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
			return fmt.Errorf("llm.timeout: %w", err)
		}
	}
	return nil
}

// CompileTimeout returns the parsed toolchain timeout.
func (c *Config) CompileTimeout() time.Duration {
	d, err := time.ParseDuration(c.Toolchain.CompileTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// LLMTimeout returns the parsed collaborator timeout.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}
