// Package design defines the hardware design specification consumed by the
// firmware pipeline: the MCU description, the component list, and the
// free-form functionality mapping. Designs are loaded from YAML or JSON and
// validated before any pipeline work starts.
package design

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDesign marks input errors: malformed or incomplete design specs
// that are rejected before entering the pipeline.
var ErrInvalidDesign = errors.New("invalid design spec")

// Component identifies a physical part in the design. Immutable once
// supplied; the assembler consumes it read-only.
type Component struct {
	Type        string `yaml:"type" json:"type"`
	ID          string `yaml:"id" json:"id"`
	Model       string `yaml:"model,omitempty" json:"model,omitempty"`
	ConnectedTo string `yaml:"connected_to" json:"connected_to"`
	Function    string `yaml:"function,omitempty" json:"function,omitempty"`
}

// Pin returns the component's connection point in source-identifier form:
// schematic pin syntax "P1.0" becomes the SDCC identifier "P1_0".
func (c Component) Pin() string {
	return strings.ReplaceAll(c.ConnectedTo, ".", "_")
}

// MCU describes the target microcontroller.
type MCU struct {
	Type      string `yaml:"type" json:"type"`
	ClockFreq int    `yaml:"clock_frequency" json:"clock_frequency"`
}

// Functionality is the free-form task parameter mapping (thresholds, polling
// intervals, task names). Typed accessors return the caller's default when a
// key is absent or of the wrong shape.
type Functionality map[string]any

// String returns the string value for key, or def.
func (f Functionality) String(key, def string) string {
	if v, ok := f[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Float returns the numeric value for key, or def. YAML and JSON decoders
// disagree on integer representation, so all numeric kinds are accepted.
func (f Functionality) Float(key string, def float64) float64 {
	v, ok := f[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

// Int returns the integer value for key, or def.
func (f Functionality) Int(key string, def int) int {
	v, ok := f[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// Description returns the free-text system description.
func (f Functionality) Description() string {
	return f.String("description", "")
}

// Design is the full hardware design specification.
type Design struct {
	MCU           MCU           `yaml:"mcu" json:"mcu"`
	Components    []Component   `yaml:"components" json:"components"`
	Functionality Functionality `yaml:"functionality" json:"functionality"`
}

// prefixByTask maps the declared main task to the artifact filename prefix.
var prefixByTask = map[string]string{
	"temperature_monitoring": "temp_monitor",
	"led_control":            "led_control",
	"fan_control":            "fan_ctrl",
	"motor_control":          "motor_ctrl",
	"data_logging":           "data_logger",
}

// FilePrefix derives the versioned-filename prefix for this design from the
// functionality's main task, defaulting to "firmware".
func (d *Design) FilePrefix() string {
	task := strings.ToLower(d.Functionality.String("main_task", ""))
	if p, ok := prefixByTask[task]; ok {
		return p
	}
	return "firmware"
}

// Validate rejects malformed designs with a descriptive message. A valid
// design has at least one component or a functionality description, and
// every component carries a type.
func (d *Design) Validate() error {
	if len(d.Components) == 0 && len(d.Functionality) == 0 {
		return fmt.Errorf("%w: no components and no functionality given", ErrInvalidDesign)
	}
	for i, c := range d.Components {
		if strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("%w: component %d (%q) has no type", ErrInvalidDesign, i, c.ID)
		}
	}
	return nil
}

// Parse decodes a design from raw YAML bytes. JSON is a YAML subset, so
// Parse also accepts JSON input.
func Parse(data []byte) (*Design, error) {
	var d Design
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDesign, err)
	}
	return &d, nil
}

// Load reads and validates a design file. The decoder is picked by
// extension: .json uses encoding/json, everything else is treated as YAML.
func Load(path string) (*Design, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read design spec: %w", err)
	}

	var d *Design
	if strings.EqualFold(filepath.Ext(path), ".json") {
		d = &Design{}
		if err := json.Unmarshal(data, d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDesign, err)
		}
	} else {
		if d, err = Parse(data); err != nil {
			return nil, err
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
