// Package assembler turns a hardware design into firmware source text. The
// AI collaborator gets the first shot when it is available (plan, then
// generate); any failure there falls through to the rule-based path, which
// classifies the design's components, picks a main-loop template from the
// block library and substitutes the design's pins and parameters into it.
// Assemble never returns empty text.
package assembler

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"firmforge/internal/blocks"
	"firmforge/internal/design"
	"firmforge/internal/llm"
)

// Template block ids tried by the rule-based path.
const (
	templateTempFan = "main/main_loop_temp_fan"
	templateBasic   = "main/main_loop_basic"
)

// minimalProgram is the last-resort output: a complete blink program that
// compiles on a bare SDCC install. Emitted when no template block applies
// or the selected one is missing from the library.
const minimalProgram = `#include <8051.h>

#define LED_PIN P1_0
#define BLINK_DELAY 500

void delay_ms(unsigned int ms)
{
    unsigned int i, j;
    for (i = 0; i < ms; i++)
        for (j = 0; j < 120; j++)
            ;
}

void main(void)
{
    P1 = 0x00;

    while (1) {
        LED_PIN = !LED_PIN;
        delay_ms(BLINK_DELAY);
    }
}
`

// features is the classification of a component list.
type features struct {
	led        *design.Component
	tempSensor *design.Component
	fan        *design.Component
}

// classify scans the component list once and keeps the first component of
// each recognized role.
func classify(components []design.Component) features {
	var f features
	for i := range components {
		c := &components[i]
		typ := strings.ToUpper(strings.TrimSpace(c.Type))
		switch {
		case typ == "LED":
			if f.led == nil {
				f.led = c
			}
		case typ == "SENSOR" && strings.Contains(strings.ToUpper(c.Model), "LM35"):
			if f.tempSensor == nil {
				f.tempSensor = c
			}
		case typ == "FAN" || typ == "MOTOR":
			if f.fan == nil {
				f.fan = c
			}
		}
	}
	return f
}

// Assembler produces firmware source for a design.
type Assembler struct {
	library *blocks.Library
	client  llm.Client
	logger  *zap.Logger
}

// New builds an Assembler over the block library and AI collaborator.
func New(library *blocks.Library, client llm.Client, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = llm.Unavailable{}
	}
	return &Assembler{library: library, client: client, logger: logger}
}

// Assemble returns firmware source text for the design inputs. The result
// is never empty: every failure path lands on the built-in minimal
// program.
func (a *Assembler) Assemble(ctx context.Context, components []design.Component, functionality design.Functionality) (string, error) {
	if source := a.assembleWithAI(ctx, components, functionality); source != "" {
		return source, nil
	}
	return a.assembleFromRules(components, functionality), nil
}

// assembleWithAI runs the plan-then-generate path. Any failure returns ""
// so the caller falls through to the rules.
func (a *Assembler) assembleWithAI(ctx context.Context, components []design.Component, functionality design.Functionality) string {
	if !a.client.IsAvailable() {
		return ""
	}

	req := &llm.CodeRequest{
		Components:    components,
		Functionality: functionality,
		Catalog:       a.library.Catalog(),
	}

	plan, err := a.client.GenerateAssemblyPlan(ctx, req)
	if err != nil {
		a.logger.Warn("assembly planning failed, using rule-based path", zap.Error(err))
		return ""
	}
	if plan != nil {
		a.logger.Info("assembly plan",
			zap.Strings("blocks", plan.BlocksToUse),
			zap.String("strategy", plan.Strategy))
		req.Plan = plan
	}

	source, err := a.client.GenerateCode(ctx, req)
	if err != nil {
		a.logger.Warn("AI code generation failed, using rule-based path", zap.Error(err))
		return ""
	}
	if strings.TrimSpace(source) == "" {
		a.logger.Warn("AI returned empty source, using rule-based path")
		return ""
	}
	return source
}

// assembleFromRules selects and instantiates a template. Sensor plus fan
// gets the temperature/fan loop, an LED alone gets the blink loop, and
// anything else (a missing template included) gets the minimal program.
func (a *Assembler) assembleFromRules(components []design.Component, functionality design.Functionality) string {
	f := classify(components)

	var templateID string
	switch {
	case f.tempSensor != nil && f.fan != nil:
		templateID = templateTempFan
	case f.led != nil:
		templateID = templateBasic
	default:
		a.logger.Info("no template matches the component set, emitting minimal program")
		return substitute(minimalProgram, f, functionality)
	}

	template, ok := a.library.Get(templateID)
	if !ok {
		a.logger.Warn("template block missing, emitting minimal program",
			zap.String("template", templateID))
		return substitute(minimalProgram, f, functionality)
	}

	a.logger.Info("assembling from template", zap.String("template", templateID))
	return substitute(template, f, functionality)
}

// substitute rewrites the template's marker definitions with the design's
// pins and parameters. A marker with no matching component or
// functionality key keeps its built-in default, so the output never holds
// an unresolved token.
func substitute(template string, f features, functionality design.Functionality) string {
	if f.led != nil && f.led.ConnectedTo != "" {
		template = strings.ReplaceAll(template, "LED_PIN P1_0", "LED_PIN "+f.led.Pin())
	}
	if f.tempSensor != nil && f.tempSensor.ConnectedTo != "" {
		template = strings.ReplaceAll(template, "TEMP_SENSOR_PIN P1_5", "TEMP_SENSOR_PIN "+f.tempSensor.Pin())
	}
	if f.fan != nil && f.fan.ConnectedTo != "" {
		template = strings.ReplaceAll(template, "FAN_PIN P1_2", "FAN_PIN "+f.fan.Pin())
	}

	if threshold := functionality.Float("threshold", 0); threshold != 0 {
		template = strings.ReplaceAll(template, "TEMP_THRESHOLD 30.0",
			"TEMP_THRESHOLD "+strconv.FormatFloat(threshold, 'f', 1, 64))
	}
	if clock := functionality.Int("clock_freq", 0); clock != 0 {
		template = strings.ReplaceAll(template, "CRYSTAL_FREQ 12000000",
			"CRYSTAL_FREQ "+strconv.Itoa(clock))
	}
	if delay := functionality.Int("blink_delay_ms", 0); delay != 0 {
		template = strings.ReplaceAll(template, "BLINK_DELAY 500",
			"BLINK_DELAY "+strconv.Itoa(delay))
	}
	return template
}
