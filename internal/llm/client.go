// Package llm defines the AI collaborator contract consumed by the
// assembler and the repair loop, plus the Gemini-backed implementation.
// Every capability may be absent: call sites probe IsAvailable and carry a
// designed fallback branch instead of failing.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"firmforge/internal/blocks"
	"firmforge/internal/design"
)

// AssemblyPlan is the structured output of the planning step: which blocks
// to combine and how.
type AssemblyPlan struct {
	BlocksToUse []string `json:"blocks_to_use"`
	Strategy    string   `json:"strategy,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// CodeRequest carries everything the generator needs: the design inputs,
// the block catalog and an optional plan from a prior planning step.
type CodeRequest struct {
	Components    []design.Component    `json:"components"`
	Functionality design.Functionality  `json:"functionality"`
	Catalog       []blocks.CatalogEntry `json:"available_blocks,omitempty"`
	Plan          *AssemblyPlan         `json:"assembly_plan,omitempty"`
}

// Client is the AI collaborator interface. Implementations must be safe
// for concurrent use; all methods honor context cancellation.
type Client interface {
	// IsAvailable reports whether the collaborator can serve requests.
	// When false, every other method fails and callers must take their
	// fallback path.
	IsAvailable() bool

	// Complete returns text for a prompt.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem returns text for a prompt under a system persona.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// GenerateAssemblyPlan asks for a block-combination plan. A nil plan
	// with nil error means the collaborator declined; callers fall back.
	GenerateAssemblyPlan(ctx context.Context, req *CodeRequest) (*AssemblyPlan, error)

	// GenerateCode asks for complete firmware source text.
	GenerateCode(ctx context.Context, req *CodeRequest) (string, error)
}

// StripFences removes surrounding markdown code-fence markers from a model
// response, leaving the inner text untouched.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	if strings.HasPrefix(strings.TrimSpace(lines[0]), "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ParsePlan decodes a model response into an AssemblyPlan. Responses that
// are not JSON, or that name no blocks, yield nil: the caller treats that
// as "no plan" rather than an error.
func ParsePlan(response string) *AssemblyPlan {
	cleaned := StripFences(response)
	// Models wrap JSON in prose now and then; cut to the outermost braces.
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil
	}

	var plan AssemblyPlan
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &plan); err != nil {
		return nil
	}
	if len(plan.BlocksToUse) == 0 {
		return nil
	}
	return &plan
}

// Unavailable is the null collaborator: IsAvailable is false and every
// call reports ErrUnavailable.
type Unavailable struct{}

func (Unavailable) IsAvailable() bool { return false }

func (Unavailable) Complete(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

func (Unavailable) CompleteWithSystem(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

func (Unavailable) GenerateAssemblyPlan(context.Context, *CodeRequest) (*AssemblyPlan, error) {
	return nil, ErrUnavailable
}

func (Unavailable) GenerateCode(context.Context, *CodeRequest) (string, error) {
	return "", ErrUnavailable
}
