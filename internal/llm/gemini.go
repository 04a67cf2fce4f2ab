package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"firmforge/internal/config"
)

// ErrUnavailable reports that no AI collaborator is configured.
var ErrUnavailable = errors.New("AI collaborator not available")

const codegenSystemPrompt = `You are an embedded firmware engineer generating C code for 8051
microcontrollers compiled with SDCC. Generate complete, compilable C code:
include <8051.h>, define every pin you use, and always provide a main
function and any helpers it calls. Return only code, no explanations and
no markdown fences.`

// GeminiClient implements Client on top of the Google GenAI SDK.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGeminiClient builds a Gemini-backed collaborator.
func NewGeminiClient(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key", ErrUnavailable)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: model, timeout: timeout}, nil
}

// FromConfig returns the configured collaborator, degrading to the null
// client when no API key is present. Construction never fails the
// pipeline: an unusable LLM section just means the AI paths are skipped.
func FromConfig(ctx context.Context, cfg *config.Config) Client {
	c, err := NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLMTimeout())
	if err != nil {
		return Unavailable{}
	}
	return c
}

// IsAvailable reports true once the underlying client exists.
func (g *GeminiClient) IsAvailable() bool {
	return g != nil && g.client != nil
}

// Complete returns text for a prompt.
func (g *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, nil, prompt)
}

// CompleteWithSystem returns text for a prompt under a system persona.
func (g *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}
	return g.generate(ctx, cfg, userPrompt)
}

func (g *GeminiClient) generate(ctx context.Context, cfg *genai.GenerateContentConfig, prompt string) (string, error) {
	if !g.IsAvailable() {
		return "", ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("genai completion: %w", err)
	}
	return resp.Text(), nil
}

// GenerateAssemblyPlan asks the model which blocks to combine for the
// design. Unusable responses yield a nil plan, not an error.
func (g *GeminiClient) GenerateAssemblyPlan(ctx context.Context, req *CodeRequest) (*AssemblyPlan, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode plan request: %w", err)
	}

	prompt := fmt.Sprintf(`Plan how to assemble 8051 firmware from reusable code blocks.

Design and available blocks:
%s

Respond with JSON only:
{"blocks_to_use": ["<block id>", ...], "strategy": "<one sentence>"}`, payload)

	response, err := g.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return ParsePlan(response), nil
}

// GenerateCode asks the model for complete firmware source.
func (g *GeminiClient) GenerateCode(ctx context.Context, req *CodeRequest) (string, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode code request: %w", err)
	}

	prompt := fmt.Sprintf(`Generate complete 8051 firmware in C for this design:

%s

Use the listed code blocks as building material where they fit. The code
must compile with "sdcc -mmcs51" as a single translation unit.`, payload)

	response, err := g.CompleteWithSystem(ctx, codegenSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	return StripFences(response), nil
}
