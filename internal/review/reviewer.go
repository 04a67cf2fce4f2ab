// Package review produces a short expert assessment of firmware source
// that failed to compile. The assessment feeds the repair loop's patch
// prompt; it is advisory text, never structured data. An LLM-backed
// reviewer is used when available, with a deterministic local summary as
// the designed fallback so the review step never goes missing.
package review

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"firmforge/internal/diagnostics"
	"firmforge/internal/llm"
)

const reviewSystemPrompt = `You are a senior embedded systems engineer reviewing C firmware for
8051 microcontrollers compiled with SDCC. Given source code annotated
with compiler diagnostics, explain concisely what is wrong and how to
fix it. Focus on the diagnostics; mention 8051-specific pitfalls
(undeclared SFR pins, missing <8051.h>, wrong pin identifier syntax)
only when they apply. Keep the review under ten sentences.`

// Reviewer assesses annotated firmware source.
type Reviewer interface {
	// Review returns an assessment of source text annotated with its
	// compiler diagnostics.
	Review(ctx context.Context, annotatedSource string) (string, error)
}

// LLMReviewer reviews through the AI collaborator.
type LLMReviewer struct {
	client llm.Client
	logger *zap.Logger
}

// NewLLMReviewer builds a reviewer over client.
func NewLLMReviewer(client llm.Client, logger *zap.Logger) *LLMReviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMReviewer{client: client, logger: logger}
}

// Review asks the collaborator for an assessment. When the collaborator
// is absent or fails, the error propagates; callers substitute
// FallbackSummary.
func (r *LLMReviewer) Review(ctx context.Context, annotatedSource string) (string, error) {
	if !r.client.IsAvailable() {
		return "", llm.ErrUnavailable
	}
	review, err := r.client.CompleteWithSystem(ctx, reviewSystemPrompt, annotatedSource)
	if err != nil {
		r.logger.Warn("code review failed", zap.Error(err))
		return "", err
	}
	return strings.TrimSpace(review), nil
}

// Annotate builds the reviewer/patch prompt body: the diagnostics header
// block followed by the full source.
func Annotate(source string, diags []diagnostics.Diagnostic) string {
	var sb strings.Builder
	sb.WriteString("Compiler diagnostics:\n")
	sb.WriteString(diagnostics.Format(diags))
	sb.WriteString("\n\nSource code:\n")
	sb.WriteString(source)
	return sb.String()
}

// FallbackSummary is the deterministic local review used when no AI
// reviewer can serve. It counts diagnostics by severity and lists the
// error messages so the patch prompt still names every problem.
func FallbackSummary(diags []diagnostics.Diagnostic) string {
	errs := diagnostics.Errors(diags)
	warnings := len(diags) - len(errs)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Compilation produced %d error(s) and %d warning(s).\n", len(errs), warnings)
	if len(errs) > 0 {
		sb.WriteString("Errors to fix:\n")
		for _, d := range errs {
			fmt.Fprintf(&sb, "- line %s: %s\n", d.Line, d.Message)
		}
	}
	sb.WriteString("Fix every listed error; keep the rest of the program unchanged.")
	return sb.String()
}
