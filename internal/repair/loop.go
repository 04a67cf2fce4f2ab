// Package repair orchestrates the bounded compile-repair loop: assemble
// once, compile, and on failure run up to MaxAttempts AI-assisted patch
// rounds (diagnose, review, patch, recompile). The loop is a linear state
// machine; every attempt is recorded in an immutable log so the caller can
// reconstruct exactly what happened.
package repair

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"firmforge/internal/assembler"
	"firmforge/internal/design"
	"firmforge/internal/diagnostics"
	"firmforge/internal/llm"
	"firmforge/internal/review"
	"firmforge/internal/toolchain"
)

// Stage identifies where the pipeline is, or where it ended.
type Stage int

const (
	StageAssembling Stage = iota
	StageCompiling
	StageDiagnosing
	StageReviewing
	StagePatching
	StageSuccess
	StageGivenUp
)

func (s Stage) String() string {
	switch s {
	case StageAssembling:
		return "assembling"
	case StageCompiling:
		return "compiling"
	case StageDiagnosing:
		return "diagnosing"
	case StageReviewing:
		return "reviewing"
	case StagePatching:
		return "patching"
	case StageSuccess:
		return "success"
	case StageGivenUp:
		return "given up"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

const patchSystemPrompt = `You are an embedded firmware engineer fixing C code for 8051
microcontrollers compiled with SDCC. You receive compiler diagnostics, a
reviewer's assessment and the current source. Return the complete
corrected source file: fix every reported error, keep working code
unchanged, and output only code with no explanations and no markdown
fences.`

// Attempt records one patch round. Entries are appended in order and
// never mutated afterwards.
type Attempt struct {
	Number      int
	Source      string
	Compile     *toolchain.Result
	Diagnostics []diagnostics.Diagnostic
	Review      string
}

// Outcome is the final report of one pipeline run.
type Outcome struct {
	Stage           Stage
	SourcePath      string
	HexPath         string
	AttemptsUsed    int
	LastDiagnostics []diagnostics.Diagnostic
	Attempts        []Attempt
}

// Succeeded reports whether the run ended with a loadable artifact.
func (o *Outcome) Succeeded() bool {
	return o.Stage == StageSuccess
}

// Loop wires the pipeline components for one design request.
type Loop struct {
	assembler   *assembler.Assembler
	invoker     *toolchain.Invoker
	client      llm.Client
	reviewer    review.Reviewer
	maxAttempts int
	outputDir   string
	logger      *zap.Logger
}

// New builds a Loop. A nil reviewer means the deterministic fallback
// summary serves every review step.
func New(asm *assembler.Assembler, invoker *toolchain.Invoker, client llm.Client, reviewer review.Reviewer, maxAttempts int, outputDir string, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = llm.Unavailable{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Loop{
		assembler:   asm,
		invoker:     invoker,
		client:      client,
		reviewer:    reviewer,
		maxAttempts: maxAttempts,
		outputDir:   outputDir,
		logger:      logger,
	}
}

// Run executes the full pipeline for one design. The returned error is
// reserved for environment failures (unwritable output directory and the
// like); ordinary compile failures and exhausted repairs come back as a
// GivenUp outcome.
func (l *Loop) Run(ctx context.Context, d *design.Design) (*Outcome, error) {
	l.logger.Info("pipeline start", zap.String("stage", StageAssembling.String()))
	source, err := l.assembler.Assemble(ctx, d.Components, d.Functionality)
	if err != nil {
		return nil, fmt.Errorf("assemble firmware: %w", err)
	}

	l.logger.Info("pipeline stage", zap.String("stage", StageCompiling.String()))
	res, err := l.invoker.Compile(ctx, source)
	if err != nil {
		return nil, err
	}
	if res.Success {
		return l.success(res, 0, nil), nil
	}

	outcome := &Outcome{Stage: StageGivenUp, SourcePath: res.SourcePath}

	if !l.client.IsAvailable() {
		l.logger.Warn("compile failed and no AI collaborator is available, giving up",
			zap.String("summary", res.ErrorSummary))
		outcome.LastDiagnostics = l.diagnose(res)
		return outcome, nil
	}

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		l.logger.Info("repair attempt",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", l.maxAttempts),
			zap.String("stage", StageDiagnosing.String()))

		diags := l.diagnose(res)
		outcome.LastDiagnostics = diags

		assessment := l.review(ctx, source, diags)

		patched, ok := l.patch(ctx, source, diags, assessment)
		if !ok {
			l.logger.Warn("unusable patch response, giving up", zap.Int("attempt", attempt))
			return outcome, nil
		}

		if err := l.persistPatch(attempt, patched); err != nil {
			return nil, err
		}

		res, err = l.invoker.Compile(ctx, patched)
		if err != nil {
			return nil, err
		}
		source = patched

		outcome.Attempts = append(outcome.Attempts, Attempt{
			Number:      attempt,
			Source:      patched,
			Compile:     res,
			Diagnostics: diags,
			Review:      assessment,
		})
		outcome.AttemptsUsed = attempt
		outcome.SourcePath = res.SourcePath

		if res.Success {
			return l.success(res, attempt, outcome.Attempts), nil
		}
	}

	l.logger.Warn("repair attempts exhausted, giving up",
		zap.Int("attempts", l.maxAttempts))
	outcome.LastDiagnostics = l.diagnose(res)
	return outcome, nil
}

func (l *Loop) success(res *toolchain.Result, attempts int, log []Attempt) *Outcome {
	l.logger.Info("pipeline success",
		zap.String("hex", res.HexPath),
		zap.Int("repair_attempts", attempts))
	return &Outcome{
		Stage:        StageSuccess,
		SourcePath:   res.SourcePath,
		HexPath:      res.HexPath,
		AttemptsUsed: attempts,
		Attempts:     log,
	}
}

// diagnose parses the failed result's stderr, falling back to the error
// summary for failures that produce no stream (timeouts).
func (l *Loop) diagnose(res *toolchain.Result) []diagnostics.Diagnostic {
	raw := res.Stderr
	if strings.TrimSpace(raw) == "" {
		raw = res.ErrorSummary
	}
	return diagnostics.Parse(raw)
}

// review obtains the assessment for this round: the configured reviewer
// when it serves, the deterministic summary otherwise. The review step
// itself is never skipped.
func (l *Loop) review(ctx context.Context, source string, diags []diagnostics.Diagnostic) string {
	l.logger.Debug("pipeline stage", zap.String("stage", StageReviewing.String()))
	if l.reviewer != nil {
		if assessment, err := l.reviewer.Review(ctx, review.Annotate(source, diags)); err == nil && assessment != "" {
			return assessment
		} else if err != nil {
			l.logger.Warn("reviewer failed, using local summary", zap.Error(err))
		}
	}
	return review.FallbackSummary(diags)
}

// patch asks the collaborator for corrected source. The second return is
// false for any unusable response: an error, empty text, a response with
// no program entry point, or source identical to the current attempt.
func (l *Loop) patch(ctx context.Context, source string, diags []diagnostics.Diagnostic, assessment string) (string, bool) {
	l.logger.Debug("pipeline stage", zap.String("stage", StagePatching.String()))

	prompt := fmt.Sprintf(`The firmware below failed to compile.

Compiler diagnostics:
%s

Review:
%s

Current source:
%s

Return the complete corrected source file.`, diagnostics.Format(diags), assessment, source)

	response, err := l.client.CompleteWithSystem(ctx, patchSystemPrompt, prompt)
	if err != nil {
		l.logger.Warn("patch request failed", zap.Error(err))
		return "", false
	}

	patched := llm.StripFences(response)
	if strings.TrimSpace(patched) == "" {
		return "", false
	}
	if !strings.Contains(patched, "void main") && !strings.Contains(patched, "int main") {
		l.logger.Warn("patch response has no program entry point")
		return "", false
	}
	if strings.TrimSpace(patched) == strings.TrimSpace(source) {
		l.logger.Warn("patch response is identical to the failing source")
		return "", false
	}
	return patched, true
}

// persistPatch records the attempt's corrected source as
// fixed_firmware_<attempt>.c. An existing file of that name is never
// overwritten; the record falls back to a versioned sibling.
func (l *Loop) persistPatch(attempt int, source string) error {
	if err := os.MkdirAll(l.outputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(l.outputDir, fmt.Sprintf("fixed_firmware_%d.c", attempt))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if os.IsExist(err) {
		path, err = toolchain.NextVersioned(l.outputDir, fmt.Sprintf("fixed_firmware_%d", attempt), "c")
		if err != nil {
			return err
		}
		return os.WriteFile(path, []byte(source), 0644)
	}
	if err != nil {
		return fmt.Errorf("persist patch %s: %w", path, err)
	}
	if _, err := f.WriteString(source); err != nil {
		f.Close()
		return fmt.Errorf("persist patch %s: %w", path, err)
	}
	return f.Close()
}
