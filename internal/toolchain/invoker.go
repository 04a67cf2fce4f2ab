// Package toolchain wraps the external compiler/converter pair (SDCC and
// packihx by default) that turns firmware source text into a loadable
// Intel HEX artifact. Every compile attempt persists its source under a
// fresh versioned filename and reports a structured result; raw subprocess
// failures never escape this package.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"firmforge/internal/config"
)

// ErrUnavailable reports a missing compiler binary. It is fatal and
// non-retryable: no compile attempts are made without a toolchain.
var ErrUnavailable = errors.New("compiler toolchain not available")

// LatestHexName is the fixed-name artifact overwritten on every
// successful compile.
const LatestHexName = "firmware.hex"

// summaryLines bounds the trimmed error summary on failed compiles.
const summaryLines = 10

// Result is the structured outcome of one compile attempt. A Result is
// created fresh per attempt and never mutated afterwards.
type Result struct {
	Success       bool
	SourcePath    string
	HexPath       string
	LatestHexPath string
	Stdout        string
	Stderr        string
	ErrorSummary  string
}

// Invoker runs the external toolchain against one output directory. Each
// design request owns its Invoker; the only shared state is the output
// directory itself, guarded by atomic versioned-name claims.
type Invoker struct {
	compiler  string
	flags     []string
	converter string
	timeout   time.Duration
	outputDir string
	prefix    string
	logger    *zap.Logger
}

// New builds an Invoker writing artifacts under outputDir with the given
// versioned-filename prefix.
func New(cfg *config.Config, outputDir, prefix string, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "firmware"
	}
	return &Invoker{
		compiler:  cfg.Toolchain.Compiler,
		flags:     append([]string(nil), cfg.Toolchain.CompilerFlags...),
		converter: cfg.Toolchain.Converter,
		timeout:   cfg.CompileTimeout(),
		outputDir: outputDir,
		prefix:    prefix,
		logger:    logger,
	}
}

// CheckAvailable probes the compiler binary. Failure wraps ErrUnavailable.
func (iv *Invoker) CheckAvailable(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, iv.compiler, "--version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s --version: %v", ErrUnavailable, iv.compiler, err)
	}
	if line, _, _ := strings.Cut(string(out), "\n"); line != "" {
		iv.logger.Info("compiler found", zap.String("version", strings.TrimSpace(line)))
	}
	return nil
}

// Normalize cleans source text before persisting: code-fence markers are
// stripped, CRLF becomes LF, trailing whitespace is trimmed per line and
// the text ends with exactly one newline. Formatting noise from an
// upstream generator must never break the invocation.
func Normalize(source string) string {
	source = strings.ReplaceAll(source, "\r\n", "\n")

	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		out = append(out, strings.TrimRight(line, " \t"))
	}

	result := strings.TrimRight(strings.Join(out, "\n"), "\n")
	return result + "\n"
}

// Compile persists sourceText under a new versioned filename, invokes the
// compiler in an isolated working directory and converts the intermediate
// artifact into the final hex. Compile failures (including timeouts,
// missing artifacts and conversion errors) come back as a failed Result;
// the error return is reserved for environment problems such as an
// unwritable output directory.
func (iv *Invoker) Compile(ctx context.Context, sourceText string) (*Result, error) {
	if err := os.MkdirAll(iv.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	srcPath, srcFile, err := claimVersioned(iv.outputDir, iv.prefix, "c")
	if err != nil {
		return nil, err
	}
	normalized := Normalize(sourceText)
	if _, err := srcFile.WriteString(normalized); err != nil {
		srcFile.Close()
		return nil, fmt.Errorf("write source %s: %w", srcPath, err)
	}
	if err := srcFile.Close(); err != nil {
		return nil, fmt.Errorf("close source %s: %w", srcPath, err)
	}

	result := &Result{SourcePath: srcPath}

	workDir, err := os.MkdirTemp("", "firmforge-build-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	absSrc, err := filepath.Abs(srcPath)
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}

	compileCtx, cancel := context.WithTimeout(ctx, iv.timeout)
	defer cancel()

	args := append(append([]string(nil), iv.flags...), absSrc)
	cmd := exec.CommandContext(compileCtx, iv.compiler, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// A hung toolchain must not outlive its context.
	cmd.WaitDelay = time.Second

	iv.logger.Debug("invoking compiler",
		zap.String("binary", iv.compiler),
		zap.Strings("args", args),
		zap.String("workdir", workDir))

	runErr := cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if compileCtx.Err() == context.DeadlineExceeded {
		result.ErrorSummary = fmt.Sprintf("compile timed out after %s", iv.timeout)
		iv.logger.Warn("compile timeout", zap.Duration("timeout", iv.timeout))
		return result, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ErrorSummary = summarize(result.Stderr)
			iv.logger.Info("compile failed",
				zap.Int("exit_code", exitErr.ExitCode()),
				zap.String("source", srcPath))
			return result, nil
		}
		// Binary missing or not executable.
		result.ErrorSummary = fmt.Sprintf("%s: %v", iv.compiler, runErr)
		return result, nil
	}

	return iv.collectArtifact(compileCtx, workDir, absSrc, result), nil
}

// collectArtifact locates the compiler's intermediate output in workDir and
// produces the final versioned hex plus the fixed latest copy. Any failure
// here downgrades the overall result to a compile failure carrying the
// original stdout/stderr.
func (iv *Invoker) collectArtifact(ctx context.Context, workDir, absSrc string, result *Result) *Result {
	base := strings.TrimSuffix(filepath.Base(absSrc), filepath.Ext(absSrc))

	artifact := filepath.Join(workDir, base+".ihx")
	if _, err := os.Stat(artifact); err != nil {
		artifact = scanForArtifact(workDir)
	}
	if artifact == "" {
		result.ErrorSummary = "compilation succeeded but no IHX/HEX artifact was produced"
		iv.logger.Warn("artifact missing after successful compile", zap.String("workdir", workDir))
		return result
	}

	hexPath, hexFile, err := claimVersioned(iv.outputDir, iv.prefix, "hex")
	if err != nil {
		result.ErrorSummary = fmt.Sprintf("claim hex artifact name: %v", err)
		return result
	}

	if strings.EqualFold(filepath.Ext(artifact), ".ihx") {
		conv := exec.CommandContext(ctx, iv.converter, filepath.Base(artifact))
		conv.Dir = workDir
		var convErr bytes.Buffer
		conv.Stdout = hexFile
		conv.Stderr = &convErr
		if err := conv.Run(); err != nil {
			hexFile.Close()
			result.ErrorSummary = fmt.Sprintf("convert IHX to HEX: %v: %s", err, strings.TrimSpace(convErr.String()))
			iv.logger.Warn("hex conversion failed", zap.Error(err), zap.String("stderr", convErr.String()))
			return result
		}
		if err := hexFile.Close(); err != nil {
			result.ErrorSummary = fmt.Sprintf("write hex artifact: %v", err)
			return result
		}
	} else {
		content, err := os.ReadFile(artifact)
		if err == nil {
			_, err = hexFile.Write(content)
		}
		if cerr := hexFile.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			result.ErrorSummary = fmt.Sprintf("copy hex artifact: %v", err)
			return result
		}
	}

	latest := filepath.Join(iv.outputDir, LatestHexName)
	if content, err := os.ReadFile(hexPath); err == nil {
		// Latest reflects the most recent successful compile only, so a
		// plain overwrite is correct here.
		if err := os.WriteFile(latest, content, 0644); err != nil {
			iv.logger.Warn("could not refresh latest hex", zap.Error(err))
		} else {
			result.LatestHexPath = latest
		}
	}

	result.HexPath = hexPath
	result.Success = true
	iv.logger.Info("compile succeeded",
		zap.String("source", result.SourcePath),
		zap.String("hex", hexPath))
	return result
}

// scanForArtifact falls back to a directory scan when the expected
// intermediate name is absent: .ihx files win over .hex files.
func scanForArtifact(workDir string) string {
	for _, pattern := range []string{"*.ihx", "*.hex"} {
		matches, err := filepath.Glob(filepath.Join(workDir, pattern))
		if err == nil && len(matches) > 0 {
			return matches[0]
		}
	}
	return ""
}

// summarize trims stderr to its first lines plus a remainder marker.
func summarize(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) <= summaryLines {
		return strings.Join(lines, "\n")
	}
	head := strings.Join(lines[:summaryLines], "\n")
	return fmt.Sprintf("%s\n... and %d more errors/warnings", head, len(lines)-summaryLines)
}
