package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"firmforge/internal/assembler"
	"firmforge/internal/blocks"
	"firmforge/internal/config"
	"firmforge/internal/design"
	"firmforge/internal/diagnostics"
	"firmforge/internal/llm"
	"firmforge/internal/repair"
	"firmforge/internal/review"
	"firmforge/internal/toolchain"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// generate flags
	outputDir string
	parallel  int
	noAI      bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "firmforge",
	Short: "firmforge - AI-assisted 8051 firmware assembly and repair",
	Long: `firmforge turns a structured hardware design description (YAML or JSON)
into compiled 8051 firmware.

The pipeline assembles C source from a reusable block library (with an
optional AI-planned path), compiles it with SDCC, and on failure runs a
bounded AI-assisted repair loop over the compiler diagnostics until the
firmware compiles or the attempt budget is spent.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [design file...]",
	Short: "Generate firmware from one or more design specs",
	Long: `Runs the full pipeline for each design file. Designs run as isolated
requests: each gets its own output subdirectory, so versioned artifacts
never cross requests. Multiple designs run in parallel up to --parallel.

Example:
  firmforge generate design.yaml
  firmforge generate --parallel 4 boards/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "List the code block library",
	RunE:  runBlocks,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the external toolchain and AI collaborator",
	RunE:  runDoctor,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML)")

	generateCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (overrides config)")
	generateCmd.Flags().IntVar(&parallel, "parallel", 1, "max designs processed concurrently")
	generateCmd.Flags().BoolVar(&noAI, "no-ai", false, "disable the AI collaborator for this run")

	rootCmd.AddCommand(generateCmd, blocksCmd, doctorCmd)
}

// loadConfig applies the CLI flag overrides on top of the layered config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	return cfg, nil
}

// buildClient returns the AI collaborator for this invocation.
func buildClient(ctx context.Context, cfg *config.Config) llm.Client {
	if noAI {
		return llm.Unavailable{}
	}
	client := llm.FromConfig(ctx, cfg)
	if !client.IsAvailable() {
		logger.Warn("no AI collaborator configured, assembly and repair run rule-based only")
	}
	return client
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := blocks.EnsureDefaults(cfg.Blocks.Dir); err != nil {
		return fmt.Errorf("materialize default blocks: %w", err)
	}
	library := blocks.Load(cfg.Blocks.Dir, logger)
	client := buildClient(ctx, cfg)

	// Probe the toolchain once up front: a missing compiler fails the whole
	// run before any per-design work starts.
	probe := toolchain.New(cfg, cfg.Output.Dir, "firmware", logger)
	if err := probe.CheckAvailable(ctx); err != nil {
		return err
	}

	if parallel < 1 {
		parallel = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, path := range args {
		g.Go(func() error {
			return generateOne(ctx, cfg, library, client, path)
		})
	}
	return g.Wait()
}

// generateOne runs the pipeline for a single design file inside its own
// output namespace.
func generateOne(ctx context.Context, cfg *config.Config, library *blocks.Library, client llm.Client, path string) error {
	d, err := design.Load(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	requestID := uuid.NewString()[:8]
	requestDir := filepath.Join(cfg.Output.Dir, requestID)
	log := logger.With(zap.String("design", path), zap.String("request", requestID))

	asm := assembler.New(library, client, log)
	invoker := toolchain.New(cfg, requestDir, d.FilePrefix(), log)

	var reviewer review.Reviewer
	if client.IsAvailable() {
		reviewer = review.NewLLMReviewer(client, log)
	}

	loop := repair.New(asm, invoker, client, reviewer, cfg.Repair.MaxAttempts, requestDir, log)
	outcome, err := loop.Run(ctx, d)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if !outcome.Succeeded() {
		log.Error("firmware generation failed",
			zap.String("stage", outcome.Stage.String()),
			zap.Int("attempts", outcome.AttemptsUsed))
		fmt.Fprintf(os.Stderr, "%s: %s after %d repair attempt(s)\n%s\n",
			path, outcome.Stage, outcome.AttemptsUsed, diagnostics.Format(outcome.LastDiagnostics))
		return fmt.Errorf("%s: firmware did not compile", path)
	}

	fmt.Printf("%s -> %s (repair attempts: %d)\n", path, outcome.HexPath, outcome.AttemptsUsed)
	return nil
}

func runBlocks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := blocks.EnsureDefaults(cfg.Blocks.Dir); err != nil {
		return fmt.Errorf("materialize default blocks: %w", err)
	}
	library := blocks.Load(cfg.Blocks.Dir, logger)

	fmt.Printf("Block library: %s (%d blocks)\n\n", cfg.Blocks.Dir, library.Len())
	for _, entry := range library.Catalog() {
		fmt.Printf("  %-32s %-6s %s\n", entry.ID, entry.Kind, entry.Purpose)
	}
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	failed := false

	invoker := toolchain.New(cfg, cfg.Output.Dir, "firmware", logger)
	if err := invoker.CheckAvailable(ctx); err != nil {
		fmt.Printf("compiler:   MISSING (%v)\n", err)
		failed = true
	} else {
		fmt.Printf("compiler:   ok (%s)\n", cfg.Toolchain.Compiler)
	}

	client := llm.FromConfig(ctx, cfg)
	if client.IsAvailable() {
		fmt.Printf("ai:         ok (%s)\n", cfg.LLM.Model)
	} else {
		fmt.Println("ai:         not configured (set FIRMFORGE_API_KEY or GEMINI_API_KEY)")
	}

	library := blocks.Load(cfg.Blocks.Dir, logger)
	fmt.Printf("blocks:     %d in %s\n", library.Len(), cfg.Blocks.Dir)

	if failed {
		return fmt.Errorf("environment is not ready")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
