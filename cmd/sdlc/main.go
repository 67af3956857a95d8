package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"sdlcagent/internal/config"
	"sdlcagent/internal/orchestrator"
	"sdlcagent/internal/perception"
	"sdlcagent/internal/runlog"
	"sdlcagent/internal/store"
	"sdlcagent/internal/tactile"
)

var (
	// Global flags
	verbose    bool
	configPath string
	outputDir  string
	modelFlag  string
	maxRetries int

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sdlc",
	Short: "SDLC agent - requirement to tested code",
	Long: `sdlc turns a natural language requirement into working code.

It asks a remote model for an implementation and a matching test suite,
persists both to disk, runs the tests in a subprocess, and on failure feeds
the output back to the model for repair, up to a bounded number of attempts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
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

var runCmd = &cobra.Command{
	Use:   "run [requirement]",
	Short: "Generate, test, and repair code for one requirement",
	Long: `Runs the full cycle for a single requirement:
  1. Generate an implementation
  2. Generate unit tests for it
  3. Persist both files and run the tests
  4. On failure, repair and retry up to the configured budget

Example:
  sdlc run "a function that parses RFC 3339 timestamps"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequirement,
}

var batchCmd = &cobra.Command{
	Use:   "batch [file]",
	Short: "Run every requirement listed in a file, one per line",
	Long: `Reads requirements from a file (one per line, blank lines and lines
starting with # are skipped) and runs each one concurrently. Each run gets
its own artifact pair and run log.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available to the configured backend",
	RunE:  listModels,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs from the history database",
	RunE:  showHistory,
}

var (
	batchConcurrency int
	historyLimit     int
	historyStatus    string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sdlc.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "Artifact output directory (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "Model to use (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&maxRetries, "max-retries", "r", -1, "Repair attempt budget (overrides config)")

	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 4, "Maximum concurrent runs")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of runs to show")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status (success, exhausted, fatal)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		cfg.Execution.OutputDir = outputDir
	}
	if modelFlag != "" {
		cfg.LLM.Model = modelFlag
	}
	if maxRetries >= 0 {
		cfg.Execution.MaxRetries = maxRetries
	}
	return cfg, nil
}

func buildClient(cfg *config.Config) (*perception.GeminiClient, error) {
	timeout, err := cfg.LLMTimeout()
	if err != nil {
		return nil, err
	}
	return perception.NewGeminiClientWithConfig(perception.GeminiConfig{
		APIKey:          cfg.LLM.APIKey,
		BaseURL:         cfg.LLM.BaseURL,
		Model:           cfg.LLM.Model,
		Timeout:         timeout,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		MaxRetries:      cfg.LLM.MaxRetries,
	}), nil
}

func buildLoop(cfg *config.Config, client *perception.GeminiClient, recorder runlog.Recorder) (*orchestrator.Loop, error) {
	testTimeout, err := cfg.TestTimeout()
	if err != nil {
		return nil, err
	}
	runDeadline, err := cfg.RunDeadline()
	if err != nil {
		return nil, err
	}

	executor := tactile.NewPytestExecutorWithConfig(tactile.ExecutorConfig{
		PythonBinary:   cfg.Execution.PythonBinary,
		WorkingDir:     cfg.Execution.OutputDir,
		Timeout:        testTimeout,
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
	})

	return orchestrator.NewLoop(client, executor, recorder, orchestrator.Config{
		MaxRetries:    cfg.Execution.MaxRetries,
		OutputDir:     cfg.Execution.OutputDir,
		Language:      cfg.Execution.Language,
		FileExtension: cfg.Execution.FileExtension,
		FallbackModel: cfg.LLM.FallbackModel,
		RunDeadline:   runDeadline,
	}), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// validateModel checks the configured model against the backend's served
// list once, before any run enters the loop. An unknown primary model with
// a configured fallback switches to the fallback up front.
func validateModel(ctx context.Context, cfg *config.Config, client *perception.GeminiClient) error {
	err := client.ValidateModel(ctx)
	if err == nil {
		return nil
	}
	if perception.IsModelUnavailable(err) && cfg.LLM.FallbackModel != "" {
		logger.Warn("configured model unavailable, using fallback",
			zap.String("model", client.GetModel()),
			zap.String("fallback", cfg.LLM.FallbackModel))
		client.SetModel(cfg.LLM.FallbackModel)
		return client.ValidateModel(ctx)
	}
	return err
}

func runRequirement(cmd *cobra.Command, args []string) error {
	requirement := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := validateModel(ctx, cfg, client); err != nil {
		return fmt.Errorf("model validation failed: %w", err)
	}

	hs := openHistory(cfg)
	if hs != nil {
		defer hs.Close()
	}

	outcome, err := executeRun(ctx, cfg, client, hs, requirement)
	if err != nil {
		return err
	}

	printOutcome(outcome)
	return outcomeErr(outcome)
}

// outcomeErr maps a finished run to the process exit status. Returning an
// error lets cobra unwind normally, so the logger is synced before exit.
func outcomeErr(outcome *orchestrator.RunOutcome) error {
	if outcome.Succeeded() {
		return nil
	}
	return fmt.Errorf("run finished with status %s", outcome.Status)
}

func batchErr(passed, total int) error {
	if passed == total {
		return nil
	}
	return fmt.Errorf("%d of %d requirements failed", total-passed, total)
}

// openHistory opens the history store, or nil if it is unavailable.
// History is observability; a broken store must not block runs.
func openHistory(cfg *config.Config) *store.RunStore {
	hs, err := store.NewRunStore(cfg.History.DatabasePath)
	if err != nil {
		logger.Warn("history store unavailable", zap.Error(err))
		return nil
	}
	return hs
}

// executeRun wires one loop instance with its own run log, executes the
// requirement, and persists the outcome to the shared history store.
func executeRun(ctx context.Context, cfg *config.Config, client *perception.GeminiClient, hs *store.RunStore, requirement string) (*orchestrator.RunOutcome, error) {
	logPath := filepath.Join(cfg.History.RunLogDir, fmt.Sprintf("run-%d.jsonl", time.Now().UnixNano()))
	recorder, err := runlog.NewFileRecorder(logPath)
	if err != nil {
		// Degraded: record in memory only, the run itself must proceed.
		logger.Warn("run log unavailable, recording in memory only", zap.Error(err))
		recorder = runlog.NewMemoryFileRecorder()
	}
	defer recorder.Close()

	loop, err := buildLoop(cfg, client, recorder)
	if err != nil {
		return nil, err
	}

	logger.Info("starting run",
		zap.String("requirement", requirement),
		zap.String("model", client.GetModel()),
		zap.Int("max_retries", cfg.Execution.MaxRetries))

	outcome, err := loop.Run(ctx, requirement)
	if err != nil {
		return nil, err
	}

	if sinkErr := recorder.SinkError(); sinkErr != nil {
		logger.Warn("run log degraded to memory during run", zap.Error(sinkErr))
	}

	saveHistory(hs, outcome)
	return outcome, nil
}

func saveHistory(hs *store.RunStore, outcome *orchestrator.RunOutcome) {
	if hs == nil {
		return
	}
	if err := hs.Save(store.RunRecord{
		RunID:       outcome.RunID,
		Requirement: outcome.Requirement,
		Status:      string(outcome.Status),
		Attempts:    outcome.Attempts,
		CodePath:    outcome.CodePath,
		TestPath:    outcome.TestPath,
		Summary:     outcome.Summary,
		DurationMS:  outcome.Duration.Milliseconds(),
	}); err != nil {
		logger.Warn("failed to save run history", zap.Error(err))
	}
}

func printOutcome(outcome *orchestrator.RunOutcome) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	switch outcome.Status {
	case orchestrator.StatusSuccess:
		green.Printf("PASS  %s\n", outcome.Requirement)
	case orchestrator.StatusExhausted:
		red.Printf("FAIL  %s\n", outcome.Requirement)
	default:
		red.Printf("ERROR %s\n", outcome.Requirement)
	}
	fmt.Printf("  run:      %s\n", outcome.RunID)
	fmt.Printf("  attempts: %d\n", outcome.Attempts)
	fmt.Printf("  code:     %s\n", outcome.CodePath)
	fmt.Printf("  tests:    %s\n", outcome.TestPath)
	fmt.Printf("  duration: %s\n", outcome.Duration.Round(time.Millisecond))
	if outcome.Summary != "" {
		yellow.Printf("  %s\n", outcome.Summary)
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read batch file: %w", err)
	}

	var requirements []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		requirements = append(requirements, line)
	}
	if len(requirements) == 0 {
		return fmt.Errorf("no requirements found in %s", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	seed, err := buildClient(cfg)
	if err != nil {
		return err
	}
	if err := validateModel(ctx, cfg, seed); err != nil {
		return fmt.Errorf("model validation failed: %w", err)
	}
	// Per-run clients start on whatever model validation settled on.
	cfg.LLM.Model = seed.GetModel()

	// One store for the whole batch; its lock serializes concurrent saves.
	hs := openHistory(cfg)
	if hs != nil {
		defer hs.Close()
	}

	outcomes := make([]*orchestrator.RunOutcome, len(requirements))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i, req := range requirements {
		i, req := i, req
		g.Go(func() error {
			// Each run gets its own client so model fallback in one run
			// cannot affect the others.
			client, err := buildClient(cfg)
			if err != nil {
				return err
			}
			outcome, err := executeRun(gctx, cfg, client, hs, req)
			if err != nil {
				return fmt.Errorf("run %d (%q): %w", i+1, req, err)
			}
			outcomes[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var passed int
	for _, outcome := range outcomes {
		printOutcome(outcome)
		if outcome.Succeeded() {
			passed++
		}
	}
	fmt.Printf("\n%d/%d requirements passed\n", passed, len(outcomes))
	return batchErr(passed, len(outcomes))
}

func listModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	models, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	current := client.GetModel()
	for _, m := range models {
		if m == current {
			color.New(color.FgGreen).Printf("* %s\n", m)
		} else {
			fmt.Printf("  %s\n", m)
		}
	}
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hs, err := store.NewRunStore(cfg.History.DatabasePath)
	if err != nil {
		return err
	}
	defer hs.Close()

	var records []store.RunRecord
	if historyStatus != "" {
		records, err = hs.ByStatus(historyStatus, historyLimit)
	} else {
		records, err = hs.Recent(historyLimit)
	}
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, rec := range records {
		status := rec.Status
		switch rec.Status {
		case string(orchestrator.StatusSuccess):
			status = green.Sprint(rec.Status)
		case string(orchestrator.StatusExhausted), string(orchestrator.StatusFatal):
			status = red.Sprint(rec.Status)
		}
		req := rec.Requirement
		if len(req) > 60 {
			req = req[:57] + "..."
		}
		fmt.Printf("%s  %-9s (%d attempts, %s)  %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			status, rec.Attempts,
			(time.Duration(rec.DurationMS) * time.Millisecond).Round(time.Millisecond),
			req)
	}
	return nil
}
