package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter    string // scenario filter (glob on the file name without extension)
	GoldenDir string // compare traces against <dir>/<scenario>.golden
	Update    bool   // rewrite golden files instead of comparing
	Parallel  int    // scenarios run at once
	Metrics   string // Prometheus text file written after the run
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario-path>...",
		Short: "Run pipeline scenarios",
		Long: `Run YAML pipeline scenarios.

Each path is a scenario file or a directory of them. Every scenario runs
against its own in-memory context, so scenarios run in parallel.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, bad config)

Examples:
  xrmsim test ./scenarios
  xrmsim test ./scenarios --filter "account_*"
  xrmsim test ./scenarios --golden-dir ./golden --update
  xrmsim test ./scenarios --format json
  xrmsim test ./scenarios --metrics ./xrmsim.prom`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd.Context(), opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "directory of golden trace files")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files (requires --golden-dir)")
	cmd.Flags().IntVarP(&opts.Parallel, "parallel", "p", runtime.GOMAXPROCS(0), "scenarios to run at once")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "write pipeline metrics of all scenarios in Prometheus text format to this file")

	return cmd
}

func runTests(ctx context.Context, opts *TestOptions, paths []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Update && opts.GoldenDir == "" {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "--update requires --golden-dir", nil)
	}

	_, logger, err := opts.loadConfig(cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
	}

	files, err := harness.FindScenarios(paths...)
	if err != nil {
		var nf *harness.ScenarioNotFoundError
		if errors.As(err, &nf) {
			return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("scenario path not found: %s", nf.Path), err)
		}
		return f.Fail(ExitCommandError, ErrCodeGeneric, "find scenarios", err)
	}
	files, err = filterScenarios(files, opts.Filter)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid filter pattern", err)
	}

	if len(files) == 0 {
		if f.JSON() {
			return f.Success(TestResult{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	metrics := newMetricsFile(opts.Metrics)
	results := make([]ScenarioResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Parallel, 1))
	for i, file := range files {
		g.Go(func() error {
			results[i] = runScenario(gctx, file, opts,
				harness.WithLogger(logger.With("scenario", filepath.Base(file))),
				harness.WithMetrics(metrics.Metrics()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "run scenarios", err)
	}
	if err := metrics.Write(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "write metrics", err)
	}

	result := TestResult{Scenarios: results, Total: len(results)}
	for _, r := range results {
		if r.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if f.JSON() {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		writeTestText(cmd.OutOrStdout(), result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total))
	}
	return nil
}

// filterScenarios keeps the files whose base name without extension
// matches pattern.
func filterScenarios(files []string, pattern string) ([]string, error) {
	if pattern == "" {
		return files, nil
	}
	var kept []string
	for _, file := range files {
		base := filepath.Base(file)
		matched, err := filepath.Match(pattern, strings.TrimSuffix(base, filepath.Ext(base)))
		if err != nil {
			return nil, err
		}
		if matched {
			kept = append(kept, file)
		}
	}
	return kept, nil
}

// runScenario executes a single scenario and returns the result.
func runScenario(ctx context.Context, file string, opts *TestOptions, runOpts ...harness.RunOption) ScenarioResult {
	sr := ScenarioResult{Name: filepath.Base(file), File: file}
	fail := func(format string, args ...any) ScenarioResult {
		sr.Errors = append(sr.Errors, fmt.Sprintf(format, args...))
		return sr
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail("failed to load scenario: %v", err)
	}
	sr.Name = scenario.Name

	result, err := harness.Run(ctx, scenario, runOpts...)
	if err != nil {
		return fail("scenario execution failed: %v", err)
	}
	sr.Errors = append(sr.Errors, result.Errors...)

	if opts.GoldenDir != "" {
		if err := checkGolden(opts, scenario.Name, result); err != nil {
			sr.Errors = append(sr.Errors, err.Error())
		}
	}

	sr.Pass = result.Pass && len(sr.Errors) == 0
	return sr
}

// checkGolden compares the scenario trace with its golden file, or
// rewrites the file in update mode.
func checkGolden(opts *TestOptions, name string, result *harness.Result) error {
	snapshot := harness.TraceSnapshot{ScenarioName: name, Result: result}
	trace, err := snapshot.Marshal()
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	path := filepath.Join(opts.GoldenDir, name+".golden")
	if opts.Update {
		if err := os.MkdirAll(opts.GoldenDir, 0o755); err != nil {
			return fmt.Errorf("failed to update golden file: %w", err)
		}
		if err := os.WriteFile(path, trace, 0o644); err != nil {
			return fmt.Errorf("failed to update golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("golden file missing: %s (run with --update to create)", path)
	}
	if err != nil {
		return fmt.Errorf("read golden file: %w", err)
	}
	if !bytes.Equal(bytes.TrimRight(want, "\n"), trace) {
		return errors.New("trace does not match golden file (run with --update to regenerate)")
	}
	return nil
}

func writeTestText(w io.Writer, result TestResult) {
	for _, r := range result.Scenarios {
		if r.Pass {
			fmt.Fprintf(w, "✓ %s\n", r.Name)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", r.Name)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
