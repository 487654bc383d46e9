package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/agent"
	"github.com/robertgumeny/rollout/internal/bench"
	"github.com/robertgumeny/rollout/internal/build"
	"github.com/robertgumeny/rollout/internal/config"
	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/manifest"
	"github.com/robertgumeny/rollout/internal/metrics"
	"github.com/robertgumeny/rollout/internal/orchestrator"
	"github.com/robertgumeny/rollout/internal/session"
	"github.com/robertgumeny/rollout/internal/workspace"
)

// runFlags holds CLI flag values that override rollout.yaml settings.
// Only flags explicitly changed by the user are applied (checked via cmd.Flags().Changed).
var runFlags struct {
	configPath        string
	runtimeFolder     string
	runtimeName       string
	agentCommand      string
	maxAttempts       int
	swe               bool
	swt               bool
	commit0           bool
	commit0Iterations int
	resume            bool
	parallelBench     bool
}

var runCmd = &cobra.Command{
	Use:   "run <project-path>",
	Short: "Roll out a task manifest against a project",
	Long: "Run every tested task of the project's manifest through the agent, " +
		"then optionally derive benchmark records from the result.",
	Args: cobra.ExactArgs(1),
	RunE: runRollout,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.configPath, "config", "rollout.yaml", "path to the rollout configuration file")
	f.StringVar(&runFlags.runtimeFolder, "runtime-folder", "", "override runtime_folder from rollout.yaml")
	f.StringVar(&runFlags.runtimeName, "runtime-name", "", "session directory name (default runtime_<unix time>)")
	f.StringVar(&runFlags.agentCommand, "agent", "", "override agent_command from rollout.yaml")
	f.IntVar(&runFlags.maxAttempts, "max-attempts", 0, "override max_attempts from rollout.yaml")
	f.BoolVar(&runFlags.swe, "swe", false, "record issue-resolution benchmarks after the rollout")
	f.BoolVar(&runFlags.swt, "swt", false, "record issue-reproduction benchmarks after the rollout")
	f.BoolVar(&runFlags.commit0, "commit0", false, "record from-scratch benchmarks after the rollout")
	f.IntVar(&runFlags.commit0Iterations, "commit0-iterations", 0, "override commit0_iterations from rollout.yaml")
	f.BoolVar(&runFlags.resume, "resume", false, "reuse an existing session and skip tasks it already passed")
	f.BoolVar(&runFlags.parallelBench, "parallel-bench", false, "run benchmark adapters concurrently")
}

// applyRunFlags copies the flags the user set onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.RolloutConfig) {
	flags := cmd.Flags()
	if flags.Changed("runtime-folder") {
		cfg.RuntimeFolder = runFlags.runtimeFolder
	}
	if flags.Changed("agent") {
		cfg.AgentCommand = runFlags.agentCommand
	}
	if flags.Changed("max-attempts") {
		cfg.MaxAttempts = runFlags.maxAttempts
	}
	if flags.Changed("commit0-iterations") {
		cfg.Commit0Iterations = runFlags.commit0Iterations
	}
	if flags.Changed("resume") {
		cfg.Resume = runFlags.resume
	}
	if flags.Changed("parallel-bench") {
		cfg.BenchParallel = runFlags.parallelBench
	}
}

// runRollout implements the "run" subcommand.
//
// Sequence:
//  1. Load rollout.yaml and ROLLOUT_* overrides; apply changed flags.
//  2. CheckDependencies for the agent, the test shell and, with --swt, python.
//  3. Load the manifest from the project directory.
//  4. Open the session (reused with --resume when it exists).
//  5. Build the gateway, runner and benchmark adapters.
//  6. Run the orchestrator under a context cancelled by SIGINT/SIGTERM.
//  7. Print the summary table and write the metrics textfile.
//  8. Run the benchmark adapters unless the run was interrupted.
//  9. Persist the session summary.
//
// An aborted run returns *orchestrator.RetryBudgetExhausted, which Execute
// maps to exit status 2.
func runRollout(cmd *cobra.Command, args []string) error {
	projectDir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	cfg, err := config.Load(runFlags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var extra []string
	if runFlags.swt {
		extra = append(extra, cfg.Python)
	}
	if err := orchestrator.CheckDependencies(cfg, extra...); err != nil {
		return fmt.Errorf("dependency check failed: %w", err)
	}

	m, err := manifest.Load(manifestPath(projectDir, cfg.ManifestFile))
	if err != nil {
		return err
	}

	if err := checkRuntimeFolder(projectDir, cfg.RuntimeFolder); err != nil {
		return err
	}
	sess, err := openSession(cfg.RuntimeFolder, runFlags.runtimeName, cfg.Resume)
	if err != nil {
		return err
	}
	log.Info("session ready", zap.String("dir", sess.Dir), zap.String("run_id", sess.RunID))

	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}
	adapters, err := benchAdapters(cfg, gw)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder := metrics.NewRecorder()
	orch := orchestrator.New(sess, gw, build.NewScriptRunner(cfg.TestShell))
	orch.MaxAttempts = cfg.MaxAttempts
	orch.Metrics = recorder
	orch.Resume = cfg.Resume

	report, runErr := orch.Run(ctx, m, projectDir)
	metrics.PrintRunSummary(os.Stdout, report.RunSummary())
	if cfg.MetricsFile != "" {
		if err := recorder.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Warning("could not write metrics file", zap.Error(err))
		}
	}

	var exhausted *orchestrator.RetryBudgetExhausted
	if errors.As(runErr, &exhausted) {
		fmt.Fprintf(os.Stderr, "completed %d of %d tasks; aborted at %s\n",
			exhausted.Completed, len(manifest.TestedTasks(m)), exhausted.Ordinal)
	}

	sum := report.Summary()
	if len(adapters) > 0 && ctx.Err() == nil && (runErr == nil || exhausted != nil) {
		in := bench.Input{Session: sess, Manifest: m, Project: report.Project, ProjectDir: projectDir}
		for _, out := range bench.RunAll(ctx, adapters, in, cfg.BenchParallel) {
			sum.Benchmarks = append(sum.Benchmarks, out.BenchSummary())
		}
	}
	if err := sess.SaveSummary(sum); err != nil {
		log.Warning("could not save session summary", zap.Error(err))
	}
	return runErr
}

// manifestPath resolves the manifest file against the project directory.
func manifestPath(projectDir, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(projectDir, file)
}

// checkRuntimeFolder rejects a runtime folder inside the project: every
// snapshot of the project would otherwise carry the session along.
func checkRuntimeFolder(projectDir, runtimeFolder string) error {
	abs, err := filepath.Abs(runtimeFolder)
	if err != nil {
		return fmt.Errorf("resolve runtime folder: %w", err)
	}
	rel, err := filepath.Rel(projectDir, abs)
	if err != nil {
		return nil
	}
	if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return fmt.Errorf("runtime folder %s is inside the project %s; use --runtime-folder to move it out", abs, projectDir)
	}
	return nil
}

// openSession reopens runtimeFolder/name when resuming and it exists;
// otherwise it creates a new session.
func openSession(runtimeFolder, name string, resume bool) (*session.Session, error) {
	if resume && name != "" {
		dir := filepath.Join(runtimeFolder, name)
		if _, err := os.Stat(dir); err == nil {
			log.Info("resuming session", zap.String("dir", dir))
			return session.Open(dir)
		}
	}
	sess, err := session.New(runtimeFolder, name, time.Now())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func newGateway(cfg *config.RolloutConfig) (agent.Gateway, error) {
	switch cfg.AgentKind {
	case config.AgentKindOpenHands:
		return agent.NewOpenHandsGateway(cfg.OpenHandsConfig, cfg.PromptDir)
	default:
		return agent.NewCommandGateway(cfg.AgentCommand, cfg.PromptDir), nil
	}
}

// benchAdapters builds the adapters selected by --swe, --swt and --commit0.
// The issue proposer is only created when an issue adapter is selected.
func benchAdapters(cfg *config.RolloutConfig, gw agent.Gateway) ([]bench.Adapter, error) {
	var adapters []bench.Adapter
	var proposer bench.IssueProposer
	if runFlags.swe || runFlags.swt {
		p, err := bench.NewLLMProposer(cfg.LLMModel, cfg.LLMBaseURL)
		if err != nil {
			return nil, fmt.Errorf("issue proposer: %w", err)
		}
		proposer = p
	}
	wm := workspace.NewManager()
	if runFlags.swe {
		adapters = append(adapters, &bench.IssueResolution{
			Gateway: gw, Runner: build.NewScriptRunner(cfg.TestShell), Proposer: proposer, Workspaces: wm,
		})
	}
	if runFlags.swt {
		adapters = append(adapters, &bench.IssueReproduction{
			Gateway: gw, Runner: build.NewPytestRunner(cfg.Python), Proposer: proposer, Workspaces: wm,
		})
	}
	if runFlags.commit0 {
		adapters = append(adapters, &bench.FromScratch{
			Gateway: gw, Runner: build.NewScriptRunner(cfg.TestShell), Workspaces: wm,
			Iterations: cfg.Commit0Iterations, SourceDir: cfg.SrcDir,
		})
	}
	return adapters, nil
}
