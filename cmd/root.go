package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/orchestrator"
)

var version = "v0.1.0"

// ExitAborted is the exit status of a run that exhausted a task's attempts.
const ExitAborted = 2

var rootCmd = &cobra.Command{
	Use:           "rollout",
	Short:         "rollout drives a coding agent through a task manifest",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() {
	err := rootCmd.Execute()
	log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var exhausted *orchestrator.RetryBudgetExhausted
	if errors.As(err, &exhausted) {
		return ExitAborted
	}
	return 1
}

func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(manifestCmd)
}
