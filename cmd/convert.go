package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/agent"
	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/trace"
)

var convertCmd = &cobra.Command{
	Use:   "convert <log-dir> <out.json>",
	Short: "Convert an agent completion log into a record",
	Long: "Read the latest default-<n>.json in log-dir (or log-dir/" + agent.CompletionsDirName + ") " +
		"and write it as a filtered message record.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return convertLog(args[0], args[1])
	},
}

// convertLog loads the completion trace from dir and saves it as a record at
// out. A dir containing log_completions/ is accepted as well.
func convertLog(dir, out string) error {
	t, err := agent.LoadCompletionTrace(completionsDir(dir))
	if err != nil {
		return fmt.Errorf("load completion log: %w", err)
	}
	rec, err := trace.Save(out, t)
	if err != nil {
		return err
	}
	log.Success("record written", zap.String("path", out), zap.Int("messages", len(rec.Messages)))
	return nil
}

// completionsDir returns dir/log_completions when it exists, dir otherwise.
func completionsDir(dir string) string {
	sub := filepath.Join(dir, agent.CompletionsDirName)
	if info, err := os.Stat(sub); err == nil && info.IsDir() {
		return sub
	}
	return dir
}
