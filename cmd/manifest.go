package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/manifest"
)

var manifestFlags struct {
	output string
}

var manifestCmd = &cobra.Command{
	Use:   "manifest <tasks.md>",
	Short: "Convert a markdown task plan into a JSON manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return convertManifest(args[0], manifestFlags.output)
	},
}

func init() {
	manifestCmd.Flags().StringVarP(&manifestFlags.output, "output", "o", "", "output path (default tasks.json next to the input)")
}

// convertManifest parses the markdown plan at in, validates it and writes
// the JSON manifest to out.
func convertManifest(in, out string) error {
	if out == "" {
		out = filepath.Join(filepath.Dir(in), "tasks.json")
	}
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open %s: %w", in, err)
	}
	defer f.Close()

	m, err := manifest.ParseMarkdown(f)
	if err != nil {
		return err
	}
	if err := manifest.Validate(m); err != nil {
		return err
	}
	if err := manifest.Save(out, m); err != nil {
		return err
	}
	phases, modules, tasks := manifest.Counts(m)
	log.Success(fmt.Sprintf("wrote %s: %d phases, %d modules, %d tasks (%d tested)",
		out, phases, modules, tasks, len(manifest.TestedTasks(m))))
	return nil
}
