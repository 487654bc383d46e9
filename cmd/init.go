package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/config"
	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/templates"
)

var initFlags struct {
	force bool
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a default rollout configuration",
	Long: "Write rollout.yaml and editable copies of the agent prompts " +
		"(" + config.DefaultPromptDir + ") into dir, the working directory by default.",
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initFlags.force, "force", false, "Overwrite existing files")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return initProject(dir, initFlags.force)
}

// initProject is the testable core of the init command. It copies the
// embedded init/ files to dir and the embedded prompts to the prompt
// override directory. Existing files are kept unless force is set.
func initProject(dir string, force bool) error {
	if err := copyEmbedded(templates.Init, "init", dir, force); err != nil {
		return err
	}
	if err := copyEmbedded(templates.Prompts, "prompts", filepath.Join(dir, config.DefaultPromptDir), force); err != nil {
		return err
	}
	log.Info("configuration written; edit rollout.yaml, then run: rollout run <project-path>")
	return nil
}

// copyEmbedded walks root inside fsys and writes every file below dst,
// keeping the relative layout.
func copyEmbedded(fsys fs.FS, root, dst string, force bool) error {
	return fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel := strings.TrimPrefix(path, root+"/")
		target := filepath.Join(dst, filepath.FromSlash(rel))

		if !force {
			if _, statErr := os.Stat(target); statErr == nil {
				log.Warning("file already exists, skipping (use --force to overwrite)", zap.String("path", target))
				return nil
			}
		}

		if mkErr := os.MkdirAll(filepath.Dir(target), 0o755); mkErr != nil {
			return fmt.Errorf("create directory for %s: %w", target, mkErr)
		}
		data, readErr := fs.ReadFile(fsys, path)
		if readErr != nil {
			return fmt.Errorf("read template %s: %w", path, readErr)
		}
		if writeErr := os.WriteFile(target, data, 0o644); writeErr != nil {
			return fmt.Errorf("write %s: %w", target, writeErr)
		}

		log.Success("created", zap.String("path", target))
		return nil
	})
}
