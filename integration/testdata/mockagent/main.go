// mockagent is a minimal stub agent for integration testing.
//
// It runs in the workspace it is handed, reads the goal and task from the
// ROLLOUT_* environment, makes the edit a cooperative agent would make and
// writes a one-exchange completion log to $ROLLOUT_LOG_DIR/log_completions.
// With MOCKAGENT_LAZY=1 it never implements anything, so every validation
// fails.
//
// It is compiled by integration/smoke_test.go TestMain and invoked by the real
// rollout binary as its agent command.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mockagent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	goal := os.Getenv("ROLLOUT_GOAL")
	task := os.Getenv("ROLLOUT_TASK")
	logDir := os.Getenv("ROLLOUT_LOG_DIR")
	if goal == "" || task == "" || logDir == "" {
		return fmt.Errorf("ROLLOUT_GOAL, ROLLOUT_TASK and ROLLOUT_LOG_DIR must be set")
	}
	stem := strings.ReplaceAll(task, ".", "_")

	switch goal {
	case "GENERATE_TESTS":
		script := fmt.Sprintf("test -f src/%s.txt\n", stem)
		if err := write(filepath.Join("tests", task+".sh"), script); err != nil {
			return err
		}
	case "IMPLEMENT":
		if os.Getenv("MOCKAGENT_LAZY") != "1" {
			if err := write(filepath.Join("src", stem+".txt"), "implemented\n"); err != nil {
				return err
			}
		}
	}

	prompt, err := os.ReadFile(os.Getenv("ROLLOUT_PROMPT_FILE"))
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}
	completion := map[string]any{
		"messages": []map[string]string{
			{"role": "system", "content": "You are a mock agent."},
			{"role": "user", "content": string(prompt)},
		},
		"response": map[string]any{
			"choices": []map[string]any{{
				"message": map[string]string{"role": "assistant", "content": goal + " done for " + task},
			}},
		},
	}
	data, err := json.Marshal(completion)
	if err != nil {
		return err
	}
	return write(filepath.Join(logDir, "log_completions", "default-1.json"), string(data))
}

func write(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
