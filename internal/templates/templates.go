// Package templates holds the embedded template files used by rollout.
// All templates are compiled into the binary at build time via //go:embed.
//
// Two subdirectories serve different purposes:
//
//   - prompts/ holds one prompt template per agent goal, rendered with
//     text/template for every gateway invocation, plus the issue proposer's
//     system and user prompts.
//   - init/ holds files stamped into a project by `rollout init`.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"text/template"

	"github.com/robertgumeny/rollout/internal/types"
)

// Prompts holds the per-goal prompt templates.
//
//go:embed prompts
var Prompts embed.FS

// Init holds files copied to the target project by `rollout init`.
//
//go:embed init
var Init embed.FS

// PromptFile returns the template file name for goal, e.g. "generate_tests.md".
func PromptFile(goal types.Goal) string {
	return strings.ToLower(string(goal)) + ".md"
}

// Prompt returns the embedded template text for goal.
func Prompt(goal types.Goal) (string, error) {
	if !goal.Valid() {
		return "", fmt.Errorf("unknown goal %q", goal)
	}
	data, err := fs.ReadFile(Prompts, "prompts/"+PromptFile(goal))
	if err != nil {
		return "", fmt.Errorf("read prompt template for %s: %w", goal, err)
	}
	return string(data), nil
}

// Issue proposer prompt names, without extension.
const (
	ProposeIssueSystem = "propose_issue_system"
	ProposeIssueUser   = "propose_issue_user"
)

// Named returns the embedded prompt prompts/<name>.md.
func Named(name string) (string, error) {
	data, err := fs.ReadFile(Prompts, "prompts/"+name+".md")
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", name, err)
	}
	return string(data), nil
}

var funcs = template.FuncMap{
	"join": func(items any, sep string) string {
		var parts []string
		switch v := items.(type) {
		case []string:
			parts = v
		case []types.Ordinal:
			for _, o := range v {
				parts = append(parts, o.String())
			}
		default:
			return fmt.Sprint(items)
		}
		return strings.Join(parts, sep)
	},
}

// Render executes text as a template against data. Missing keys are errors.
func Render(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return b.String(), nil
}
