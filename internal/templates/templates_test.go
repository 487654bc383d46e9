package templates_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertgumeny/rollout/internal/templates"
	"github.com/robertgumeny/rollout/internal/types"
)

func TestPrompt_EveryGoalHasTemplate(t *testing.T) {
	for _, goal := range types.AllGoals() {
		text, err := templates.Prompt(goal)
		require.NoError(t, err, goal)
		assert.Contains(t, text, "# Goal: "+string(goal))
	}
}

func TestPrompt_UnknownGoal(t *testing.T) {
	_, err := templates.Prompt("DANCE")
	assert.Error(t, err)
}

func TestPromptFile(t *testing.T) {
	assert.Equal(t, "implement_from_scratch.md", templates.PromptFile(types.GoalImplementFromScratch))
}

func TestInitFS_ContainsConfig(t *testing.T) {
	f, err := templates.Init.Open("init/rollout.yaml")
	require.NoError(t, err)
	f.Close()
}

func TestRender(t *testing.T) {
	out, err := templates.Render("t", `{{.Name}}: {{join .Ordinals ", "}}`, map[string]any{
		"Name":     "calc",
		"Ordinals": []types.Ordinal{"1.1.1", "1.1.2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "calc: 1.1.1, 1.1.2", out)
}

func TestRender_MissingKeyFails(t *testing.T) {
	_, err := templates.Render("t", "{{.Nope}}", map[string]any{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "render template t"))
}

func TestNamed_ProposerPrompts(t *testing.T) {
	sys, err := templates.Named(templates.ProposeIssueSystem)
	require.NoError(t, err)
	assert.Contains(t, sys, "<issue>")
	assert.Contains(t, sys, "<description>")

	_, err = templates.Named("missing")
	assert.Error(t, err)
}
