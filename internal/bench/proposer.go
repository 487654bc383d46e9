package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/robertgumeny/rollout/internal/integrity"
	"github.com/robertgumeny/rollout/internal/templates"
	"github.com/robertgumeny/rollout/internal/types"
)

// Environment variables read by NewLLMProposer.
const (
	EnvAPIKey  = "OPENAI_API_KEY"
	EnvBaseURL = "OPENAI_BASE_URL"
)

// DefaultTemperature is the sampling temperature for defect proposals.
const DefaultTemperature = 0.7

// ErrMissingTags is returned when a proposal lacks <issue> or <description>.
var ErrMissingTags = errors.New("response missing required <issue> or <description> tags")

// Issue is a proposed defect.
type Issue struct {
	// Technical tells the injecting agent what to change.
	Technical string
	// Description is the user-facing bug report handed to the fixing agent.
	Description string
}

// ProposalInput is what a proposer is told about the task.
type ProposalInput struct {
	ProjectDescription string
	Task               types.Task
	Tests              []types.TestSpec
	// Notes is the test proposal written during test generation.
	Notes string
	// TestCode is the task's test source.
	TestCode string
}

// IssueProposer proposes a defect for a finished task.
type IssueProposer interface {
	Propose(ctx context.Context, in ProposalInput) (Issue, error)
}

// ContentGenerator is the part of a langchaingo model the proposer uses.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// LLMProposer asks a chat model for a defect.
type LLMProposer struct {
	LLM         ContentGenerator
	Temperature float64
}

// NewLLMProposer connects to an OpenAI-compatible endpoint. The API key comes
// from $OPENAI_API_KEY; baseURL falls back to $OPENAI_BASE_URL.
func NewLLMProposer(model, baseURL string) (*LLMProposer, error) {
	token := os.Getenv(EnvAPIKey)
	if token == "" {
		return nil, fmt.Errorf("LLM API key is required: set %s", EnvAPIKey)
	}
	if baseURL == "" {
		baseURL = os.Getenv(EnvBaseURL)
	}
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(token),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	return &LLMProposer{LLM: llm, Temperature: DefaultTemperature}, nil
}

// Propose renders the proposer prompts and parses the model's answer.
func (p *LLMProposer) Propose(ctx context.Context, in ProposalInput) (Issue, error) {
	system, err := templates.Named(templates.ProposeIssueSystem)
	if err != nil {
		return Issue{}, err
	}
	userTmpl, err := templates.Named(templates.ProposeIssueUser)
	if err != nil {
		return Issue{}, err
	}
	user, err := templates.Render(templates.ProposeIssueUser, userTmpl, in)
	if err != nil {
		return Issue{}, err
	}

	resp, err := p.LLM.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}, llms.WithTemperature(p.Temperature))
	if err != nil {
		return Issue{}, fmt.Errorf("propose issue: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Issue{}, errors.New("propose issue: no response choices")
	}
	return ParseIssue(resp.Choices[0].Content)
}

var (
	issueTag       = regexp.MustCompile(`(?s)<issue>(.*?)</issue>`)
	descriptionTag = regexp.MustCompile(`(?s)<description>(.*?)</description>`)
)

// ParseIssue extracts the first <issue> and <description> sections.
func ParseIssue(response string) (Issue, error) {
	issue := issueTag.FindStringSubmatch(response)
	desc := descriptionTag.FindStringSubmatch(response)
	if issue == nil || desc == nil {
		return Issue{}, ErrMissingTags
	}
	return Issue{
		Technical:   strings.TrimSpace(issue[1]),
		Description: strings.TrimSpace(desc[1]),
	}, nil
}

// proposalInput gathers the task's tests from a finished workspace. The
// python test is preferred over the shell script as test code.
func proposalInput(m *types.Manifest, task types.Task, ws types.Workspace) (ProposalInput, error) {
	in := ProposalInput{
		ProjectDescription: m.ProjectDescription,
		Task:               task,
		Tests:              task.Tests(),
	}
	o := task.TaskNumber
	if data, err := os.ReadFile(filepath.Join(ws.Root, integrity.NotesPath(o))); err == nil {
		in.Notes = string(data)
	}
	for _, rel := range []string{integrity.PythonTestPath(o), integrity.ScriptPath(o)} {
		if data, err := os.ReadFile(filepath.Join(ws.Root, rel)); err == nil {
			in.TestCode = string(data)
			return in, nil
		}
	}
	return in, fmt.Errorf("task %s: no test code found in %s", o, ws.Root)
}
