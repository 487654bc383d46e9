package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/robertgumeny/rollout/internal/types"
)

// ErrNoCompletions is returned when a completions folder holds no
// default-<n>.json file.
var ErrNoCompletions = errors.New("no completion log found")

var completionFileRe = regexp.MustCompile(`^default-(\d+(?:\.\d+)?)\.json$`)

// errorPrefix marks tool output that reports a failed action.
const errorPrefix = "ERROR:"

// LatestCompletion returns the default-<n>.json file in dir with the greatest
// numeric suffix. The last completion carries the full conversation.
func LatestCompletion(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", dir, ErrNoCompletions)
		}
		return "", fmt.Errorf("read completions dir: %w", err)
	}
	best, bestN := "", -1.0
	for _, e := range entries {
		m := completionFileRe.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if n > bestN {
			best, bestN = e.Name(), n
		}
	}
	if best == "" {
		return "", fmt.Errorf("%s: %w", dir, ErrNoCompletions)
	}
	return filepath.Join(dir, best), nil
}

// LoadCompletionTrace reads the latest completion log in dir.
//
// The log holds the request messages plus the final response:
//
//	{"messages": [{"role": ..., "content": "..." | [{"text": ...}]}, ...],
//	 "response": {"choices": [{"message": {"role": ..., "content": ...}}]}}
//
// Tool messages flagged with "is_error": true or whose content starts with
// "ERROR:" are marked Failed. Assistant turns without text carry their tool
// calls as content.
func LoadCompletionTrace(dir string) (types.ExecutionTrace, error) {
	path, err := LatestCompletion(dir)
	if err != nil {
		return types.ExecutionTrace{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ExecutionTrace{}, fmt.Errorf("read completion log: %w", err)
	}
	return ParseCompletion(data)
}

// ParseCompletion converts one completion log document into a trace.
func ParseCompletion(data []byte) (types.ExecutionTrace, error) {
	if !gjson.ValidBytes(data) {
		return types.ExecutionTrace{}, errors.New("completion log is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	messages := doc.Get("messages")
	if !messages.IsArray() {
		return types.ExecutionTrace{}, errors.New("completion log has no messages array")
	}

	var trace types.ExecutionTrace
	messages.ForEach(func(_, msg gjson.Result) bool {
		trace.Entries = append(trace.Entries, entryFrom(msg))
		return true
	})
	if resp := doc.Get("response.choices.0.message"); resp.Exists() {
		trace.Entries = append(trace.Entries, entryFrom(resp))
	}
	return trace, nil
}

func entryFrom(msg gjson.Result) types.TraceEntry {
	content := contentText(msg.Get("content"))
	if content == "" {
		if calls := msg.Get("tool_calls"); calls.IsArray() && len(calls.Array()) > 0 {
			content = calls.Raw
		}
	}
	failed := msg.Get("is_error").Bool()
	if msg.Get("role").String() == "tool" && strings.HasPrefix(strings.TrimSpace(content), errorPrefix) {
		failed = true
	}
	return types.TraceEntry{Role: msg.Get("role").String(), Content: content, Failed: failed}
}

// contentText flattens a message content that is either a string or a list
// of parts with a "text" field.
func contentText(c gjson.Result) string {
	if !c.IsArray() {
		return c.String()
	}
	var parts []string
	c.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			parts = append(parts, t.String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}
