// Package trace converts raw agent execution traces into the message-log
// records stored under converted_data/.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/robertgumeny/rollout/internal/types"
)

// Record is the persisted form of one gateway invocation:
//
//	{"messages": [{"role": "...", "content": "..."}, ...]}
type Record struct {
	Messages []types.Message `json:"messages"`
}

// Convert mirrors the trace order, drops entries marked Failed and collapses
// immediately repeated identical (role, content) entries. Converting a trace
// lifted from a record is a no-op, so Convert is idempotent.
func Convert(t types.ExecutionTrace) Record {
	rec := Record{Messages: []types.Message{}}
	for _, e := range t.Entries {
		if e.Failed {
			continue
		}
		m := types.Message{Role: e.Role, Content: e.Content}
		if n := len(rec.Messages); n > 0 && rec.Messages[n-1] == m {
			continue
		}
		rec.Messages = append(rec.Messages, m)
	}
	return rec
}

// FromRecord lifts a record back into a trace with no failed entries.
func FromRecord(r Record) types.ExecutionTrace {
	t := types.ExecutionTrace{Entries: make([]types.TraceEntry, 0, len(r.Messages))}
	for _, m := range r.Messages {
		t.Entries = append(t.Entries, types.TraceEntry{Role: m.Role, Content: m.Content})
	}
	return t
}

// WriteRecord atomically writes r to path as JSON indented by four spaces.
func WriteRecord(path string, r Record) error {
	if r.Messages == nil {
		r.Messages = []types.Message{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return atomicWrite(path, buf.Bytes())
}

// ReadRecord reads a record written by WriteRecord.
func ReadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("parse record %s: %w", path, err)
	}
	return r, nil
}

// Save converts t and writes the record to path.
func Save(path string, t types.ExecutionTrace) (Record, error) {
	r := Convert(t)
	return r, WriteRecord(path, r)
}

// atomicWrite writes data to path by first writing to path+".tmp",
// then calling os.Rename to replace the final target atomically.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
