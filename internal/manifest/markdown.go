package manifest

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/robertgumeny/rollout/internal/types"
)

var (
	topHeaderRe    = regexp.MustCompile(`^# (.+)$`)
	phaseHeaderRe  = regexp.MustCompile(`^## Phase (\d+): (.+)$`)
	moduleHeaderRe = regexp.MustCompile(`^### Module (\d+\.\d+): (.+)$`)
	taskHeaderRe   = regexp.MustCompile(`^#### Task (\d+\.\d+\.\d+): (.+)$`)
	goalRe         = regexp.MustCompile(`\*\*Goal:\*\* (.+)`)
	fieldRe        = regexp.MustCompile(`^(\s*)- \*\*([^:*]+):\*\*\s*(.*)$`)
	difficultyRe   = regexp.MustCompile(`^(\d+)/5`)
	spaceRe        = regexp.MustCompile(`\s+`)
)

// Top-level markdown sections.
const (
	sectionDescription   = "Project Description"
	sectionInstruction   = "Task Instruction"
	sectionDocumentation = "Detailed Documentation"
)

// ParseMarkdown converts a tasks.md planning document into a manifest.
//
// Expected shape:
//
//	# Project Description / # Task Instruction / # Detailed Documentation
//	## Phase N: title         (with an optional **Goal:** line)
//	### Module N.M: title
//	#### Task N.M.K: title
//	- **Description:** ...
//	- **Dependencies:** 1.1.1, 1.1.2 | None
//	- **Difficulty:** d/5
//	- **Unit Tests:**
//	  - **Code Tests:**
//	    - **Name:** description
//	  - **Visual Tests:**
//	    - **Name:** description
//
// Text blocks are whitespace-normalised. Unknown headings are ignored.
func ParseMarkdown(r io.Reader) (*types.Manifest, error) {
	p := &mdParser{m: &types.Manifest{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		p.line(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}
	p.flushText()
	p.closeTask()
	return p.m, nil
}

type mdParser struct {
	m       *types.Manifest
	section string
	text    []string

	phase  *types.Phase
	module *types.Module
	task   *types.Task

	field     string // current top-level task field
	testKind  types.TestKind
	testItem  *types.TestCase
	fieldText []string
}

func (p *mdParser) line(l string) {
	if m := topHeaderRe.FindStringSubmatch(l); m != nil {
		p.flushText()
		p.closeTask()
		p.section = strings.TrimSpace(m[1])
		return
	}
	switch p.section {
	case sectionDescription, sectionInstruction:
		p.text = append(p.text, l)
	case sectionDocumentation:
		p.docLine(l)
	}
}

func (p *mdParser) flushText() {
	text := clean(strings.Join(p.text, " "))
	switch p.section {
	case sectionDescription:
		p.m.ProjectDescription = text
	case sectionInstruction:
		p.m.ProjectInstruction = text
	}
	p.text = nil
}

func (p *mdParser) docLine(l string) {
	if m := phaseHeaderRe.FindStringSubmatch(l); m != nil {
		p.closeTask()
		n, _ := strconv.Atoi(m[1])
		p.m.Phases = append(p.m.Phases, types.Phase{PhaseNumber: n, Title: strings.TrimSpace(m[2])})
		p.phase = &p.m.Phases[len(p.m.Phases)-1]
		p.module = nil
		return
	}
	if p.phase == nil {
		return
	}
	if m := moduleHeaderRe.FindStringSubmatch(l); m != nil {
		p.closeTask()
		p.phase.Modules = append(p.phase.Modules, types.Module{ModuleNumber: m[1], Title: strings.TrimSpace(m[2])})
		p.module = &p.phase.Modules[len(p.phase.Modules)-1]
		return
	}
	if p.module == nil {
		if p.phase.Goal == "" {
			if m := goalRe.FindStringSubmatch(l); m != nil {
				p.phase.Goal = strings.TrimSpace(m[1])
			}
		}
		return
	}
	if m := taskHeaderRe.FindStringSubmatch(l); m != nil {
		p.closeTask()
		p.task = &types.Task{
			TaskNumber: types.Ordinal(m[1]),
			Title:      strings.TrimSpace(m[2]),
			UnitTests:  types.UnitTests{CodeTests: []types.TestCase{}, VisualTests: []types.TestCase{}},
		}
		return
	}
	if p.task != nil {
		p.taskLine(l)
	}
}

func (p *mdParser) taskLine(l string) {
	m := fieldRe.FindStringSubmatch(l)
	if m == nil {
		if strings.TrimSpace(l) != "" {
			p.fieldText = append(p.fieldText, l)
		}
		return
	}
	indent, key, value := len(m[1]), strings.TrimSpace(m[2]), m[3]

	if indent == 0 {
		p.closeField()
		p.field = key
		p.fieldText = []string{value}
		return
	}
	if p.field != "Unit Tests" {
		p.fieldText = append(p.fieldText, l)
		return
	}
	switch key {
	case "Code Tests":
		p.closeTestItem()
		p.testKind = types.TestKindCode
	case "Visual Tests":
		p.closeTestItem()
		p.testKind = types.TestKindVisual
	default:
		p.closeTestItem()
		p.testItem = &types.TestCase{Name: key}
		p.fieldText = []string{value}
	}
}

func (p *mdParser) closeTestItem() {
	if p.testItem == nil {
		p.fieldText = nil
		return
	}
	p.testItem.Description = clean(strings.Join(p.fieldText, " "))
	switch p.testKind {
	case types.TestKindVisual:
		p.task.UnitTests.VisualTests = append(p.task.UnitTests.VisualTests, *p.testItem)
	default:
		p.task.UnitTests.CodeTests = append(p.task.UnitTests.CodeTests, *p.testItem)
	}
	p.testItem = nil
	p.fieldText = nil
}

func (p *mdParser) closeField() {
	if p.task == nil {
		return
	}
	text := clean(strings.Join(p.fieldText, " "))
	switch p.field {
	case "Description":
		p.task.Description = text
	case "Dependencies":
		p.task.Dependencies = splitDependencies(text)
	case "Difficulty":
		if m := difficultyRe.FindStringSubmatch(text); m != nil {
			d, _ := strconv.Atoi(m[1])
			p.task.Difficulty = &d
		}
	case "Unit Tests":
		p.closeTestItem()
	}
	p.field = ""
	p.fieldText = nil
	p.testKind = ""
}

func (p *mdParser) closeTask() {
	if p.task == nil {
		return
	}
	p.closeField()
	if p.module != nil {
		p.module.Tasks = append(p.module.Tasks, *p.task)
	}
	p.task = nil
}

func splitDependencies(s string) []string {
	var deps []string
	for _, d := range strings.Split(s, ",") {
		d = strings.TrimSpace(d)
		if d == "" || strings.EqualFold(d, "none") {
			continue
		}
		deps = append(deps, d)
	}
	return deps
}

func clean(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
