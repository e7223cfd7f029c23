// Package tutorial turns markdown tutorial files into executable steps:
// sections become steps, fenced code blocks become ordered command lists.
package tutorial

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/beamtutor/beamtutor/internal/pipeline/model"
)

// DefaultDemoPath mirrors the demo checkout layout the tutorials assume.
const DefaultDemoPath = "bits_base/BITS/src/bits_demo"

// executableLanguages are the fence info strings whose blocks always execute.
var executableLanguages = map[string]bool{
	"bash": true, "sh": true, "shell": true,
	"python": true, "py": true,
	"console": true, "terminal": true,
}

// commandPatterns recognize executable content inside untagged blocks.
var commandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`conda\s+(create|activate)\s+`),
	regexp.MustCompile(`pip\s+install\s+`),
	regexp.MustCompile(`git\s+\w+`),
	regexp.MustCompile(`\./start_demo_iocs\.sh`),
	regexp.MustCompile(`python\s+.*\.py`),
	regexp.MustCompile(`(import|from)\s+\w+`),
	regexp.MustCompile(`RE\s*\(`),
	regexp.MustCompile(`(caget|caput|validate_|test_)`),
}

var (
	outcomeRE   = regexp.MustCompile(`(?i)(✅|success|completed|ready|running|❌|error|failed|timeout|not found|output:|result:|returns:|shows:)`)
	validations = []string{"should see", "should show", "verify", "check", "validate", "confirm", "ensure", "expect"}
	prereqs     = []string{"before", "first", "prerequisite", "require", "need", "must have"}
)

// Options configures a Parser.
type Options struct {
	DemoPath string // demo checkout location, relative paths resolve from WorkDir
	WorkDir  string // defaults to the process working directory
	Logger   *log.Logger
}

// Parser extracts executable steps from tutorial markdown.
type Parser struct {
	logger   *log.Logger
	mappings []pathMapping
}

type pathMapping struct{ from, to string }

// NewParser builds a Parser. The path mappings rewrite tutorial placeholder
// paths to the actual checkout layout once, at parse time.
func NewParser(opts Options) *Parser {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if opts.DemoPath == "" {
		opts.DemoPath = DefaultDemoPath
	}
	if opts.WorkDir == "" {
		opts.WorkDir, _ = os.Getwd()
	}
	demo := opts.DemoPath
	if !filepath.IsAbs(demo) {
		demo = filepath.Join(opts.WorkDir, demo)
	}
	return &Parser{
		logger: opts.Logger,
		// Order matters: longer, more specific templates first.
		mappings: []pathMapping{
			{"cd bits_demo/", "cd " + demo + "/"},
			{"/path/to/bits_demo", demo},
			{"bits_demo/", demo + "/"},
			{"ghcr.io/bcda-aps/epics-podman:latest", "epics-podman:latest"},
			{"localhost/epics-podman:latest", "epics-podman:latest"},
		},
	}
}

// ParseFile reads one markdown file and extracts its executable steps. Step
// numbers start at baseStep+1.
func (p *Parser) ParseFile(path string, baseStep int) ([]model.Step, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tutorial %s: %w", path, err)
	}
	steps := p.Parse(string(content), baseStep)
	p.logger.Printf("tutorial_parsed file=%s steps=%d", filepath.Base(path), len(steps))
	return steps, nil
}

// Parse extracts steps from markdown content. Sections are delimited by
// ##/### headings; a section without executable code blocks yields no step.
func (p *Parser) Parse(content string, baseStep int) []model.Step {
	sections := extractSections(content)
	blocks := extractCodeBlocks(content)

	var steps []model.Step
	for _, sec := range sections {
		var commands []string
		for _, b := range blocks {
			if b.line < sec.startLine || b.line > sec.endLine || !b.executable {
				continue
			}
			commands = append(commands, p.commandsFromBlock(b)...)
		}
		if len(commands) == 0 {
			continue
		}
		steps = append(steps, model.Step{
			Number:             baseStep + len(steps) + 1,
			Title:              sec.title,
			Commands:           commands,
			ExpectedOutcomes:   matchLines(sec.content, func(l string) bool { return outcomeRE.MatchString(l) }),
			ValidationCriteria: matchLines(sec.content, containsAnyFold(validations)),
			Prerequisites:      matchLines(sec.content, containsAnyFold(prereqs)),
			Timeout:            stepTimeout(commands),
		})
	}
	return steps
}

type section struct {
	title              string
	content            string
	startLine, endLine int
}

func extractSections(content string) []section {
	lines := strings.Split(content, "\n")
	var sections []section
	cur := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "##") {
			if cur >= 0 {
				sections[cur].endLine = i - 1
			}
			sections = append(sections, section{
				title:     strings.TrimSpace(strings.TrimLeft(line, "#")),
				startLine: i,
				endLine:   len(lines) - 1,
			})
			cur = len(sections) - 1
		} else if cur >= 0 {
			sections[cur].content += line + "\n"
		}
	}
	return sections
}

type codeBlock struct {
	language   string
	content    string
	line       int
	executable bool
}

func extractCodeBlocks(content string) []codeBlock {
	lines := strings.Split(content, "\n")
	var blocks []codeBlock
	var cur *codeBlock
	var buf []string
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			if cur != nil {
				cur.content = strings.Join(buf, "\n")
				cur.executable = isExecutableBlock(*cur)
				blocks = append(blocks, *cur)
				cur, buf = nil, nil
				continue
			}
			lang := strings.ToLower(strings.TrimSpace(line[3:]))
			if lang == "" {
				lang = "text"
			}
			cur = &codeBlock{language: lang, line: i}
			continue
		}
		if cur != nil {
			buf = append(buf, line)
		}
	}
	return blocks
}

func isExecutableBlock(b codeBlock) bool {
	if executableLanguages[b.language] {
		return true
	}
	for _, re := range commandPatterns {
		if re.MatchString(b.content) {
			return true
		}
	}
	return false
}

// commandsFromBlock splits a shell block into one command per logical line
// (joining backslash continuations, skipping comments, stripping `$ `
// prompts) and treats a Python block as a single command.
func (p *Parser) commandsFromBlock(b codeBlock) []string {
	switch b.language {
	case "python", "py":
		if code := strings.TrimSpace(b.content); code != "" {
			return []string{p.resolvePaths(code)}
		}
		return nil
	default:
		var commands []string
		var cont []string
		for _, raw := range strings.Split(strings.TrimSpace(b.content), "\n") {
			line := strings.TrimSpace(raw)
			line = strings.TrimPrefix(line, "$ ")
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if strings.HasSuffix(line, "\\") {
				cont = append(cont, strings.TrimSpace(strings.TrimSuffix(line, "\\")))
				continue
			}
			cont = append(cont, line)
			commands = append(commands, p.resolvePaths(strings.Join(cont, " ")))
			cont = nil
		}
		return commands
	}
}

func (p *Parser) resolvePaths(command string) string {
	for _, m := range p.mappings {
		command = strings.ReplaceAll(command, m.from, m.to)
	}
	return command
}

func matchLines(content string, match func(string) bool) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && match(line) {
			out = append(out, line)
		}
	}
	return out
}

func containsAnyFold(keywords []string) func(string) bool {
	return func(line string) bool {
		l := strings.ToLower(line)
		for _, kw := range keywords {
			if strings.Contains(l, kw) {
				return true
			}
		}
		return false
	}
}

// stepTimeout grows the per-step budget for slow command classes: container
// operations 5m, package installs 3m, clones 2m, everything else 1m.
func stepTimeout(commands []string) time.Duration {
	timeout := 60 * time.Second
	raise := func(d time.Duration) {
		if d > timeout {
			timeout = d
		}
	}
	for _, c := range commands {
		l := strings.ToLower(c)
		switch {
		case strings.Contains(l, "start_demo_iocs") || strings.Contains(l, "podman") ||
			strings.Contains(l, "docker") || strings.Contains(l, "container"):
			raise(300 * time.Second)
		case strings.Contains(l, "conda create") || strings.Contains(l, "pip install") ||
			strings.Contains(l, "apt install"):
			raise(180 * time.Second)
		case strings.Contains(l, "git clone"):
			raise(120 * time.Second)
		}
	}
	return timeout
}
