package tutorial

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleTutorial = `# IOC Exploration

Intro prose, no heading level two yet.

` + "```bash" + `
# this block belongs to no section and is ignored
echo orphan
` + "```" + `

## Start the demo IOCs

Before you begin, you need a working podman install.

` + "```bash" + `
$ cd /path/to/bits_demo
./start_demo_iocs.sh \
  --all
` + "```" + `

You should see both IOCs running. ✅ Ready.

## Explore devices

` + "```python" + `
from ophyd import EpicsSignal
sig = EpicsSignal("adsim:cam1:Acquire_RBV")
print(sig.get())
` + "```" + `

Verify the signal reads back 0.

## Background reading

No code here, so no step is produced.

` + "```" + `
just some text output
` + "```" + `
`

func newTestParser() *Parser {
	return NewParser(Options{
		DemoPath: "/work/bits_demo",
		WorkDir:  "/work",
		Logger:   log.New(io.Discard, "", 0),
	})
}

func TestParse_SectionsBecomeSteps(t *testing.T) {
	steps := newTestParser().Parse(sampleTutorial, 10)

	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2: %+v", len(steps), steps)
	}
	if steps[0].Number != 11 || steps[1].Number != 12 {
		t.Fatalf("step numbering must continue from the base: %d, %d", steps[0].Number, steps[1].Number)
	}
	if steps[0].Title != "Start the demo IOCs" || steps[1].Title != "Explore devices" {
		t.Fatalf("titles: %q, %q", steps[0].Title, steps[1].Title)
	}
}

func TestParse_ShellBlockSplitting(t *testing.T) {
	steps := newTestParser().Parse(sampleTutorial, 0)
	cmds := steps[0].Commands
	if len(cmds) != 2 {
		t.Fatalf("got %d commands, want 2: %v", len(cmds), cmds)
	}
	// Prompt stripped, placeholder path resolved.
	if cmds[0] != "cd /work/bits_demo" {
		t.Fatalf("first command: %q", cmds[0])
	}
	// Backslash continuation joined into one command.
	if cmds[1] != "./start_demo_iocs.sh --all" {
		t.Fatalf("continuation not joined: %q", cmds[1])
	}
}

func TestParse_PythonBlockIsOneCommand(t *testing.T) {
	steps := newTestParser().Parse(sampleTutorial, 0)
	cmds := steps[1].Commands
	if len(cmds) != 1 {
		t.Fatalf("python block must stay one command, got %d", len(cmds))
	}
	if !strings.Contains(cmds[0], "from ophyd import EpicsSignal") ||
		!strings.Contains(cmds[0], "print(sig.get())") {
		t.Fatalf("python snippet mangled: %q", cmds[0])
	}
}

func TestParse_OutcomesValidationPrerequisites(t *testing.T) {
	steps := newTestParser().Parse(sampleTutorial, 0)
	first := steps[0]

	if len(first.Prerequisites) == 0 || !strings.Contains(strings.ToLower(first.Prerequisites[0]), "before you begin") {
		t.Fatalf("prerequisites: %v", first.Prerequisites)
	}
	if len(first.ExpectedOutcomes) == 0 {
		t.Fatalf("expected outcomes not extracted")
	}
	if len(steps[1].ValidationCriteria) == 0 || !strings.Contains(steps[1].ValidationCriteria[0], "Verify") {
		t.Fatalf("validation criteria: %v", steps[1].ValidationCriteria)
	}
}

func TestParse_TimeoutScalesWithCommandClass(t *testing.T) {
	steps := newTestParser().Parse(sampleTutorial, 0)
	if steps[0].Timeout != 300*time.Second {
		t.Fatalf("container step timeout: got %s want 300s", steps[0].Timeout)
	}
	if steps[1].Timeout != 60*time.Second {
		t.Fatalf("plain step timeout: got %s want 60s", steps[1].Timeout)
	}

	p := newTestParser()
	install := p.Parse("## Install\n```bash\npip install apstools\n```\n", 0)
	if install[0].Timeout != 180*time.Second {
		t.Fatalf("install timeout: got %s", install[0].Timeout)
	}
	clone := p.Parse("## Clone\n```bash\ngit clone https://example.org/r.git\n```\n", 0)
	if clone[0].Timeout != 120*time.Second {
		t.Fatalf("clone timeout: got %s", clone[0].Timeout)
	}
}

func TestParse_ImageReferenceRewrites(t *testing.T) {
	p := newTestParser()
	steps := p.Parse("## Pull\n```bash\npodman pull ghcr.io/bcda-aps/epics-podman:latest\n```\n", 0)
	if steps[0].Commands[0] != "podman pull epics-podman:latest" {
		t.Fatalf("image mapping: %q", steps[0].Commands[0])
	}
}

func TestParse_UntaggedBlockWithCommandsIsExecutable(t *testing.T) {
	p := newTestParser()
	steps := p.Parse("## Check\n```\ncaget adsim:cam1:Acquire_RBV\n```\n", 0)
	if len(steps) != 1 || steps[0].Commands[0] != "caget adsim:cam1:Acquire_RBV" {
		t.Fatalf("untagged caget block must execute: %+v", steps)
	}
}

func TestDiscoverAndFingerprint(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("00_intro.md", "## A\n```bash\necho a\n```\n")
	write("tutorials/setup/01_setup.md", "## B\n```bash\necho b\n```\n")
	write("notes.txt", "not a tutorial")

	files, err := Discover(root, nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %v, want the two markdown files", files)
	}

	fp1, err := Fingerprint(files)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if len(fp1) != 64 {
		t.Fatalf("fingerprint must be 32 hex-encoded bytes, got %d chars", len(fp1))
	}

	fp2, _ := Fingerprint([]string{files[1], files[0]})
	if fp1 != fp2 {
		t.Fatalf("fingerprint must be order independent")
	}

	write("00_intro.md", "## A\n```bash\necho changed\n```\n")
	fp3, _ := Fingerprint(files)
	if fp3 == fp1 {
		t.Fatalf("content change must change the fingerprint")
	}
}

func TestDiscover_DedupAcrossPatterns(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := Discover(root, []string{"*.md", "**/*.md"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("duplicate matches must collapse: %v", files)
	}
}
