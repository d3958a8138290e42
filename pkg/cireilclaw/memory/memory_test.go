package memory

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSplitFrontmatter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		src   string
		front string
		body  string
		ok    bool
	}{
		{"normal", "+++\na = 1\n+++\nbody here\n", "a = 1", "body here\n", true},
		{"empty body", "+++\na = 1\n+++\n", "a = 1", "", true},
		{"delim at EOF", "+++\na = 1\n+++", "a = 1", "", true},
		{"no frontmatter", "just text\n", "", "", false},
		{"unterminated", "+++\na = 1\nbody", "", "", false},
		{"delim not first line", "x\n+++\na = 1\n+++\n", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			front, body, ok := splitFrontmatter(tt.src)
			if ok != tt.ok || front != tt.front || body != tt.body {
				t.Errorf("splitFrontmatter(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.src, front, body, ok, tt.front, tt.body, tt.ok)
			}
		})
	}
}

func TestLoadBlocks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := map[string]string{
		"soul.md":    "+++\ndescription = \"Who the agent is\"\n+++\nI am a helper.\n",
		"style.md":   "No frontmatter, raw content.\n",
		"broken.md":  "+++\ndescription = \n+++\nnever loaded\n",
		"notes.txt":  "ignored extension",
		"persona.md": "+++\ndescription = \"Voice\"\n+++\nDry wit.\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	blocks, err := LoadBlocks(dir, quietLogger())
	if err != nil {
		t.Fatalf("LoadBlocks: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3 (broken and .txt skipped)", len(blocks))
	}
	// Sorted by label: persona, soul, style.
	if blocks[0].Label != "persona" || blocks[1].Label != "soul" || blocks[2].Label != "style" {
		t.Errorf("order = %s, %s, %s", blocks[0].Label, blocks[1].Label, blocks[2].Label)
	}
	soul := blocks[1]
	if soul.Description != "Who the agent is" || soul.Content != "I am a helper." {
		t.Errorf("soul = %+v", soul)
	}
	if soul.FilePath != "/blocks/soul.md" {
		t.Errorf("FilePath = %q", soul.FilePath)
	}
	if got := soul.ContentChars(); got != len("I am a helper.") {
		t.Errorf("ContentChars = %d", got)
	}
	if blocks[2].Description != "" || blocks[2].Content == "" {
		t.Errorf("frontmatterless block = %+v", blocks[2])
	}
}

func TestLoadBlocksMissingDir(t *testing.T) {
	t.Parallel()
	blocks, err := LoadBlocks(filepath.Join(t.TempDir(), "absent"), quietLogger())
	if err != nil || blocks != nil {
		t.Errorf("missing dir: blocks=%v err=%v", blocks, err)
	}
}

func TestLoadSkills(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := map[string]string{
		"web-search.md": "+++\nsummary = \"Search the web\"\nwhenToUse = \"Current events\"\n+++\nUse brave-search with focused queries.\n",
		"no-when.md":    "+++\nsummary = \"Incomplete\"\n+++\nbody\n",
		"extra-key.md":  "+++\nsummary = \"s\"\nwhenToUse = \"w\"\nbogus = true\n+++\nbody\n",
		"no-front.md":   "plain body\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	skills, err := LoadSkills(dir, quietLogger())
	if err != nil {
		t.Fatalf("LoadSkills: %v", err)
	}
	if len(skills) != 1 {
		t.Fatalf("skills = %d, want 1 (strict schema skips the rest)", len(skills))
	}
	s := skills[0]
	if s.Slug != "web-search" || s.Summary != "Search the web" || s.WhenToUse != "Current events" {
		t.Errorf("skill = %+v", s)
	}
}
