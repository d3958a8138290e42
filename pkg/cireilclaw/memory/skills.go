package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Skill is the index entry for one /skills/{slug}.md document. Only
// the frontmatter lives in the prompt; the body is fetched on demand
// via the read-skill tool.
type Skill struct {
	Slug      string
	Summary   string
	WhenToUse string
}

type skillFrontmatter struct {
	Summary   string `toml:"summary"`
	WhenToUse string `toml:"whenToUse"`
}

// LoadSkills reads every *.md file in dir and validates its
// frontmatter strictly: summary and whenToUse are required and no
// other keys are accepted. Invalid skills are logged and skipped.
// Results are sorted by slug.
func LoadSkills(dir string, logger *slog.Logger) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skills dir: %w", err)
	}

	var skills []Skill
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		slug := strings.TrimSuffix(name, ".md")
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping unreadable skill", "file", name, "error", err)
			continue
		}
		meta, err := parseSkillFrontmatter(string(data))
		if err != nil {
			logger.Warn("skipping invalid skill", "file", name, "error", err)
			continue
		}
		skills = append(skills, Skill{Slug: slug, Summary: meta.Summary, WhenToUse: meta.WhenToUse})
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].Slug < skills[j].Slug })
	return skills, nil
}

func parseSkillFrontmatter(src string) (*skillFrontmatter, error) {
	front, _, ok := splitFrontmatter(src)
	if !ok {
		return nil, fmt.Errorf("missing +++ frontmatter section")
	}
	var meta skillFrontmatter
	md, err := toml.Decode(front, &meta)
	if err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown frontmatter key %q", undecoded[0].String())
	}
	if meta.Summary == "" {
		return nil, fmt.Errorf("summary is required")
	}
	if meta.WhenToUse == "" {
		return nil, fmt.Errorf("whenToUse is required")
	}
	return &meta, nil
}
