// Package memory loads the markdown documents that feed the system
// prompt: memory blocks (always injected) and skills (indexed, loaded
// on demand). Both use a leading TOML frontmatter section delimited by
// lines containing only "+++".
package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
)

// Block is one always-loaded memory document from /blocks/{label}.md.
type Block struct {
	Label       string
	Description string
	// FilePath is the virtual path the agent uses to edit the block.
	FilePath string
	Content  string
}

// ContentChars counts the block body in runes, the unit shown to the
// model so it can police its own block sizes.
func (b Block) ContentChars() int { return utf8.RuneCountInString(b.Content) }

type blockFrontmatter struct {
	Description string `toml:"description"`
}

// LoadBlocks reads every *.md file in dir. Files with a broken
// frontmatter section are logged and skipped rather than failing the
// agent; a file without frontmatter is loaded with an empty
// description. Results are sorted by label.
func LoadBlocks(dir string, logger *slog.Logger) ([]Block, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading blocks dir: %w", err)
	}

	var blocks []Block
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping unreadable block", "file", name, "error", err)
			continue
		}
		label := strings.TrimSuffix(name, ".md")
		block := Block{Label: label, FilePath: "/blocks/" + name}

		front, body, ok := splitFrontmatter(string(data))
		if !ok {
			block.Content = strings.TrimSpace(string(data))
			blocks = append(blocks, block)
			continue
		}
		var meta blockFrontmatter
		if _, err := toml.Decode(front, &meta); err != nil {
			logger.Warn("skipping block with invalid frontmatter", "file", name, "error", err)
			continue
		}
		block.Description = meta.Description
		block.Content = strings.TrimSpace(body)
		blocks = append(blocks, block)
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Label < blocks[j].Label })
	return blocks, nil
}

// splitFrontmatter splits a document into its TOML frontmatter and
// body. The frontmatter must start on the first line with "+++" and
// end with a matching "+++" line.
func splitFrontmatter(src string) (front, body string, ok bool) {
	const delim = "+++"
	if !strings.HasPrefix(src, delim+"\n") {
		return "", "", false
	}
	rest := src[len(delim)+1:]
	if idx := strings.Index(rest, "\n"+delim+"\n"); idx >= 0 {
		return rest[:idx], rest[idx+len(delim)+2:], true
	}
	if strings.HasSuffix(rest, "\n"+delim) {
		return rest[:len(rest)-len(delim)-1], "", true
	}
	return "", "", false
}
