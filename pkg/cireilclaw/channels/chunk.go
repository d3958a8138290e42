package channels

import "strings"

// ChunkLimit is the outbound chunk size. It sits safely below the
// 2000-character message cap chat platforms commonly enforce.
const ChunkLimit = 1800

// minChunkLimit keeps the splitter out of degenerate territory when a
// caller passes a tiny limit.
const minChunkLimit = 64

// fenceMarkerMax caps the reopened fence marker so reserve arithmetic
// stays bounded.
const fenceMarkerMax = 15

// Chunk splits content into pieces of at most limit bytes, breaking at
// line boundaries. The newline separating two chunks belongs to
// neither, so joining the chunks with "\n" restores the input as long
// as no line was so large it had to be cut mid-line. A split inside a
// fenced code block closes the fence at the end of the chunk and
// reopens it, with its info string, at the start of the next so every
// chunk renders as valid markdown on its own.
func Chunk(content string, limit int) []string {
	if content == "" {
		return nil
	}
	if limit <= 0 {
		limit = ChunkLimit
	}
	if limit < minChunkLimit {
		limit = minChunkLimit
	}
	if len(content) <= limit && fenceAfter("", content) == "" {
		return []string{content}
	}

	// Reserve room for a "\n```" fence close on every chunk, and keep
	// hard cuts small enough that a reopened fence marker still fits.
	budget := limit - len("\n```")
	hardCutMax := budget - fenceMarkerMax - 1

	var chunks []string
	var cur []string // lines of the chunk under construction
	curLen := 0      // bytes in strings.Join(cur, "\n")
	fence := ""      // fence marker open at the end of cur, "" when none

	push := func(line string) {
		if len(cur) > 0 {
			curLen++
		}
		cur = append(cur, line)
		curLen += len(line)
	}

	flush := func() {
		if len(cur) == 0 {
			return
		}
		text := strings.Join(cur, "\n")
		if fence != "" {
			chunks = append(chunks, text+"\n```")
			cur = []string{fence}
			curLen = len(fence)
		} else {
			chunks = append(chunks, text)
			cur = nil
			curLen = 0
		}
	}

	for _, line := range strings.Split(content, "\n") {
		// A line that can never fit in one chunk is cut mid-line.
		for len(line) > hardCutMax {
			space := hardCutMax - curLen
			if len(cur) > 0 {
				space--
			}
			if space < 1 {
				flush()
				space = hardCutMax - curLen
				if len(cur) > 0 {
					space--
				}
			}
			push(line[:space])
			line = line[space:]
			flush()
		}

		extra := len(line)
		if len(cur) > 0 {
			extra += curLen + 1
		}
		if extra > budget {
			flush()
		}
		push(line)
		fence = fenceAfter(fence, line)
	}

	// Drop a bare reopen marker nothing was added after.
	if len(cur) == 1 && fence != "" && cur[0] == fence {
		return chunks
	}
	if len(cur) > 0 {
		text := strings.Join(cur, "\n")
		if fence != "" {
			text += "\n```"
		}
		chunks = append(chunks, text)
	}
	return chunks
}

// fenceAfter returns the fence marker open after scanning text, given
// the marker open before it. The marker keeps the fence's info string
// ("```go") so a reopened fence highlights the same way.
func fenceAfter(open, text string) string {
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if !strings.HasPrefix(t, "```") {
			continue
		}
		if open != "" {
			open = ""
			continue
		}
		info := strings.Fields(strings.TrimPrefix(t, "```"))
		open = "```"
		if len(info) > 0 {
			open += info[0]
		}
		if len(open) > fenceMarkerMax {
			open = open[:fenceMarkerMax]
		}
	}
	return open
}
