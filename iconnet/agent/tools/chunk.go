package tools

import "strings"

// ChunkText splits text into passages of at most size runes, keeping
// paragraphs together where they fit.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = 1000
	}
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		if curLen > 0 && curLen+2+len(runes) > size {
			flush()
		}
		for len(runes) > size {
			if curLen > 0 {
				flush()
			}
			chunks = append(chunks, string(runes[:size]))
			runes = runes[size:]
		}
		if len(runes) == 0 {
			continue
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(string(runes))
		curLen += len(runes)
	}
	flush()
	return chunks
}
