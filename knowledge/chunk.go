package knowledge

import "strings"

// Default window sizes, in words.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// SplitWords splits text into windows of size words, each starting
// size-overlap words after the previous one. The last window may be shorter.
// A window is never emitted when the previous one already reached the end.
func SplitWords(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
