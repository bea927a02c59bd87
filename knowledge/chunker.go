package knowledge

import (
	"strings"
)

// Chunker defaults.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// Chunk is a bounded-length substring of a cleaned document. ChunkID is
// assigned by the vector index at insertion; StartChar/EndChar index
// into the cleaned text.
type Chunk struct {
	ChunkID   int               `json:"chunk_id"`
	Text      string            `json:"text"`
	StartChar int               `json:"start_char"`
	EndChar   int               `json:"end_char"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Chunker splits cleaned text into fixed-size windows with trailing
// overlap, preferring sentence boundaries. Output is deterministic for
// a given (text, size, overlap).
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker. Non-positive size or negative overlap
// fall back to the defaults; overlap is clamped below size.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk cleans text and splits it into overlapping windows of up to
// size bytes. If a window does not reach end-of-text, the split prefers
// the last sentence terminator (".", "!", "?", "\n\n") past the window
// midpoint; otherwise it breaks at the size limit.
func (c *Chunker) Chunk(text string, metadata map[string]string) []Chunk {
	text = CleanText(text)
	if text == "" {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + c.size
		if end >= len(text) {
			end = len(text)
		} else {
			window := text[start:end]
			if bp := lastBoundary(window); bp > c.size/2 {
				end = start + bp
			}
		}

		piece := text[start:end]
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, Chunk{
				ChunkID:   len(chunks),
				Text:      piece,
				StartChar: start,
				EndChar:   end,
				Metadata:  metadata,
			})
		}

		if end >= len(text) {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// lastBoundary returns the byte position just past the last sentence
// terminator in window, or -1 when none exists.
func lastBoundary(window string) int {
	best := -1
	for _, term := range []string{". ", ".\n", "! ", "!\n", "? ", "?\n", "\n\n"} {
		if idx := strings.LastIndex(window, term); idx >= 0 && idx+1 > best {
			best = idx + 1
		}
	}
	// A terminator at the very end of the window counts too.
	for _, r := range []byte{'.', '!', '?'} {
		if len(window) > 0 && window[len(window)-1] == r {
			best = len(window)
		}
	}
	return best
}

// CleanText strips ASCII control characters other than newline and
// collapses runs of spaces and tabs to a single space. Runs of three or
// more newlines collapse to a blank line so the "\n\n" terminator stays
// meaningful.
func CleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	spacePending := false
	newlines := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case ch == '\n':
			newlines++
			spacePending = false
		case ch == ' ' || ch == '\t' || ch == '\r':
			spacePending = true
		case ch < 0x20 || ch == 0x7f:
			// control character: dropped
		default:
			if newlines > 0 {
				if newlines >= 2 {
					b.WriteString("\n\n")
				} else {
					b.WriteByte('\n')
				}
				newlines = 0
				spacePending = false
			}
			if spacePending {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				spacePending = false
			}
			b.WriteByte(ch)
		}
	}
	return strings.TrimSpace(b.String())
}
