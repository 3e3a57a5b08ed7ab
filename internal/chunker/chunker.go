package chunker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyText is returned when there are no words to chunk.
	ErrEmptyText = errors.New("chunker: empty text")

	// ErrInvalidWindow is returned for a window size / overlap combination
	// that cannot advance (size <= 0, overlap < 0 or overlap >= size).
	ErrInvalidWindow = errors.New("chunker: invalid window")
)

// Chunk is one window of words from a document.
type Chunk struct {
	Index int
	Text  string

	// Page approximates the source page as start/size + 1. It is derived from
	// word position only and does not track real page boundaries.
	Page int

	// Start and End are word offsets into the source, End exclusive.
	Start int
	End   int
}

// Words returns the number of words in the chunk.
func (c Chunk) Words() int {
	return c.End - c.Start
}

// Split cuts text into windows of size words, each starting size-overlap
// words after the previous one, so consecutive chunks share overlap words.
// The last window always ends at the final word; no window is emitted that
// lies entirely inside its predecessor.
func Split(text string, size, overlap int) ([]Chunk, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, ErrEmptyText
	}

	step := size - overlap
	chunks := make([]Chunk, 0, len(words)/step+1)
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  strings.Join(words[start:end], " "),
			Page:  start/size + 1,
			Start: start,
			End:   end,
		})
		if end == len(words) {
			break
		}
	}
	return chunks, nil
}

// Validate checks a window configuration without chunking anything.
func Validate(size, overlap int) error {
	if size <= 0 || overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidWindow, size, overlap)
	}
	return nil
}

// Reassemble joins chunks back into the original word sequence, dropping the
// words each chunk shares with its predecessor.
func Reassemble(chunks []Chunk) string {
	var sb strings.Builder
	covered := 0
	for _, c := range chunks {
		words := strings.Fields(c.Text)
		skip := covered - c.Start
		if skip < 0 {
			skip = 0
		}
		if skip >= len(words) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.Join(words[skip:], " "))
		covered = c.End
	}
	return sb.String()
}
