package extract

import (
	"context"
	"fmt"
	"unicode/utf8"
)

// Text passes UTF-8 text through unchanged.
type Text struct{}

func (Text) Extract(_ context.Context, name string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrExtraction, name)
	}
	return string(data), nil
}
