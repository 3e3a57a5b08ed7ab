// Package extract turns raw document bytes into plain text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrExtraction is returned when a document yields no usable text.
var ErrExtraction = errors.New("text extraction failed")

// Extractor converts the bytes of a named document into plain text.
type Extractor interface {
	Extract(ctx context.Context, name string, data []byte) (string, error)
}

// Mux dispatches on the lower-cased file extension of the document name.
type Mux struct {
	byExt map[string]Extractor
}

// NewMux returns a Mux handling .pdf, .txt, .md, .html and .htm.
func NewMux() *Mux {
	m := &Mux{byExt: make(map[string]Extractor)}
	m.Handle(PDF{}, ".pdf")
	m.Handle(Text{}, ".txt", ".md", ".markdown")
	m.Handle(HTML{}, ".html", ".htm")
	return m
}

// Handle registers e for the given extensions, replacing earlier entries.
func (m *Mux) Handle(e Extractor, exts ...string) {
	for _, ext := range exts {
		m.byExt[strings.ToLower(ext)] = e
	}
}

// Supports reports whether name has a registered extension.
func (m *Mux) Supports(name string) bool {
	_, ok := m.byExt[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Extensions lists the registered extensions.
func (m *Mux) Extensions() []string {
	exts := make([]string, 0, len(m.byExt))
	for ext := range m.byExt {
		exts = append(exts, ext)
	}
	return exts
}

func (m *Mux) Extract(ctx context.Context, name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	e, ok := m.byExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: unsupported file type %q", ErrExtraction, ext)
	}
	text, err := e.Extract(ctx, name, data)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: no text found in %s", ErrExtraction, name)
	}
	return text, nil
}
