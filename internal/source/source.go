// Package source fetches raw document bytes by path or URL.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested document does not exist.
var ErrNotFound = errors.New("document not found")

// Source fetches the bytes stored at path.
type Source interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// Local reads files from disk. When Root is set, relative paths resolve
// against it and absolute paths must stay inside it.
type Local struct {
	Root string
}

func (l Local) Fetch(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func (l Local) resolve(path string) (string, error) {
	path = strings.TrimPrefix(path, "file://")
	if l.Root == "" {
		return filepath.Clean(path), nil
	}
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes source root", path)
	}
	return full, nil
}

// DefaultMaxBytes caps remote downloads.
const DefaultMaxBytes = 64 << 20

// HTTP downloads documents over http or https.
type HTTP struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTP creates an HTTP source. maxBytes <= 0 uses DefaultMaxBytes.
func NewHTTP(timeout time.Duration, maxBytes int64) *HTTP {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTP{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

func (h *HTTP) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if int64(len(data)) > h.maxBytes {
		return nil, fmt.Errorf("document %s exceeds %d bytes", rawURL, h.maxBytes)
	}
	return data, nil
}

// Mux routes http(s) URLs to Remote and everything else to Local.
type Mux struct {
	Local  Source
	Remote Source
}

func (m Mux) Fetch(ctx context.Context, path string) ([]byte, error) {
	if IsRemote(path) {
		if m.Remote == nil {
			return nil, fmt.Errorf("remote documents are not enabled: %s", path)
		}
		return m.Remote.Fetch(ctx, path)
	}
	return m.Local.Fetch(ctx, path)
}

// IsRemote reports whether path is an http or https URL.
func IsRemote(path string) bool {
	u, err := url.Parse(path)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// BaseName returns the last path element of a local path or URL.
func BaseName(path string) string {
	if IsRemote(path) {
		if u, err := url.Parse(path); err == nil {
			path = u.Path
		}
	}
	path = strings.TrimRight(filepath.ToSlash(path), "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return path
}
