package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/astrorag/internal/source"
)

// Document ID strategies.
const (
	IDTimestamp = "timestamp"
	IDContent   = "content"
)

// IDFunc derives a document id from its path, bytes and ingestion time.
type IDFunc func(path string, data []byte, now time.Time) string

// TimestampID names documents kb_{stem}_{unix millis}. Identical bytes
// ingested twice get two ids.
func TimestampID(path string, _ []byte, now time.Time) string {
	return fmt.Sprintf("kb_%s_%d", stem(path), now.UnixMilli())
}

// ContentID names documents kb_{stem}_{first 16 hex chars of sha256}, so the
// same bytes under the same name always map to the same chunk ids.
func ContentID(path string, data []byte, _ time.Time) string {
	return fmt.Sprintf("kb_%s_%s", stem(path), ContentHash(data)[:16])
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IDFuncFor returns the IDFunc for a strategy name, defaulting to ContentID.
func IDFuncFor(strategy string) (IDFunc, error) {
	switch strategy {
	case "", IDContent:
		return ContentID, nil
	case IDTimestamp:
		return TimestampID, nil
	default:
		return nil, fmt.Errorf("unknown document id strategy %q", strategy)
	}
}

// stem is the file name up to its first dot.
func stem(path string) string {
	name := source.BaseName(path)
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "unknown"
	}
	return name
}
