package storage

import (
	"errors"
	"time"
)

// ErrNotFound means no row has the requested key.
var ErrNotFound = errors.New("not found")

// Document statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// KBDocument is the status record of one ingested knowledge-base document.
type KBDocument struct {
	ID          string
	FilePath    string
	FileName    string
	ContentHash string
	Status      string // "pending", "completed", "failed"
	TotalChunks int
	TotalTokens int
	Error       string
	CreatedAt   time.Time
	ProcessedAt time.Time // zero until the document reaches a terminal state
}

// Question is one answered question together with the response that was
// returned for it.
type Question struct {
	ID             string
	Category       string
	Question       string
	KundliCacheKey string
	AnswerJSON     string
	IsFallback     bool
	Verified       bool
	IsAccurate     *bool // nil until verified
	CreatedAt      time.Time
	VerifiedAt     time.Time
}

// KundliEntry is the chart facts cached under one birth-details key.
type KundliEntry struct {
	CacheKey  string
	Facts     string
	UpdatedAt time.Time
}
