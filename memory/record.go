package memory

import (
	"fmt"
	"strings"
	"time"
)

// Record is one remembered fact about an owner.
type Record struct {
	ID         int64
	OwnerID    string
	Content    string
	Embedding  []float32
	Confidence *float64 // [0.0-1.0], nil when the source gave none
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time // nil never expires
}

// ScoredRecord is a Record returned by a similarity read.
type ScoredRecord struct {
	Record
	Score float64
}

// FormatContext provides context for memory formatting.
type FormatContext struct {
	Query     string // Current query being answered
	MaxLength int    // Max characters for this memory's output
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Live reports whether the record is active and not expired.
func (r *Record) Live(now time.Time) bool {
	return r.Active && !r.Expired(now)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.Embedding != nil {
		c.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Confidence != nil {
		v := *r.Confidence
		c.Confidence = &v
	}
	if r.ExpiresAt != nil {
		v := *r.ExpiresAt
		c.ExpiresAt = &v
	}
	return &c
}

// Format renders the record for prompt injection.
func (r *Record) Format(ctx FormatContext) string {
	content := r.Content
	if ctx.MaxLength > 0 {
		content = truncate(content, ctx.MaxLength)
	}
	if r.Confidence != nil && *r.Confidence < 0.5 {
		return fmt.Sprintf("%s (unsure)", content)
	}
	return content
}

// FormatRecords renders scored records as a numbered block for a system
// prompt. Returns "" for no records.
func FormatRecords(records []ScoredRecord, query string) string {
	if len(records) == 0 {
		return ""
	}

	// Share a fixed budget across memories
	maxLengthPerMemory := 2000 / len(records)
	if maxLengthPerMemory < 100 {
		maxLengthPerMemory = 100
	}

	parts := []string{"=== WHAT YOU REMEMBER ABOUT THE USER ==="}
	for i, rec := range records {
		formatted := rec.Format(FormatContext{
			Query:     query,
			MaxLength: maxLengthPerMemory,
		})
		parts = append(parts, fmt.Sprintf("%d. %s", i+1, formatted))
	}
	return strings.Join(parts, "\n")
}

// truncate truncates a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return string(runes[:maxLen-3]) + "..."
}
