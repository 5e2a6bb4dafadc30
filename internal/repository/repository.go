// Package repository persists per-contact conversation state and the
// received-document log.
package repository

import (
	"slices"
	"time"

	"advora-intake/internal/domain"
)

// Limits bounds what a store keeps per contact.
type Limits struct {
	// MaxHistory caps the entries returned by Load.
	MaxHistory int
	// Retention is how long history entries live. DynamoDB uses it for the
	// row TTL.
	Retention time.Duration
}

// DefaultLimits matches the service defaults.
func DefaultLimits() Limits {
	return Limits{MaxHistory: 20, Retention: 24 * time.Hour}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxHistory <= 0 {
		l.MaxHistory = d.MaxHistory
	}
	if l.Retention <= 0 {
		l.Retention = d.Retention
	}
	return l
}

// tsLayout is fixed-width so sort keys order chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// sortedKinds lists received kinds in a stable order for storage.
func sortedKinds(c domain.Checklist) []domain.DocumentKind {
	kinds := make([]domain.DocumentKind, 0, len(c.Received))
	for k, ok := range c.Received {
		if ok {
			kinds = append(kinds, k)
		}
	}
	slices.Sort(kinds)
	return kinds
}
