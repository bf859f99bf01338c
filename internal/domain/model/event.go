// Package model contains domain models passed between layers.
package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNameLength is the longest display name accepted, in runes.
const MaxNameLength = 64

// Entity is a named, scored participant in the ranking.
type Entity struct {
	ID        string    // opaque unique id
	Name      string    // unique, trimmed, non-empty display name
	Score     int64     // non-negative; only ever increased by claims
	CreatedAt time.Time // registration time
}

// Event is an immutable record of one score-increasing action.
type Event struct {
	ID       string
	EntityID string
	Delta    int64     // positive amount added to the entity's score
	At       time.Time // strictly increasing across the log
	Seq      int64     // insertion sequence, newest-inserted wins ties on At
}

// HistoryEntry is an Event enriched with the entity's name at read time.
type HistoryEntry struct {
	Event
	EntityName string
}

// ClaimResult is the outcome of one successful claim.
type ClaimResult struct {
	Entity   Entity // entity after the delta was applied
	Delta    int64
	Event    Event
	Replayed bool // true when served from the idempotency cache
}

// NormalizeName trims name and checks the display name rules.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", Invalid("name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", Invalid("name must be at most %d characters", MaxNameLength)
	}
	return name, nil
}
