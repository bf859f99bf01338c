package model

import "time"

// RankedEntity is an Entity plus its position in one snapshot.
type RankedEntity struct {
	Entity
	Rank int // 1-based, distinct even across equal scores
}

// Snapshot is a fully ordered, ranked view of every entity at one instant.
// Generation increases strictly with every snapshot an engine produces, so
// observers can discard anything older than what they already hold.
type Snapshot struct {
	Generation uint64
	ComputedAt time.Time
	Entries    []RankedEntity
}

// Len returns the number of ranked entities.
func (s Snapshot) Len() int { return len(s.Entries) }

// Newer reports whether s was produced after other.
func (s Snapshot) Newer(other Snapshot) bool { return s.Generation > other.Generation }

// Page is one window over the event log, newest first.
type Page struct {
	Entries    []HistoryEntry
	Number     int // 1-based page number that was requested
	Size       int
	Total      int // total events in the log at read time
	TotalPages int
}

// NoticeKind names the mutation that changed the ranking.
type NoticeKind string

const (
	NoticeRegistered NoticeKind = "registered"
	NoticeClaimed    NoticeKind = "claimed"
)

// Notice announces that a committed mutation changed the ranking.
type Notice struct {
	Kind     NoticeKind
	EntityID string
	At       time.Time
}
