// Package types contains the wire projections of the domain models.
//
// Handlers and the stream never serialize domain models directly; they go
// through these views so each endpoint exposes exactly the fields it names.
package types

import (
	"fmt"
	"time"

	"github.com/okian/podium/internal/domain/model"
)

// EventLeaderboardUpdate names the stream message carrying a new ranking.
const EventLeaderboardUpdate = "leaderboardUpdate"

// RankedEntityView is one leaderboard row.
type RankedEntityView struct {
	ID    string `json:"id" cbor:"id"`
	Name  string `json:"name" cbor:"name"`
	Score int64  `json:"score" cbor:"score"`
	Rank  int    `json:"rank" cbor:"rank"`
}

// UserView is the public identity of an entity.
type UserView struct {
	ID   string `json:"id" cbor:"id"`
	Name string `json:"name" cbor:"name"`
}

// RegisterRequest is the body of the register endpoint.
type RegisterRequest struct {
	Name string `json:"name"`
}

// ClaimResponse reports an applied claim.
type ClaimResponse struct {
	Message  string   `json:"message" cbor:"message"`
	Points   int64    `json:"points" cbor:"points"`
	Score    int64    `json:"score" cbor:"score"`
	User     UserView `json:"user" cbor:"user"`
	Replayed bool     `json:"replayed,omitempty" cbor:"replayed,omitempty"`
}

// HistoryEntryView is one claim in the history.
type HistoryEntryView struct {
	ID        string    `json:"id" cbor:"id"`
	UserID    string    `json:"userId" cbor:"userId"`
	UserName  string    `json:"userName" cbor:"userName"`
	Points    int64     `json:"points" cbor:"points"`
	ClaimedAt time.Time `json:"claimedAt" cbor:"claimedAt"`
}

// HistoryResponse is one page of history.
type HistoryResponse struct {
	History     []HistoryEntryView `json:"history" cbor:"history"`
	TotalPages  int                `json:"totalPages" cbor:"totalPages"`
	CurrentPage int                `json:"currentPage" cbor:"currentPage"`
	PageSize    int                `json:"pageSize" cbor:"pageSize"`
	Total       int                `json:"total" cbor:"total"`
}

// StreamMessage is pushed to observers on connect and after every change.
type StreamMessage struct {
	Event       string             `json:"event" cbor:"event"`
	Generation  uint64             `json:"generation" cbor:"generation"`
	ComputedAt  time.Time          `json:"computedAt" cbor:"computedAt"`
	Leaderboard []RankedEntityView `json:"leaderboard" cbor:"leaderboard"`
}

// Stats summarizes the running service.
type Stats struct {
	Entities      int       `json:"entities"`
	Events        int       `json:"events"`
	Subscribers   int       `json:"subscribers"`
	QueueLength   int       `json:"queueLength"`
	QueueCapacity int       `json:"queueCapacity"`
	Workers       int       `json:"workers"`
	Generation    uint64    `json:"generation"`
	Store         string    `json:"store"`
	StartedAt     time.Time `json:"startedAt"`
	Uptime        string    `json:"uptime"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ranked projects one ranked entity.
func Ranked(r model.RankedEntity) RankedEntityView {
	return RankedEntityView{ID: r.ID, Name: r.Name, Score: r.Score, Rank: r.Rank}
}

// Leaderboard projects a snapshot into rows. It never returns nil.
func Leaderboard(s model.Snapshot) []RankedEntityView {
	out := make([]RankedEntityView, len(s.Entries))
	for i, r := range s.Entries {
		out[i] = Ranked(r)
	}
	return out
}

// User projects an entity to its identity.
func User(e model.Entity) UserView {
	return UserView{ID: e.ID, Name: e.Name}
}

// Users projects entities to identities. It never returns nil.
func Users(es []model.Entity) []UserView {
	out := make([]UserView, len(es))
	for i, e := range es {
		out[i] = User(e)
	}
	return out
}

// Claim projects a claim result.
func Claim(res model.ClaimResult) ClaimResponse {
	return ClaimResponse{
		Message:  fmt.Sprintf("Awarded %d points to %s", res.Delta, res.Entity.Name),
		Points:   res.Delta,
		Score:    res.Entity.Score,
		User:     User(res.Entity),
		Replayed: res.Replayed,
	}
}

// HistoryEntry projects one history entry.
func HistoryEntry(h model.HistoryEntry) HistoryEntryView {
	return HistoryEntryView{
		ID:        h.ID,
		UserID:    h.EntityID,
		UserName:  h.EntityName,
		Points:    h.Delta,
		ClaimedAt: h.At,
	}
}

// History projects a page.
func History(p model.Page) HistoryResponse {
	rows := make([]HistoryEntryView, len(p.Entries))
	for i, h := range p.Entries {
		rows[i] = HistoryEntry(h)
	}
	return HistoryResponse{
		History:     rows,
		TotalPages:  p.TotalPages,
		CurrentPage: p.Number,
		PageSize:    p.Size,
		Total:       p.Total,
	}
}

// Stream builds the stream message for a snapshot.
func Stream(s model.Snapshot) StreamMessage {
	return StreamMessage{
		Event:       EventLeaderboardUpdate,
		Generation:  s.Generation,
		ComputedAt:  s.ComputedAt,
		Leaderboard: Leaderboard(s),
	}
}
