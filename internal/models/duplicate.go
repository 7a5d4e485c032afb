package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvariant marks a derived record that violates its structural
	// rules. It signals a programming error, not bad input.
	ErrInvariant = errors.New("invariant violation")

	// ErrNotFound is returned by stores when a row or object is missing.
	ErrNotFound = errors.New("not found")
)

// DuplicateGroup is a cluster of near-identical photos of one event.
type DuplicateGroup struct {
	ID        uuid.UUID         `json:"id"`
	EventID   int64             `json:"event_id"`
	Threshold float64           `json:"threshold"`
	Members   []DuplicateMember `json:"members"`
	CreatedAt time.Time         `json:"created_at"`
}

// DuplicateMember is one photo of a group, ordered by rank.
type DuplicateMember struct {
	PhotoID    int64   `json:"photo_id"`
	Similarity float64 `json:"similarity"`
	IsPrimary  bool    `json:"is_primary"`
}

// Primary returns the group's primary member.
func (g *DuplicateGroup) Primary() (DuplicateMember, bool) {
	for _, m := range g.Members {
		if m.IsPrimary {
			return m, true
		}
	}
	return DuplicateMember{}, false
}

// Validate checks that the group has at least two distinct members and
// exactly one primary.
func (g *DuplicateGroup) Validate() error {
	if len(g.Members) < 2 {
		return fmt.Errorf("group %s has %d members: %w", g.ID, len(g.Members), ErrInvariant)
	}
	primaries := 0
	seen := make(map[int64]struct{}, len(g.Members))
	for _, m := range g.Members {
		if m.IsPrimary {
			primaries++
		}
		if _, dup := seen[m.PhotoID]; dup {
			return fmt.Errorf("group %s lists photo %d twice: %w", g.ID, m.PhotoID, ErrInvariant)
		}
		seen[m.PhotoID] = struct{}{}
	}
	if primaries != 1 {
		return fmt.Errorf("group %s has %d primaries: %w", g.ID, primaries, ErrInvariant)
	}
	return nil
}
