// Package cadence enforces the proof submission schedule for battle
// positions: one solvency proof per interval, landing inside a grace window.
//
// A proof for an alive position is accepted only inside
// [last + interval, last + interval + grace), where last is the time of the
// most recent accepted proof, or the battle start for the first proof.
// Submitting early or late is a synchronous rejection with no state change;
// a timeout never liquidates by itself — the battle state machine applies
// the forfeiture policy on its own clock checks, identically for both sides.
package cadence

import (
	"errors"
	"time"

	"github.com/duelarena/battle-engine/internal/model"
)

var (
	// ErrProofTooEarly is returned when the proof window has not opened.
	ErrProofTooEarly = errors.New("cadence: proof window not yet open")

	// ErrProofTimeout is returned when the proof window has already closed.
	ErrProofTimeout = errors.New("cadence: proof window closed")

	// ErrPositionDead is returned when the position has been liquidated.
	// No proof is ever accepted for a dead position.
	ErrPositionDead = errors.New("cadence: position is liquidated")
)

// Tracker validates proof timing for one battle's positions.
type Tracker struct {
	interval time.Duration
	grace    time.Duration
}

// NewTracker creates a tracker with the given proof interval and grace
// window. Both must be positive.
func NewTracker(interval, grace time.Duration) *Tracker {
	return &Tracker{interval: interval, grace: grace}
}

// Interval returns the proof interval.
func (t *Tracker) Interval() time.Duration { return t.interval }

// WindowOpen returns the instant the next proof window opens for pos.
func (t *Tracker) WindowOpen(pos *model.Position) time.Time {
	return pos.LastProofTime.Add(t.interval)
}

// Deadline returns the instant the next proof window closes for pos.
// A proof at exactly the deadline is late.
func (t *Tracker) Deadline(pos *model.Position) time.Time {
	return pos.LastProofTime.Add(t.interval + t.grace)
}

// Validate checks whether a proof submitted at now is acceptable for pos.
// It does not mutate the position; the caller advances LastProofTime after
// the liquidation check runs.
func (t *Tracker) Validate(pos *model.Position, now time.Time) error {
	if !pos.Alive {
		return ErrPositionDead
	}
	if now.Before(t.WindowOpen(pos)) {
		return ErrProofTooEarly
	}
	if !now.Before(t.Deadline(pos)) {
		return ErrProofTimeout
	}
	return nil
}

// Missed reports whether pos has let its window elapse entirely as of now.
// Used by the state machine's forfeiture check.
func (t *Tracker) Missed(pos *model.Position, now time.Time) bool {
	return pos.Alive && !now.Before(t.Deadline(pos))
}
