package model

import "time"

// EventType identifies a domain event emitted by a battle transition.
type EventType string

const (
	EventBattleCreated   EventType = "battle_created"
	EventBattleActivated EventType = "battle_activated"
	EventBetPlaced       EventType = "bet_placed"
	EventProofSubmitted  EventType = "proof_submitted"
	EventAgentLiquidated EventType = "agent_liquidated"
	EventBattleEscalated EventType = "battle_escalated"
	EventBattleEnded     EventType = "battle_ended"
	EventBattleCancelled EventType = "battle_cancelled"
)

// Event is a domain event produced by the battle state machine or the
// settlement resolver. Transitions return events instead of emitting side
// effects; a dispatcher forwards them to the broadcast collaborators.
type Event struct {
	Type      EventType         `json:"type"`
	BattleID  string            `json:"battle_id"`
	Side      Side              `json:"side,omitempty"`
	Winner    Winner            `json:"winner,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEvent builds an event with an initialized field map.
func NewEvent(t EventType, battleID string, ts time.Time) Event {
	return Event{
		Type:      t,
		BattleID:  battleID,
		Fields:    make(map[string]string),
		Timestamp: ts,
	}
}
