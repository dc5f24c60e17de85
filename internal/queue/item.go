package queue

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a download item
type State string

const (
	StatePending     State = "pending"
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateRetrying    State = "retrying"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateSkipped     State = "skipped"
)

// transitions is the set of valid state transitions. Completed, Failed and
// Skipped are terminal and have no outgoing edges.
var transitions = map[State][]State{
	StatePending:     {StateQueued, StateSkipped},
	StateQueued:      {StateDownloading},
	StateDownloading: {StateCompleted, StateFailed, StateRetrying},
	StateRetrying:    {StateQueued, StateFailed},
}

// CanTransition reports whether a transition from s to next is valid
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Item represents a unit of download work
type Item struct {
	ID          uuid.UUID  `json:"id"`
	URL         string     `json:"url"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	Progress    float64    `json:"progress"` // fraction in [0, 1]
	Error       string     `json:"error,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// snapshot returns a copy safe to hand to listeners
func (it *Item) snapshot() Item {
	cp := *it
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
