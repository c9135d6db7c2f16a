package domain

import "time"

type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRestored ChangeKind = "restored"
)

// Change is broadcast after every committed appointment mutation. Snapshot
// holds the full collection after the mutation, ordered by scheduled date.
type Change struct {
	Seq         uint64        `json:"seq"`
	Kind        ChangeKind    `json:"kind"`
	Appointment Appointment   `json:"appointment"`
	Previous    *Appointment  `json:"previous,omitempty"`
	Snapshot    []Appointment `json:"snapshot"`
	At          time.Time     `json:"at"`
}

// Completed reports whether this change moved an appointment into the
// completed state.
func (c Change) Completed() bool {
	if c.Kind != ChangeUpdated || c.Appointment.Status != StatusCompleted {
		return false
	}
	return c.Previous == nil || c.Previous.Status != StatusCompleted
}
