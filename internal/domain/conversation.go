package domain

import "time"

// Stage is the coarse conversation phase used to select system guidance.
type Stage string

const (
	StageInitial           Stage = "initial"
	StageAwaitingDocuments Stage = "awaiting_documents"
	StageReadyForHandoff   Stage = "ready_for_handoff"
)

// NextStage returns the stage after a processed turn. Stages never move
// backwards.
func NextStage(current Stage, complete bool) Stage {
	if complete || current == StageReadyForHandoff {
		return StageReadyForHandoff
	}
	return StageAwaitingDocuments
}

// Turn is one history entry.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ConversationState is everything persisted per contact.
type ConversationState struct {
	ContactID string
	Stage     Stage
	Checklist Checklist
	History   []Turn
	UpdatedAt time.Time
}

// NewConversationState returns the state of a contact never seen before.
func NewConversationState(contactID string) ConversationState {
	return ConversationState{
		ContactID: contactID,
		Stage:     StageInitial,
		Checklist: Checklist{Received: map[DocumentKind]bool{}},
	}
}

// Append adds an entry to the end of the history.
func (s *ConversationState) Append(role Role, text string, at time.Time) {
	s.History = append(s.History, Turn{Role: role, Text: text, At: at.UTC()})
}

// PruneHistory drops entries strictly older than cutoff. Entries at the
// cutoff are kept.
func PruneHistory(history []Turn, cutoff time.Time) []Turn {
	kept := make([]Turn, 0, len(history))
	for _, t := range history {
		if t.At.Before(cutoff) {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// TrimHistory keeps the most recent max entries.
func TrimHistory(history []Turn, max int) []Turn {
	if max <= 0 || len(history) <= max {
		return history
	}
	return append([]Turn(nil), history[len(history)-max:]...)
}

// DocumentRecord is an append-only log entry for a received file.
type DocumentRecord struct {
	ID         string
	ContactID  string
	MessageID  string
	Kind       DocumentKind
	StorageRef string
	MimeType   string
	ReceivedAt time.Time
}
