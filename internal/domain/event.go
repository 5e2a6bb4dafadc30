package domain

import "time"

// EventKind is the normalised type of an inbound message.
type EventKind string

const (
	EventText        EventKind = "text"
	EventImage       EventKind = "image"
	EventDocument    EventKind = "document"
	EventUnsupported EventKind = "unsupported"
)

// InboundEvent is a transport-independent inbound message.
type InboundEvent struct {
	ContactID   string
	ContactName string
	MessageID   string
	Kind        EventKind
	// RawType keeps the transport's type tag for unsupported messages.
	RawType    string
	Text       string
	MediaID    string
	MimeType   string
	Filename   string
	Caption    string
	ReceivedAt time.Time
}

// IsMedia reports whether the event carries a file.
func (e InboundEvent) IsMedia() bool {
	return e.Kind == EventImage || e.Kind == EventDocument
}

// Media is a downloaded file ready for storage and classification.
type Media struct {
	ID         string
	MimeType   string
	Filename   string
	Caption    string
	Data       []byte
	StorageRef string
}

// HandoffEvent announces that a contact's file is ready for a lawyer.
type HandoffEvent struct {
	ContactID   string            `json:"contact_id"`
	ContactName string            `json:"contact_name,omitempty"`
	Stage       Stage             `json:"stage"`
	Received    []DocumentKind    `json:"received"`
	Documents   []HandoffDocument `json:"documents,omitempty"`
	At          time.Time         `json:"at"`
}

// HandoffDocument points the reviewer at an archived file.
type HandoffDocument struct {
	ID         string       `json:"id"`
	Kind       DocumentKind `json:"kind"`
	StorageRef string       `json:"storage_ref,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}
