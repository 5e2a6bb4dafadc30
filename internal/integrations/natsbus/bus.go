// Package natsbus publishes intake events to NATS JetStream.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"advora-intake/internal/domain"
	"advora-intake/pkg/logger"
)

const (
	// StreamName is the name of the intake events stream.
	StreamName = "INTAKE"

	// SubjectPrefix is the prefix for all intake subjects.
	SubjectPrefix = "intake"
)

// Config holds NATS connection configuration.
type Config struct {
	URL   string
	Token string
	Name  string
}

// jetStream is the subset of jetstream.JetStream used by Bus.
type jetStream interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// Bus publishes document and handoff events.
type Bus struct {
	conn *nats.Conn
	js   jetStream
	log  *logger.Logger
}

// Connect establishes a connection to the NATS server.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Bus, error) {
	if log == nil {
		log = logger.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "advora-intake"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsbus: create JetStream context: %w", err)
	}

	b := &Bus{conn: nc, js: js, log: log}
	if err := b.EnsureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func newBus(js jetStream, log *logger.Logger) (*Bus, error) {
	if js == nil {
		return nil, errors.New("natsbus: jetstream must not be nil")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Bus{js: js, log: log}, nil
}

// EnsureStream creates the intake stream when it does not exist yet.
func (b *Bus) EnsureStream(ctx context.Context) error {
	if _, err := b.js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("natsbus: lookup stream: %w", err)
	}

	_, err := b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Intake document and handoff events",
	})
	if err != nil {
		return fmt.Errorf("natsbus: create stream: %w", err)
	}
	return nil
}

// DocumentSubject returns the subject for a received document.
func DocumentSubject(contactID string) string {
	return fmt.Sprintf("%s.%s.document", SubjectPrefix, subjectToken(contactID))
}

// HandoffSubject returns the subject announcing a completed checklist.
func HandoffSubject(contactID string) string {
	return fmt.Sprintf("%s.%s.handoff", SubjectPrefix, subjectToken(contactID))
}

// subjectToken keeps a contact id from introducing extra subject levels.
func subjectToken(id string) string {
	id = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, strings.TrimSpace(id))
	if id == "" {
		return "unknown"
	}
	return id
}

type documentMessage struct {
	ID         string              `json:"id"`
	ContactID  string              `json:"contact_id"`
	MessageID  string              `json:"message_id,omitempty"`
	Kind       domain.DocumentKind `json:"kind"`
	StorageRef string              `json:"storage_ref,omitempty"`
	MimeType   string              `json:"mime_type,omitempty"`
	ReceivedAt time.Time           `json:"received_at"`
}

// PublishDocument announces a received document.
func (b *Bus) PublishDocument(ctx context.Context, rec domain.DocumentRecord) error {
	data, err := json.Marshal(documentMessage{
		ID:         rec.ID,
		ContactID:  rec.ContactID,
		MessageID:  rec.MessageID,
		Kind:       rec.Kind,
		StorageRef: rec.StorageRef,
		MimeType:   rec.MimeType,
		ReceivedAt: rec.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("natsbus: marshal document event: %w", err)
	}
	return b.publish(ctx, DocumentSubject(rec.ContactID), data, "doc-"+rec.ID)
}

// PublishHandoff announces that a contact is ready for a lawyer.
func (b *Bus) PublishHandoff(ctx context.Context, ev domain.HandoffEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natsbus: marshal handoff event: %w", err)
	}
	return b.publish(ctx, HandoffSubject(ev.ContactID), data, "handoff-"+ev.ContactID)
}

func (b *Bus) publish(ctx context.Context, subject string, data []byte, msgID string) error {
	ack, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", subject, err)
	}
	if ack != nil && ack.Duplicate {
		b.log.Debug("duplicate intake event dropped by stream", zap.String("subject", subject), zap.String("msg_id", msgID))
	}
	return nil
}

// IsConnected returns true if connected to NATS.
func (b *Bus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains and closes the NATS connection.
func (b *Bus) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
	}
}
