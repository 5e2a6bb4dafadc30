// Package handler adapts HTTP and API Gateway requests to the intake service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"advora-intake/internal/domain"
	"advora-intake/internal/integrations/whatsapp"
	"advora-intake/internal/middleware"
	"advora-intake/internal/usecase"
	"advora-intake/pkg/logger"
)

// defaultMaxContacts bounds how many contacts of one delivery are processed
// at once.
const defaultMaxContacts = 8

// IntakeService is the use case driven by webhook deliveries.
type IntakeService interface {
	HandleEvent(ctx context.Context, ev domain.InboundEvent) (usecase.TurnResult, error)
}

// SecretSource resolves the WhatsApp app secret. *paramstore.Secret
// satisfies it.
type SecretSource interface {
	Value(ctx context.Context) (string, error)
}

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks when set.
	AppSecret SecretSource
	// Async acknowledges deliveries before processing them. Lambda must keep
	// it off since the sandbox freezes once the response is returned.
	Async       bool
	MaxContacts int
}

// Webhook receives WhatsApp Cloud API deliveries.
type Webhook struct {
	svc         IntakeService
	verifyToken string
	appSecret   SecretSource
	async       bool
	maxContacts int
	log         *logger.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

// NewWebhook validates dependencies and returns a Webhook.
func NewWebhook(svc IntakeService, cfg WebhookConfig, log *logger.Logger) (*Webhook, error) {
	if svc == nil {
		return nil, errors.New("handler: intake service must not be nil")
	}
	if strings.TrimSpace(cfg.VerifyToken) == "" {
		return nil, errors.New("handler: verify token must not be empty")
	}
	if cfg.MaxContacts <= 0 {
		cfg.MaxContacts = defaultMaxContacts
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Webhook{
		svc:         svc,
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		async:       cfg.Async,
		maxContacts: cfg.MaxContacts,
		log:         log,
		now:         time.Now,
	}, nil
}

// Verify answers the subscription handshake. It returns the challenge and
// true only for mode "subscribe" with the configured token.
func (w *Webhook) Verify(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token != w.verifyToken {
		return "", false
	}
	return challenge, true
}

// Receive handles one delivery body and returns the HTTP status to answer
// with. Every delivery is acknowledged, including unsigned or malformed
// ones, so Meta does not keep redelivering them.
func (w *Webhook) Receive(ctx context.Context, body []byte, signature string) int {
	log := w.log.With(zap.String("correlation_id", middleware.GetCorrelationID(ctx)))

	if w.appSecret != nil {
		secret, err := w.appSecret.Value(ctx)
		if err != nil {
			log.Error("app secret unavailable, delivery dropped", zap.Error(err))
			return http.StatusOK
		}
		if !whatsapp.VerifySignature(secret, body, signature) {
			log.Warn("webhook signature mismatch, delivery dropped")
			return http.StatusOK
		}
	}

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn("malformed webhook payload", zap.Error(err))
		return http.StatusOK
	}
	evs := whatsapp.Normalize(payload, w.now())
	if len(evs) == 0 {
		log.Debug("webhook delivery without messages")
		return http.StatusOK
	}

	if !w.async {
		w.process(ctx, log, evs)
		return http.StatusOK
	}

	bg := context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("webhook processing panicked", zap.Any("panic", r))
			}
		}()
		w.process(bg, log, evs)
	}()
	return http.StatusOK
}

// Wait blocks until asynchronous deliveries finish or ctx is done.
func (w *Webhook) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process runs each contact's events in delivery order. Contacts are
// independent and run concurrently.
func (w *Webhook) process(ctx context.Context, log *logger.Logger, evs []domain.InboundEvent) {
	var g errgroup.Group
	g.SetLimit(w.maxContacts)
	for _, batch := range groupByContact(evs) {
		g.Go(func() (failed error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("event handling panicked", zap.String("contact_id", batch[0].ContactID), zap.Any("panic", r))
					failed = errors.Join(failed, fmt.Errorf("contact %s: panic: %v", batch[0].ContactID, r))
				}
			}()
			for _, ev := range batch {
				res, err := w.svc.HandleEvent(ctx, ev)
				if err != nil {
					log.Warn("event handled with error",
						zap.String("contact_id", ev.ContactID),
						zap.String("message_id", ev.MessageID),
						zap.String("outcome", string(res.Outcome)),
						zap.Error(err),
					)
					failed = errors.Join(failed, fmt.Errorf("message %s: %w", ev.MessageID, err))
				}
			}
			return failed
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("webhook delivery had failed turns", zap.Int("events", len(evs)), zap.Error(err))
	}
}

func groupByContact(evs []domain.InboundEvent) [][]domain.InboundEvent {
	index := map[string]int{}
	var out [][]domain.InboundEvent
	for _, ev := range evs {
		i, ok := index[ev.ContactID]
		if !ok {
			i = len(out)
			index[ev.ContactID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], ev)
	}
	return out
}
