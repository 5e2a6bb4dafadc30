package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"advora-intake/internal/domain"
	"advora-intake/pkg/logger"
	"advora-intake/pkg/metrics"
)

const (
	defaultRetention  = 24 * time.Hour
	defaultMaxHistory = 20
)

// ConversationStore owns per-contact state and the document log.
type ConversationStore interface {
	Load(ctx context.Context, contactID string) (domain.ConversationState, error)
	Save(ctx context.Context, state domain.ConversationState) error
	Prune(ctx context.Context, contactID string, cutoff time.Time) (int, error)
	AppendDocument(ctx context.Context, rec domain.DocumentRecord) error
	Documents(ctx context.Context, contactID string) ([]domain.DocumentRecord, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type Classifier interface {
	Classify(ctx context.Context, media domain.Media) domain.DocumentKind
}

type MediaFetcher interface {
	FetchMedia(ctx context.Context, mediaID string) (domain.Media, error)
}

type BlobStore interface {
	Put(ctx context.Context, contactID string, media domain.Media) (string, error)
}

type Messenger interface {
	SendText(ctx context.Context, to, body string) error
}

type EventPublisher interface {
	PublishDocument(ctx context.Context, rec domain.DocumentRecord) error
	PublishHandoff(ctx context.Context, ev domain.HandoffEvent) error
}

// Dependencies are the collaborators of IntakeService. Blobs and Events are
// optional.
type Dependencies struct {
	Store      ConversationStore
	LLM        LLMClient
	Classifier Classifier
	Media      MediaFetcher
	Messenger  Messenger
	Blobs      BlobStore
	Events     EventPublisher
	Logger     *logger.Logger
}

// IntakeConfig holds conversation policy.
type IntakeConfig struct {
	Model        string
	Requirements domain.Requirements
	Retention    time.Duration
	MaxHistory   int
	// ReplyTimeout bounds reply generation; zero leaves it to the client.
	ReplyTimeout time.Duration
}

type Outcome string

const (
	OutcomeReplied     Outcome = "replied"
	OutcomeFallback    Outcome = "fallback_reply"
	OutcomeResend      Outcome = "resend_requested"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeFailed      Outcome = "failed"
)

// TurnResult describes how one inbound event was handled.
type TurnResult struct {
	Outcome    Outcome
	Reply      string
	Stage      domain.Stage
	Document   domain.DocumentKind
	Dispatched bool
}

// IntakeService runs the per-contact intake state machine.
type IntakeService struct {
	store      ConversationStore
	llm        LLMClient
	classifier Classifier
	media      MediaFetcher
	messenger  Messenger
	blobs      BlobStore
	events     EventPublisher
	log        *logger.Logger

	model        string
	req          domain.Requirements
	retention    time.Duration
	maxHistory   int
	replyTimeout time.Duration

	locks *keyedMutex
	now   func() time.Time
}

func NewIntakeService(deps Dependencies, cfg IntakeConfig) (*IntakeService, error) {
	if deps.Store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if deps.LLM == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if deps.Classifier == nil {
		return nil, errors.New("usecase: classifier must not be nil")
	}
	if deps.Media == nil {
		return nil, errors.New("usecase: media fetcher must not be nil")
	}
	if deps.Messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	if len(cfg.Requirements.Required) == 0 {
		return nil, errors.New("usecase: requirements must list at least one document")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &IntakeService{
		store:        deps.Store,
		llm:          deps.LLM,
		classifier:   deps.Classifier,
		media:        deps.Media,
		messenger:    deps.Messenger,
		blobs:        deps.Blobs,
		events:       deps.Events,
		log:          log,
		model:        cfg.Model,
		req:          cfg.Requirements,
		retention:    cfg.Retention,
		maxHistory:   cfg.MaxHistory,
		replyTimeout: cfg.ReplyTimeout,
		locks:        newKeyedMutex(),
		now:          time.Now,
	}, nil
}

// HandleEvent processes one inbound event to completion. Capability failures
// degrade into fixed replies; the returned error is for logging only and the
// transport must still be acknowledged.
func (s *IntakeService) HandleEvent(ctx context.Context, ev domain.InboundEvent) (TurnResult, error) {
	contactID := strings.TrimSpace(ev.ContactID)
	if contactID == "" {
		s.record(OutcomeIgnored)
		return TurnResult{Outcome: OutcomeIgnored}, newError(ErrorInvalidInput, "missing_contact", nil)
	}
	log := s.log.WithContact(contactID, ev.MessageID)

	unlock := s.locks.Lock(contactID)
	defer unlock()

	switch ev.Kind {
	case domain.EventText:
		if strings.TrimSpace(ev.Text) == "" {
			s.record(OutcomeIgnored)
			return TurnResult{Outcome: OutcomeIgnored}, nil
		}
	case domain.EventImage, domain.EventDocument:
	default:
		log.Info("unsupported message type", zap.String("type", ev.RawType))
		res := TurnResult{Outcome: OutcomeUnsupported, Reply: unsupportedReply}
		res.Dispatched = s.dispatch(ctx, log, contactID, unsupportedReply)
		s.record(res.Outcome)
		return res, nil
	}

	now := s.now()
	cutoff := now.Add(-s.retention)
	if n, err := s.store.Prune(ctx, contactID, cutoff); err != nil {
		log.Warn("history prune failed", zap.Error(err))
	} else if n > 0 {
		log.Debug("history pruned", zap.Int("removed", n))
	}

	state, err := s.store.Load(ctx, contactID)
	if err != nil {
		log.Error("load conversation state failed", zap.Error(err))
		res := TurnResult{Outcome: OutcomeFailed, Reply: fallbackReply}
		res.Dispatched = s.dispatch(ctx, log, contactID, fallbackReply)
		s.record(res.Outcome)
		return res, newError(ErrorStore, "load_state", err)
	}
	if state.Checklist.Received == nil {
		state.Checklist.Received = map[domain.DocumentKind]bool{}
	}
	state.ContactID = contactID
	state.History = domain.TrimHistory(domain.PruneHistory(state.History, cutoff), s.maxHistory)
	prevStage := state.Stage
	log = log.With(zap.String("stage", string(prevStage)))

	res := TurnResult{}
	var content string
	switch {
	case ev.IsMedia():
		kind := s.receiveDocument(ctx, log, ev, &state, now)
		res.Document = kind
		if kind == domain.DocumentOther {
			content = unreadableDocumentContent(ev.Caption)
			res.Outcome, res.Reply = OutcomeResend, resendReply
			break
		}
		content = documentArrivalContent(kind, ev.Caption)
	default:
		content = strings.TrimSpace(ev.Text)
	}

	if res.Reply == "" {
		res.Reply, res.Outcome = s.generateReply(ctx, log, promptInput{
			req:         s.req,
			stage:       prevStage,
			checklist:   state.Checklist,
			contactName: ev.ContactName,
			history:     state.History,
			content:     content,
		})
	}

	// User entry first so replay preserves causal order.
	state.Append(domain.RoleUser, content, now)
	replyAt := s.now()
	if replyAt.Before(now) {
		replyAt = now
	}
	state.Append(domain.RoleAssistant, res.Reply, replyAt)
	state.History = domain.TrimHistory(state.History, s.maxHistory)
	state.Stage = domain.NextStage(prevStage, s.req.IsComplete(state.Checklist))
	state.UpdatedAt = replyAt
	res.Stage = state.Stage

	var turnErr error
	if err := s.store.Save(ctx, state); err != nil {
		log.Error("save conversation state failed", zap.Error(err))
		turnErr = newError(ErrorStore, "save_state", err)
	}

	res.Dispatched = s.dispatch(ctx, log, contactID, res.Reply)

	if prevStage != domain.StageReadyForHandoff && state.Stage == domain.StageReadyForHandoff {
		s.handoff(ctx, log, ev, state)
	}

	s.record(res.Outcome)
	log.Info("turn processed",
		zap.String("outcome", string(res.Outcome)),
		zap.String("next_stage", string(state.Stage)),
		zap.Bool("dispatched", res.Dispatched),
	)
	return res, turnErr
}

// receiveDocument fetches, archives and classifies the media of ev, updates
// the checklist and appends the document record.
func (s *IntakeService) receiveDocument(ctx context.Context, log *logger.Logger, ev domain.InboundEvent, state *domain.ConversationState, now time.Time) domain.DocumentKind {
	kind := domain.DocumentOther
	media, err := s.media.FetchMedia(ctx, ev.MediaID)
	if err != nil {
		log.Warn("media download failed", zap.String("media_id", ev.MediaID), zap.Error(err))
		media = domain.Media{ID: ev.MediaID, MimeType: ev.MimeType}
	} else {
		if media.MimeType == "" {
			media.MimeType = ev.MimeType
		}
		media.Filename, media.Caption = ev.Filename, ev.Caption
		if s.blobs != nil {
			ref, err := s.blobs.Put(ctx, state.ContactID, media)
			if err != nil {
				log.Warn("media archive failed", zap.String("media_id", ev.MediaID), zap.Error(err))
			}
			media.StorageRef = ref
		}
		kind = s.classifier.Classify(ctx, media)
	}

	state.Checklist = s.req.Apply(state.Checklist, kind)

	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	rec := domain.DocumentRecord{
		ID:         documentID(ev),
		ContactID:  state.ContactID,
		MessageID:  ev.MessageID,
		Kind:       kind,
		StorageRef: media.StorageRef,
		MimeType:   media.MimeType,
		ReceivedAt: receivedAt.UTC(),
	}
	if err := s.store.AppendDocument(ctx, rec); err != nil {
		log.Error("append document record failed", zap.Error(err))
	}
	if s.events != nil {
		if err := s.events.PublishDocument(ctx, rec); err != nil {
			log.Warn("publish document event failed", zap.Error(err))
		}
	}
	log.Info("document received", zap.String("kind", string(kind)), zap.String("storage_ref", rec.StorageRef))
	return kind
}

func (s *IntakeService) generateReply(ctx context.Context, log *logger.Logger, in promptInput) (string, Outcome) {
	if s.replyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.replyTimeout)
		defer cancel()
	}
	start := time.Now()
	reply, err := s.llm.Chat(ctx, s.model, buildPromptMessages(in))
	elapsed := time.Since(start).Seconds()
	if err != nil {
		uerr := upstreamError("openai_error", err)
		metrics.RecordReply(string(uerr.Code), elapsed)
		log.Error("reply generation failed", zap.String("reason", uerr.Reason), zap.Error(err))
		return fallbackReply, OutcomeFallback
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		metrics.RecordReply("empty", elapsed)
		log.Warn("reply generation returned empty text")
		return fallbackReply, OutcomeFallback
	}
	metrics.RecordReply("ok", elapsed)
	return reply, OutcomeReplied
}

// dispatch sends once; failures are logged, never retried.
func (s *IntakeService) dispatch(ctx context.Context, log *logger.Logger, to, body string) bool {
	if err := s.messenger.SendText(ctx, to, body); err != nil {
		uerr := upstreamError("whatsapp_send_error", err)
		log.Error("reply dispatch failed", zap.String("reason", uerr.Reason), zap.Error(err))
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		return false
	}
	metrics.DispatchTotal.WithLabelValues("sent").Inc()
	return true
}

func (s *IntakeService) handoff(ctx context.Context, log *logger.Logger, ev domain.InboundEvent, state domain.ConversationState) {
	metrics.HandoffsTotal.Inc()
	log.Info("checklist complete, ready for handoff")
	if s.events == nil {
		return
	}
	err := s.events.PublishHandoff(ctx, domain.HandoffEvent{
		ContactID:   state.ContactID,
		ContactName: ev.ContactName,
		Stage:       state.Stage,
		Received:    s.req.ReceivedKinds(state.Checklist),
		Documents:   s.handoffDocuments(ctx, log, state.ContactID),
		At:          state.UpdatedAt.UTC(),
	})
	if err != nil {
		log.Warn("publish handoff event failed", zap.Error(err))
	}
}

// handoffDocuments lists the classified files on record. A failed listing
// still lets the handoff go out with the checklist alone.
func (s *IntakeService) handoffDocuments(ctx context.Context, log *logger.Logger, contactID string) []domain.HandoffDocument {
	recs, err := s.store.Documents(ctx, contactID)
	if err != nil {
		log.Warn("list documents for handoff failed", zap.Error(err))
		return nil
	}
	var docs []domain.HandoffDocument
	for _, rec := range recs {
		if rec.Kind == domain.DocumentOther {
			continue
		}
		docs = append(docs, domain.HandoffDocument{
			ID:         rec.ID,
			Kind:       rec.Kind,
			StorageRef: rec.StorageRef,
			ReceivedAt: rec.ReceivedAt.UTC(),
		})
	}
	return docs
}

func (s *IntakeService) record(o Outcome) {
	metrics.TurnsTotal.WithLabelValues(string(o)).Inc()
}

// documentID keys the record on the message id so webhook redeliveries do
// not log the same file twice.
func documentID(ev domain.InboundEvent) string {
	if id := strings.TrimSpace(ev.MessageID); id != "" {
		return id
	}
	return newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}
