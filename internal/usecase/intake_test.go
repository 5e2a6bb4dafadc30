package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"advora-intake/internal/domain"
	"advora-intake/internal/integrations/openai"
)

type mockStore struct {
	mu        sync.Mutex
	states    map[string]domain.ConversationState
	docs      []domain.DocumentRecord
	calls     []string
	loadErr   error
	saveErr   error
	pruneErr  error
	docsErr   error
	saveCount int
}

func newMockStore() *mockStore {
	return &mockStore{states: map[string]domain.ConversationState{}}
}

func (m *mockStore) Load(_ context.Context, contactID string) (domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "load")
	if m.loadErr != nil {
		return domain.ConversationState{}, m.loadErr
	}
	st, ok := m.states[contactID]
	if !ok {
		return domain.NewConversationState(contactID), nil
	}
	st.Checklist = st.Checklist.Clone()
	st.History = append([]domain.Turn(nil), st.History...)
	return st, nil
}

func (m *mockStore) Save(_ context.Context, state domain.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "save")
	m.saveCount++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.states[state.ContactID] = state
	return nil
}

func (m *mockStore) Prune(_ context.Context, contactID string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "prune")
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	st, ok := m.states[contactID]
	if !ok {
		return 0, nil
	}
	before := len(st.History)
	st.History = domain.PruneHistory(st.History, cutoff)
	m.states[contactID] = st
	return before - len(st.History), nil
}

func (m *mockStore) AppendDocument(_ context.Context, rec domain.DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "append_document")
	m.docs = append(m.docs, rec)
	return nil
}

func (m *mockStore) Documents(_ context.Context, contactID string) ([]domain.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "documents")
	if m.docsErr != nil {
		return nil, m.docsErr
	}
	var out []domain.DocumentRecord
	for _, rec := range m.docs {
		if rec.ContactID == contactID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type capturingLLM struct {
	mu        sync.Mutex
	answer    string
	err       error
	captured  []domain.ChatMessage
	callCount int
}

func (c *capturingLLM) Chat(_ context.Context, _ string, msgs []domain.ChatMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callCount++
	c.captured = msgs
	return c.answer, c.err
}

type fixedClassifier struct {
	kind  domain.DocumentKind
	calls int
	got   domain.Media
}

func (f *fixedClassifier) Classify(_ context.Context, media domain.Media) domain.DocumentKind {
	f.calls++
	f.got = media
	return f.kind
}

type mockMedia struct {
	err error
}

func (m *mockMedia) FetchMedia(_ context.Context, mediaID string) (domain.Media, error) {
	if m.err != nil {
		return domain.Media{}, m.err
	}
	return domain.Media{ID: mediaID, MimeType: "image/jpeg", Data: []byte{0xff, 0xd8}}, nil
}

type mockBlobs struct {
	err error
}

func (m *mockBlobs) Put(_ context.Context, contactID string, media domain.Media) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "s3://advora-media/" + contactID + "/" + media.ID, nil
}

type sent struct {
	to, body string
}

type mockMessenger struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (m *mockMessenger) SendText(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{to: to, body: body})
	return m.err
}

type mockEvents struct {
	docs     []domain.DocumentRecord
	handoffs []domain.HandoffEvent
	err      error
}

func (m *mockEvents) PublishDocument(_ context.Context, rec domain.DocumentRecord) error {
	m.docs = append(m.docs, rec)
	return m.err
}

func (m *mockEvents) PublishHandoff(_ context.Context, ev domain.HandoffEvent) error {
	m.handoffs = append(m.handoffs, ev)
	return m.err
}

type harness struct {
	svc        *IntakeService
	store      *mockStore
	llm        *capturingLLM
	classifier *fixedClassifier
	media      *mockMedia
	messenger  *mockMessenger
	events     *mockEvents
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:      newMockStore(),
		llm:        &capturingLLM{answer: "Olá! Sou a Carolina, da ADVORA."},
		classifier: &fixedClassifier{kind: domain.DocumentOther},
		media:      &mockMedia{},
		messenger:  &mockMessenger{},
		events:     &mockEvents{},
		now:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	svc, err := NewIntakeService(Dependencies{
		Store:      h.store,
		LLM:        h.llm,
		Classifier: h.classifier,
		Media:      h.media,
		Messenger:  h.messenger,
		Blobs:      &mockBlobs{},
		Events:     h.events,
	}, IntakeConfig{
		Model:        "ft:carolina",
		Requirements: domain.DefaultRequirements(),
		Retention:    24 * time.Hour,
		MaxHistory:   20,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return h.now }
	h.svc = svc
	return h
}

func textEvent(text string) domain.InboundEvent {
	return domain.InboundEvent{ContactID: "5511999990000", MessageID: "wamid.T", Kind: domain.EventText, Text: text}
}

func imageEvent(id string) domain.InboundEvent {
	return domain.InboundEvent{ContactID: "5511999990000", MessageID: "wamid." + id, Kind: domain.EventImage, MediaID: id, MimeType: "image/jpeg"}
}

func guidance(msgs []domain.ChatMessage) string {
	return msgs[1].Content
}

func TestNewIntakeService_Validation(t *testing.T) {
	full := Dependencies{
		Store: newMockStore(), LLM: &capturingLLM{}, Classifier: &fixedClassifier{},
		Media: &mockMedia{}, Messenger: &mockMessenger{},
	}
	cfg := IntakeConfig{Model: "m", Requirements: domain.DefaultRequirements()}

	cases := []struct {
		name   string
		mutate func(*Dependencies, *IntakeConfig)
		want   string
	}{
		{"nil store", func(d *Dependencies, _ *IntakeConfig) { d.Store = nil }, "store"},
		{"nil llm", func(d *Dependencies, _ *IntakeConfig) { d.LLM = nil }, "llm"},
		{"nil classifier", func(d *Dependencies, _ *IntakeConfig) { d.Classifier = nil }, "classifier"},
		{"nil media", func(d *Dependencies, _ *IntakeConfig) { d.Media = nil }, "media"},
		{"nil messenger", func(d *Dependencies, _ *IntakeConfig) { d.Messenger = nil }, "messenger"},
		{"no model", func(_ *Dependencies, c *IntakeConfig) { c.Model = " " }, "model"},
		{"no requirements", func(_ *Dependencies, c *IntakeConfig) { c.Requirements = domain.Requirements{} }, "requirements"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, c := full, cfg
			tc.mutate(&d, &c)
			_, err := NewIntakeService(d, c)
			require.ErrorContains(t, err, tc.want)
		})
	}

	svc, err := NewIntakeService(full, cfg)
	require.NoError(t, err)
	require.Equal(t, defaultRetention, svc.retention)
	require.Equal(t, defaultMaxHistory, svc.maxHistory)
}

// Scenario A: first text from an unknown contact.
func TestHandleEvent_FirstTextMessage(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.HandleEvent(context.Background(), textEvent("Estou com problema na conta de luz"))
	require.NoError(t, err)
	require.Equal(t, OutcomeReplied, res.Outcome)
	require.True(t, res.Dispatched)
	require.Equal(t, domain.StageAwaitingDocuments, res.Stage)

	require.Equal(t, 1, h.llm.callCount)
	msgs := h.llm.captured
	require.Len(t, msgs, 3, "persona, guidance, user message")
	require.Equal(t, domain.RoleSystem, msgs[0].Role)
	require.Contains(t, msgs[0].Content, "Carolina")
	require.Contains(t, guidance(msgs), domain.DocumentIdentity.Label())
	require.Contains(t, guidance(msgs), "primeiro contato")
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "Estou com problema na conta de luz"}, msgs[2])

	st := h.store.states["5511999990000"]
	require.Len(t, st.History, 2)
	require.Equal(t, domain.RoleUser, st.History[0].Role)
	require.Equal(t, "Estou com problema na conta de luz", st.History[0].Text)
	require.Equal(t, domain.RoleAssistant, st.History[1].Role)
	require.Equal(t, "Olá! Sou a Carolina, da ADVORA.", st.History[1].Text)
	require.Empty(t, st.Checklist.Received)

	require.Equal(t, []string{"prune", "load", "save"}, h.store.calls)
	require.Equal(t, []sent{{to: "5511999990000", body: "Olá! Sou a Carolina, da ADVORA."}}, h.messenger.sent)
}

// Scenario B: proof of address arrives while identity is still missing.
func TestHandleEvent_ProofOfAddressBeforeIdentity(t *testing.T) {
	h := newHarness(t)
	h.classifier.kind = domain.DocumentProofOfAddress
	h.llm.answer = "Recebi seu comprovante de residência! Agora preciso do seu RG ou CNH."

	ev := imageEvent("img-1")
	ev.Caption = "comprovante"
	res, err := h.svc.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeReplied, res.Outcome)
	require.Equal(t, domain.DocumentProofOfAddress, res.Document)

	st := h.store.states["5511999990000"]
	require.True(t, st.Checklist.Has(domain.DocumentProofOfAddress))
	require.False(t, st.Checklist.Has(domain.DocumentIdentity))
	req := domain.DefaultRequirements()
	require.Equal(t, domain.DocumentIdentity, req.Missing(st.Checklist)[0])

	g := guidance(h.llm.captured)
	require.Contains(t, g, "Peça somente o próximo documento pendente: "+domain.DocumentIdentity.Label())
	require.Contains(t, h.llm.captured[2].Content, domain.DocumentProofOfAddress.Label())
	require.Contains(t, h.llm.captured[2].Content, "Legenda: comprovante")

	require.Equal(t, "comprovante", h.classifier.got.Caption)
	require.Len(t, h.store.docs, 1)
	rec := h.store.docs[0]
	require.Equal(t, "wamid.img-1", rec.ID)
	require.Equal(t, domain.DocumentProofOfAddress, rec.Kind)
	require.Equal(t, "s3://advora-media/5511999990000/img-1", rec.StorageRef)
	require.Equal(t, []domain.DocumentRecord{rec}, h.events.docs)
	require.Empty(t, h.events.handoffs)
}

// Scenario C: the last missing document completes the checklist.
func TestHandleEvent_FinalDocumentCompletesChecklist(t *testing.T) {
	h := newHarness(t)
	st := domain.NewConversationState("5511999990000")
	st.Stage = domain.StageAwaitingDocuments
	st.Checklist.Received[domain.DocumentIdentity] = true
	st.Checklist.Received[domain.DocumentProofOfAddress] = true
	h.store.states["5511999990000"] = st

	h.classifier.kind = domain.DocumentCaseProtocol
	h.llm.answer = "Perfeito, recebi todos os documentos. Um advogado vai analisar seu caso."

	res, err := h.svc.HandleEvent(context.Background(), imageEvent("img-3"))
	require.NoError(t, err)
	require.Equal(t, domain.StageReadyForHandoff, res.Stage)

	g := guidance(h.llm.captured)
	require.Contains(t, g, "Todos os documentos obrigatórios já foram recebidos")
	require.Contains(t, g, "Não peça mais documentos")
	require.NotContains(t, g, "Peça somente")

	require.Len(t, h.events.handoffs, 1)
	hand := h.events.handoffs[0]
	require.Equal(t, "5511999990000", hand.ContactID)
	require.Equal(t, []domain.DocumentKind{domain.DocumentIdentity, domain.DocumentProofOfAddress, domain.DocumentCaseProtocol}, hand.Received)
	require.Equal(t, []domain.HandoffDocument{{
		ID: "wamid.img-3", Kind: domain.DocumentCaseProtocol,
		StorageRef: "s3://advora-media/5511999990000/img-3", ReceivedAt: h.now,
	}}, hand.Documents)

	// Later turns stay ready and do not announce the handoff again.
	_, err = h.svc.HandleEvent(context.Background(), textEvent("Obrigado!"))
	require.NoError(t, err)
	require.Equal(t, domain.StageReadyForHandoff, h.store.states["5511999990000"].Stage)
	require.Len(t, h.events.handoffs, 1)
}

// Scenario D: reply generation fails.
func TestHandleEvent_ReplyGenerationFailure(t *testing.T) {
	h := newHarness(t)
	h.llm.err = &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests, Op: "chat"}

	res, err := h.svc.HandleEvent(context.Background(), textEvent("Oi"))
	require.NoError(t, err)
	require.Equal(t, OutcomeFallback, res.Outcome)
	require.Equal(t, fallbackReply, res.Reply)
	require.Equal(t, []sent{{to: "5511999990000", body: fallbackReply}}, h.messenger.sent)

	st := h.store.states["5511999990000"]
	require.Len(t, st.History, 2)
	require.Equal(t, "Oi", st.History[0].Text)
	require.Equal(t, fallbackReply, st.History[1].Text)
}

func TestHandleEvent_EmptyReplyUsesFallback(t *testing.T) {
	h := newHarness(t)
	h.llm.answer = "   "
	res, err := h.svc.HandleEvent(context.Background(), textEvent("Oi"))
	require.NoError(t, err)
	require.Equal(t, OutcomeFallback, res.Outcome)
	require.Equal(t, fallbackReply, res.Reply)
}

func TestHandleEvent_UnclassifiedDocumentAsksForResend(t *testing.T) {
	h := newHarness(t)
	h.classifier.kind = domain.DocumentOther

	res, err := h.svc.HandleEvent(context.Background(), imageEvent("blurry"))
	require.NoError(t, err)
	require.Equal(t, OutcomeResend, res.Outcome)
	require.Equal(t, resendReply, res.Reply)
	require.Zero(t, h.llm.callCount)

	st := h.store.states["5511999990000"]
	require.Empty(t, st.Checklist.Received)
	require.False(t, st.Checklist.HasClassifiedDocument())
	require.Len(t, st.History, 2)
	require.Equal(t, resendReply, st.History[1].Text)

	require.Len(t, h.store.docs, 1)
	require.Equal(t, domain.DocumentOther, h.store.docs[0].Kind)
}

func TestHandleEvent_MediaDownloadFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.media.err = errors.New("graph api 500")
	h.classifier.kind = domain.DocumentIdentity

	res, err := h.svc.HandleEvent(context.Background(), imageEvent("img-x"))
	require.NoError(t, err)
	require.Equal(t, OutcomeResend, res.Outcome)
	require.Zero(t, h.classifier.calls)
	require.Empty(t, h.store.states["5511999990000"].Checklist.Received)
}

func TestHandleEvent_ArchiveFailureStillClassifies(t *testing.T) {
	h := newHarness(t)
	h.svc.blobs = &mockBlobs{err: errors.New("AccessDenied")}
	h.classifier.kind = domain.DocumentIdentity

	res, err := h.svc.HandleEvent(context.Background(), imageEvent("img-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeReplied, res.Outcome)
	require.True(t, h.store.states["5511999990000"].Checklist.Has(domain.DocumentIdentity))
	require.Empty(t, h.store.docs[0].StorageRef)
}

func TestHandleEvent_UnsupportedType(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.HandleEvent(context.Background(), domain.InboundEvent{
		ContactID: "5511999990000", MessageID: "wamid.A", Kind: domain.EventUnsupported, RawType: "audio",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnsupported, res.Outcome)
	require.Equal(t, []sent{{to: "5511999990000", body: unsupportedReply}}, h.messenger.sent)
	require.Empty(t, h.store.calls, "unsupported messages never touch the store")
	require.Zero(t, h.llm.callCount)
}

func TestHandleEvent_IgnoredEvents(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.HandleEvent(context.Background(), textEvent("   "))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = h.svc.HandleEvent(context.Background(), domain.InboundEvent{Kind: domain.EventText, Text: "oi"})
	require.Equal(t, OutcomeIgnored, res.Outcome)
	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, ErrorInvalidInput, uerr.Code)

	require.Empty(t, h.messenger.sent)
	require.Empty(t, h.store.calls)
}

func TestHandleEvent_LoadFailureSendsFallback(t *testing.T) {
	h := newHarness(t)
	h.store.loadErr = errors.New("ProvisionedThroughputExceededException")

	res, err := h.svc.HandleEvent(context.Background(), textEvent("Oi"))
	require.Error(t, err)
	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, ErrorStore, uerr.Code)
	require.Equal(t, "load_state", uerr.Reason)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, []sent{{to: "5511999990000", body: fallbackReply}}, h.messenger.sent)
	require.Zero(t, h.store.saveCount)
	require.Zero(t, h.llm.callCount)
}

func TestHandleEvent_SaveFailureStillDispatches(t *testing.T) {
	h := newHarness(t)
	h.store.saveErr = errors.New("TransactionCanceledException")

	res, err := h.svc.HandleEvent(context.Background(), textEvent("Oi"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "save_state")
	require.True(t, res.Dispatched)
	require.Len(t, h.messenger.sent, 1)
}

func TestHandleEvent_DispatchFailureIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	h.messenger.err = errors.New("whatsapp down")

	res, err := h.svc.HandleEvent(context.Background(), textEvent("Oi"))
	require.NoError(t, err)
	require.False(t, res.Dispatched)
	require.Len(t, h.store.states["5511999990000"].History, 2, "turn is persisted before dispatch")
}

func TestHandleEvent_PruneFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.store.pruneErr = errors.New("throttled")

	res, err := h.svc.HandleEvent(context.Background(), textEvent("Oi"))
	require.NoError(t, err)
	require.Equal(t, OutcomeReplied, res.Outcome)
}

func TestHandleEvent_ExpiredHistoryIsPruned(t *testing.T) {
	h := newHarness(t)
	st := domain.NewConversationState("5511999990000")
	st.Stage = domain.StageAwaitingDocuments
	st.Append(domain.RoleUser, "mensagem antiga", h.now.Add(-25*time.Hour))
	st.Append(domain.RoleAssistant, "resposta antiga", h.now.Add(-25*time.Hour))
	st.Append(domain.RoleUser, "mensagem recente", h.now.Add(-time.Hour))
	st.Append(domain.RoleAssistant, "resposta recente", h.now.Add(-time.Hour))
	h.store.states["5511999990000"] = st

	_, err := h.svc.HandleEvent(context.Background(), textEvent("continuando"))
	require.NoError(t, err)

	var contents []string
	for _, m := range h.llm.captured[2:] {
		contents = append(contents, m.Content)
	}
	require.Equal(t, []string{"mensagem recente", "resposta recente", "continuando"}, contents)
	require.NotContains(t, guidance(h.llm.captured), "primeiro contato")
	require.Len(t, h.store.states["5511999990000"].History, 4)
}

func TestHandleEvent_HistoryBoundedByMaxEntries(t *testing.T) {
	h := newHarness(t)
	h.svc.maxHistory = 4
	for i := 0; i < 5; i++ {
		_, err := h.svc.HandleEvent(context.Background(), textEvent("msg"))
		require.NoError(t, err)
		h.now = h.now.Add(time.Minute)
	}
	require.Len(t, h.store.states["5511999990000"].History, 4)
	require.LessOrEqual(t, len(h.llm.captured), 4+3)
}

func TestHandleEvent_SameContactIsSerialised(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.HandleEvent(context.Background(), textEvent("oi"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every turn survives: no lost update from concurrent load/save.
	require.Len(t, h.store.states["5511999990000"].History, 20)
	require.Zero(t, h.svc.locks.size())
	require.Equal(t, strings.Repeat("prune,load,save,", 10), strings.Join(h.store.calls, ",")+",")
}

func TestHandleEvent_HandoffListsArchivedDocuments(t *testing.T) {
	h := newHarness(t)
	h.store.states["5511999990000"] = func() domain.ConversationState {
		st := domain.NewConversationState("5511999990000")
		st.Stage = domain.StageAwaitingDocuments
		st.Checklist.Received[domain.DocumentIdentity] = true
		return st
	}()
	h.store.docs = []domain.DocumentRecord{
		{ID: "wamid.old-1", ContactID: "5511999990000", Kind: domain.DocumentIdentity, StorageRef: "s3://b/old-1", ReceivedAt: h.now.Add(-time.Hour)},
		{ID: "wamid.old-2", ContactID: "5511999990000", Kind: domain.DocumentOther, ReceivedAt: h.now.Add(-30 * time.Minute)},
		{ID: "wamid.x", ContactID: "5522", Kind: domain.DocumentIdentity},
	}
	h.classifier.kind = domain.DocumentProofOfAddress
	_, err := h.svc.HandleEvent(context.Background(), imageEvent("img-2"))
	require.NoError(t, err)
	require.Empty(t, h.events.handoffs)

	h.classifier.kind = domain.DocumentCaseProtocol
	_, err = h.svc.HandleEvent(context.Background(), imageEvent("img-3"))
	require.NoError(t, err)
	require.Len(t, h.events.handoffs, 1)

	var ids []string
	for _, d := range h.events.handoffs[0].Documents {
		ids = append(ids, d.ID)
	}
	require.Equal(t, []string{"wamid.old-1", "wamid.img-2", "wamid.img-3"}, ids)
}

func TestHandleEvent_HandoffSurvivesDocumentListingFailure(t *testing.T) {
	h := newHarness(t)
	st := domain.NewConversationState("5511999990000")
	st.Stage = domain.StageAwaitingDocuments
	st.Checklist.Received[domain.DocumentIdentity] = true
	st.Checklist.Received[domain.DocumentProofOfAddress] = true
	h.store.states["5511999990000"] = st
	h.store.docsErr = errors.New("throttled")
	h.classifier.kind = domain.DocumentCaseProtocol

	res, err := h.svc.HandleEvent(context.Background(), imageEvent("img-3"))
	require.NoError(t, err)
	require.Equal(t, domain.StageReadyForHandoff, res.Stage)
	require.Len(t, h.events.handoffs, 1)
	require.Nil(t, h.events.handoffs[0].Documents)
	require.Len(t, h.events.handoffs[0].Received, 3)
}

func TestHandleEvent_RedeliveredDocumentKeepsDeliveryTime(t *testing.T) {
	h := newHarness(t)
	h.classifier.kind = domain.DocumentIdentity
	ev := imageEvent("img-1")
	ev.ReceivedAt = h.now.Add(-5 * time.Second)

	_, err := h.svc.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	h.now = h.now.Add(3 * time.Second)
	_, err = h.svc.HandleEvent(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, h.store.docs, 2)
	require.Equal(t, h.store.docs[0].ID, h.store.docs[1].ID)
	require.Equal(t, ev.ReceivedAt, h.store.docs[0].ReceivedAt)
	require.Equal(t, h.store.docs[0].ReceivedAt, h.store.docs[1].ReceivedAt)
}
