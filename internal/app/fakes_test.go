package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/internal/store"
	"github.com/recoup/collections-service/pkg/agencyclient"
	"github.com/recoup/collections-service/pkg/providerclient"
	"github.com/recoup/collections-service/pkg/resilient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory stand-in for store.Repository. Conditional updates follow the
// same WHERE clauses as the SQL so races behave the same way.
type memStore struct {
	mu sync.Mutex

	actors         map[string]domain.Actor
	consents       map[string]domain.RecipientConsent
	invoices       map[string]domain.Invoice
	attempts       map[string][]domain.CollectionAttempt
	confirmations  map[string]domain.PaymentConfirmation
	settlements    []domain.Settlement
	handoffs       map[string]domain.AgencyHandoff
	handoffUpdates []store.HandoffUpdateParams
	calls          []domain.FailedCall
	nextCallID     int64

	actorErr         error
	candidateErr     error
	createHandoffErr error
	resolveErr       error

	// beforeCommit runs inside CommitEscalation before the claim token is checked.
	beforeCommit func(invoiceID string)
}

func newMemStore() *memStore {
	return &memStore{
		actors:        make(map[string]domain.Actor),
		consents:      make(map[string]domain.RecipientConsent),
		invoices:      make(map[string]domain.Invoice),
		attempts:      make(map[string][]domain.CollectionAttempt),
		confirmations: make(map[string]domain.PaymentConfirmation),
		handoffs:      make(map[string]domain.AgencyHandoff),
	}
}

func consentKey(clientID string, channel domain.Channel) string {
	return clientID + "|" + string(channel)
}

func (m *memStore) putActor(actor domain.Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors[actor.ID] = actor
}

func (m *memStore) putConsent(consent domain.RecipientConsent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consents[consentKey(consent.ClientID, consent.Channel)] = consent
}

func (m *memStore) putInvoice(invoice domain.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[invoice.ID] = invoice
}

func (m *memStore) putConfirmation(c domain.PaymentConfirmation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations[c.ID] = c
}

func (m *memStore) invoice(id string) domain.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoices[id]
}

func (m *memStore) attemptsFor(id string) []domain.CollectionAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CollectionAttempt(nil), m.attempts[id]...)
}

func (m *memStore) confirmation(id string) domain.PaymentConfirmation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmations[id]
}

func (m *memStore) failedCalls() []domain.FailedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.FailedCall(nil), m.calls...)
}

// QuotaStore

func (m *memStore) GetActor(ctx context.Context, actorID string) (*domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actorErr != nil {
		return nil, m.actorErr
	}
	actor, ok := m.actors[actorID]
	if !ok {
		return nil, domain.ErrActorNotFound
	}
	return &actor, nil
}

func (m *memStore) GetConsent(ctx context.Context, clientID string, channel domain.Channel) (*domain.RecipientConsent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	consent, ok := m.consents[consentKey(clientID, channel)]
	if !ok {
		return nil, nil
	}
	return &consent, nil
}

func (m *memStore) RecordOptOut(ctx context.Context, clientID string, channel domain.Channel, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := consentKey(clientID, channel)
	consent := m.consents[key]
	consent.ClientID = clientID
	consent.Channel = channel
	consent.OptedOut = true
	consent.OptedOutAt = &at
	consent.UpdatedAt = at
	m.consents[key] = consent
	return nil
}

// Invoices and escalation

func (m *memStore) blockedLocked(invoiceID string) bool {
	for _, c := range m.confirmations {
		if c.InvoiceID == invoiceID && c.Status.BlocksEscalation() {
			return true
		}
	}
	return false
}

func (m *memStore) GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	invoice, ok := m.invoices[invoiceID]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	return &invoice, nil
}

func (m *memStore) ListEscalationCandidates(ctx context.Context, params store.ListCandidatesParams) ([]domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidateErr != nil {
		return nil, m.candidateErr
	}
	var out []domain.Invoice
	for _, inv := range m.invoices {
		switch {
		case !inv.Status.Collectable(), !inv.CollectionsEnabled, inv.EscalationPaused:
			continue
		case inv.EscalationLevel == domain.LevelAgency:
			continue
		case DaysOverdue(inv.DueDate, params.Now, params.Location) < params.MinOverdueDays:
			continue
		case inv.NextReminderAt != nil && inv.NextReminderAt.After(params.Now):
			continue
		case inv.ClaimExpiresAt != nil && inv.ClaimExpiresAt.After(params.Now):
			continue
		case m.blockedLocked(inv.ID):
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

func (m *memStore) HasBlockingConfirmation(ctx context.Context, invoiceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockedLocked(invoiceID), nil
}

func (m *memStore) ClaimEscalation(ctx context.Context, params store.ClaimEscalationParams) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[params.InvoiceID]
	if !ok ||
		inv.Version != params.ExpectedVersion ||
		inv.EscalationLevel != params.FromLevel ||
		!inv.Status.Collectable() ||
		!inv.CollectionsEnabled ||
		inv.EscalationPaused ||
		(inv.ClaimExpiresAt != nil && inv.ClaimExpiresAt.After(params.Now)) ||
		m.blockedLocked(inv.ID) {
		return nil, domain.ErrVersionConflict
	}
	token := params.ClaimToken
	level := params.ToLevel
	lease := params.LeaseUntil
	inv.ClaimToken = &token
	inv.ClaimLevel = &level
	inv.ClaimExpiresAt = &lease
	inv.Version++
	m.invoices[inv.ID] = inv
	return &inv, nil
}

func (m *memStore) CommitEscalation(ctx context.Context, params store.CommitEscalationParams) (*domain.Invoice, error) {
	if m.beforeCommit != nil {
		m.beforeCommit(params.InvoiceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[params.InvoiceID]
	if !ok || inv.ClaimToken == nil || *inv.ClaimToken != params.ClaimToken {
		return nil, domain.ErrVersionConflict
	}
	if inv.Status.IsTerminal() {
		inv.NextReminderAt = nil
	} else {
		inv.EscalationLevel = params.Level
		inv.NextReminderAt = params.NextReminderAt
	}
	inv.SetSentAt(params.Level, params.SentAt)
	if inv.Status == domain.InvoiceStatusSent || inv.Status == domain.InvoiceStatusOverdue {
		inv.Status = domain.InvoiceStatusInCollections
	}
	inv.ClaimToken, inv.ClaimLevel, inv.ClaimExpiresAt = nil, nil, nil
	inv.Version++
	m.invoices[inv.ID] = inv

	attempt := params.Attempt
	attempt.InvoiceID = inv.ID
	attempt.AttemptNumber = len(m.attempts[inv.ID]) + 1
	m.attempts[inv.ID] = append(m.attempts[inv.ID], attempt)
	return &inv, nil
}

func (m *memStore) ReleaseEscalation(ctx context.Context, invoiceID, claimToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[invoiceID]
	if !ok || inv.ClaimToken == nil || *inv.ClaimToken != claimToken {
		return nil
	}
	inv.ClaimToken, inv.ClaimLevel, inv.ClaimExpiresAt = nil, nil, nil
	inv.Version++
	m.invoices[invoiceID] = inv
	return nil
}

func (m *memStore) SetEscalationPaused(ctx context.Context, invoiceID string, paused bool) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	inv.EscalationPaused = paused
	inv.Version++
	m.invoices[invoiceID] = inv
	return &inv, nil
}

func (m *memStore) ListAttempts(ctx context.Context, invoiceID string) ([]domain.CollectionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CollectionAttempt(nil), m.attempts[invoiceID]...), nil
}

func (m *memStore) ResolvePendingAttempt(ctx context.Context, providerMessageID string, result domain.AttemptResult, reason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolveErr != nil {
		return false, m.resolveErr
	}
	resolved := false
	for id, attempts := range m.attempts {
		for i := range attempts {
			a := &attempts[i]
			if a.ProviderMessageID == nil || *a.ProviderMessageID != providerMessageID || a.Result != domain.AttemptPending {
				continue
			}
			a.Result = result
			if reason != nil {
				a.FailureReason = reason
			}
			resolved = true
		}
		m.attempts[id] = attempts
	}
	return resolved, nil
}

// Agency handoffs

func (m *memStore) CreateHandoff(ctx context.Context, handoff domain.AgencyHandoff) (*domain.AgencyHandoff, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createHandoffErr != nil {
		return nil, false, m.createHandoffErr
	}
	for _, existing := range m.handoffs {
		if existing.InvoiceID == handoff.InvoiceID {
			return &existing, false, nil
		}
	}
	m.handoffs[handoff.ID] = handoff
	return &handoff, true, nil
}

func (m *memStore) GetHandoff(ctx context.Context, handoffID string) (*domain.AgencyHandoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handoffs[handoffID]
	if !ok {
		return nil, domain.ErrHandoffNotFound
	}
	return &h, nil
}

func (m *memStore) handoffForInvoice(invoiceID string) (domain.AgencyHandoff, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handoffs {
		if h.InvoiceID == invoiceID {
			return h, true
		}
	}
	return domain.AgencyHandoff{}, false
}

func (m *memStore) MarkHandoffSubmitted(ctx context.Context, handoffID, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handoffs[handoffID]
	if !ok || h.Status != domain.HandoffPending {
		return nil
	}
	h.Status = domain.HandoffSubmitted
	h.ExternalReference = &externalRef
	m.handoffs[handoffID] = h
	return nil
}

func (m *memStore) AppendHandoffUpdate(ctx context.Context, params store.HandoffUpdateParams) (*domain.AgencyHandoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handoffs[params.HandoffID]
	if !ok {
		return nil, domain.ErrHandoffNotFound
	}
	h.Status = params.Status
	if params.RecoveryOutcome != nil {
		h.RecoveryOutcome = params.RecoveryOutcome
	}
	if params.ExternalRef != nil {
		h.ExternalReference = params.ExternalRef
	}
	if params.RecoveredAmount != nil {
		recovered := *params.RecoveredAmount
		h.RecoveredAmount = &recovered
		h.OutstandingAmount = decimal.Max(h.OriginalAmount.Sub(recovered), decimal.Zero)
	}
	m.handoffs[h.ID] = h
	m.handoffUpdates = append(m.handoffUpdates, params)
	return &h, nil
}

// Payment confirmations

func (m *memStore) CreateConfirmation(ctx context.Context, c domain.PaymentConfirmation) (*domain.PaymentConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.confirmations {
		if existing.InvoiceID == c.InvoiceID &&
			(existing.Status == domain.ConfirmationPendingClient || existing.Status == domain.ConfirmationClientConfirmed) {
			return nil, domain.ErrConfirmationActive
		}
	}
	c.Version = 1
	m.confirmations[c.ID] = c
	return &c, nil
}

func (m *memStore) GetConfirmationByID(ctx context.Context, id string) (*domain.PaymentConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmations[id]
	if !ok {
		return nil, domain.ErrConfirmationNotFound
	}
	return &c, nil
}

func (m *memStore) GetConfirmationByTokenHash(ctx context.Context, tokenHash string) (*domain.PaymentConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.confirmations {
		if c.TokenHash == tokenHash {
			return &c, nil
		}
	}
	return nil, domain.ErrConfirmationNotFound
}

func (m *memStore) RecordClientClaim(ctx context.Context, params store.ClientClaimParams) (*domain.PaymentConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmations[params.ConfirmationID]
	if !ok || c.Version != params.ExpectedVersion || c.Status != domain.ConfirmationPendingClient || !c.TokenExpiresAt.After(params.Now) {
		return nil, domain.ErrVersionConflict
	}
	amount, method, paidOn, now := params.Amount, params.Method, params.PaidOn, params.Now
	c.Status = domain.ConfirmationClientConfirmed
	c.ClientAmount = &amount
	c.ClientMethod = &method
	c.ClientPaidOn = &paidOn
	c.ClientNotes = params.Notes
	c.ClientConfirmedAt = &now
	c.Version++
	m.confirmations[c.ID] = c
	return &c, nil
}

func (m *memStore) SettleConfirmation(ctx context.Context, params store.SettleParams) (*domain.PaymentConfirmation, *domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmations[params.ConfirmationID]
	if !ok || c.Version != params.ExpectedVersion || c.Status != domain.ConfirmationClientConfirmed {
		return nil, nil, domain.ErrVersionConflict
	}
	if params.RequireLiveToken && !c.TokenExpiresAt.After(params.Now) {
		return nil, nil, domain.ErrVersionConflict
	}
	inv, ok := m.invoices[c.InvoiceID]
	if !ok || inv.Status.IsTerminal() {
		return nil, nil, domain.ErrInvoiceClosed
	}

	now, verifiedBy := params.Now, params.VerifiedBy
	c.Status = domain.ConfirmationBothConfirmed
	c.VerifiedAt = &now
	c.VerifiedBy = &verifiedBy
	c.Version++
	m.confirmations[c.ID] = c

	inv.Status = domain.InvoiceStatusPaid
	inv.PaidAt = &now
	inv.NextReminderAt = nil
	inv.ClaimToken, inv.ClaimLevel, inv.ClaimExpiresAt = nil, nil, nil
	inv.Version++
	m.invoices[inv.ID] = inv

	s := domain.Settlement{
		ID:             params.SettlementID,
		InvoiceID:      c.InvoiceID,
		ConfirmationID: c.ID,
		Amount:         params.Amount,
		Method:         params.Method,
		PaidOn:         params.PaidOn,
		VerifiedBy:     params.VerifiedBy,
		CreatedAt:      now,
	}
	m.settlements = append(m.settlements, s)
	return &c, &s, nil
}

func (m *memStore) CancelConfirmation(ctx context.Context, params store.CancelConfirmationParams) (*domain.PaymentConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmations[params.ConfirmationID]
	if !ok || c.Version != params.ExpectedVersion {
		return nil, domain.ErrVersionConflict
	}
	allowed := false
	for _, s := range params.FromStatuses {
		if c.Status == s {
			allowed = true
		}
	}
	if !allowed || (params.RequireLiveToken && !c.TokenExpiresAt.After(params.Now)) {
		return nil, domain.ErrVersionConflict
	}
	now := params.Now
	c.Status = domain.ConfirmationCancelled
	c.CancelledAt = &now
	c.CancelReason = params.Reason
	c.Version++
	m.confirmations[c.ID] = c
	return &c, nil
}

func (m *memStore) ExpireConfirmations(ctx context.Context, now time.Time, limit int) ([]domain.PaymentConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentConfirmation
	for id, c := range m.confirmations {
		if (c.Status == domain.ConfirmationPendingClient || c.Status == domain.ConfirmationClientConfirmed) && !c.TokenExpiresAt.After(now) {
			c.Status = domain.ConfirmationExpired
			c.Version++
			m.confirmations[id] = c
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ListExpiredConfirmations(ctx context.Context, now time.Time, status domain.ConfirmationStatus, limit int) ([]domain.PaymentConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentConfirmation
	for _, c := range m.confirmations {
		if c.Status == status && !c.TokenExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Failure journal

func (m *memStore) RecordFailedCall(ctx context.Context, call domain.FailedCall) (*domain.FailedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.calls {
		existing := &m.calls[i]
		if existing.Source != call.Source || existing.EventID != call.EventID {
			continue
		}
		existing.Payload = call.Payload
		existing.Error = call.Error
		existing.RetryCount++
		if existing.Status != domain.FailedCallResolved {
			existing.Status = call.Status
		}
		existing.NextRetryAt = call.NextRetryAt
		out := *existing
		return &out, nil
	}
	m.nextCallID++
	call.ID = m.nextCallID
	m.calls = append(m.calls, call)
	return &call, nil
}

func (m *memStore) ClaimDueFailedCalls(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.FailedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FailedCall
	for i := range m.calls {
		c := &m.calls[i]
		if c.Status != domain.FailedCallPendingRetry || c.NextRetryAt.After(now) {
			continue
		}
		c.NextRetryAt = now.Add(lease)
		c.RetryCount++
		out = append(out, *c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) updateCall(id int64, fn func(c *domain.FailedCall)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.calls {
		if m.calls[i].ID == id {
			fn(&m.calls[i])
			return nil
		}
	}
	return errors.New("failed call not found")
}

func (m *memStore) MarkFailedCallResolved(ctx context.Context, id int64) error {
	return m.updateCall(id, func(c *domain.FailedCall) {
		c.Status = domain.FailedCallResolved
		c.Error = ""
	})
}

func (m *memStore) MarkFailedCallRetry(ctx context.Context, id int64, lastErr string, nextRetryAt time.Time) error {
	return m.updateCall(id, func(c *domain.FailedCall) {
		c.Status = domain.FailedCallPendingRetry
		c.Error = lastErr
		c.NextRetryAt = nextRetryAt
	})
}

func (m *memStore) MarkFailedCallDeadLetter(ctx context.Context, id int64, lastErr string) error {
	return m.updateCall(id, func(c *domain.FailedCall) {
		c.Status = domain.FailedCallDeadLetter
		c.Error = lastErr
	})
}

// stubProvider answers sends from a per-channel function and records every message.
type stubProvider struct {
	mu       sync.Mutex
	messages []providerclient.Message
	answers  map[string]func(msg providerclient.Message) (*providerclient.Result, error)
}

func newStubProvider() *stubProvider {
	return &stubProvider{answers: make(map[string]func(providerclient.Message) (*providerclient.Result, error))}
}

func (p *stubProvider) on(channel domain.Channel, fn func(msg providerclient.Message) (*providerclient.Result, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers[string(channel)] = fn
}

func (p *stubProvider) Send(ctx context.Context, msg providerclient.Message) (*providerclient.Result, error) {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	fn := p.answers[msg.Channel]
	p.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return &providerclient.Result{Status: providerclient.StatusDelivered, MessageID: "msg-" + msg.Reference}, nil
}

func (p *stubProvider) sent() []providerclient.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerclient.Message(nil), p.messages...)
}

func answer(status providerclient.Status, detail string) func(providerclient.Message) (*providerclient.Result, error) {
	return func(msg providerclient.Message) (*providerclient.Result, error) {
		return &providerclient.Result{Status: status, MessageID: "msg-" + msg.Reference, Detail: detail}, nil
	}
}

func failWith(err error) func(providerclient.Message) (*providerclient.Result, error) {
	return func(providerclient.Message) (*providerclient.Result, error) {
		return nil, err
	}
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []interface{}
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.events = append(p.events, payload)
	return nil
}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == routingKey {
			n++
		}
	}
	return n
}

type stubAgency struct {
	mu        sync.Mutex
	referrals []agencyclient.Referral
	err       error
}

func (a *stubAgency) Submit(ctx context.Context, referral agencyclient.Referral) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.referrals = append(a.referrals, referral)
	if a.err != nil {
		return "", a.err
	}
	return "AG-" + referral.InvoiceID, nil
}

func (a *stubAgency) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.referrals)
}

const (
	testActorID  = "user-1"
	testClientID = "client-1"
)

var testNow = time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testSchedule() Schedule {
	s := DefaultSchedule()
	s.Location = time.UTC
	return s
}

// overdueInvoice returns a collectable invoice due the given number of days before testNow.
func overdueInvoice(id string, days int) domain.Invoice {
	phone := "+447700900123"
	address := "1 High Street, London"
	return domain.Invoice{
		ID:                 id,
		UserID:             testActorID,
		ClientID:           testClientID,
		ClientName:         "Acme Ltd",
		ClientEmail:        "accounts@acme.test",
		ClientPhone:        &phone,
		ClientAddress:      &address,
		Reference:          "INV-" + id,
		Amount:             decimal.RequireFromString("500.00"),
		Currency:           "GBP",
		DueDate:            time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -days),
		Status:             domain.InvoiceStatusSent,
		EscalationLevel:    domain.LevelPending,
		CollectionsEnabled: true,
		Version:            1,
	}
}

// harness wires the escalation stack over memStore with a fixed clock.
type harness struct {
	store     *memStore
	provider  *stubProvider
	events    *recordingPublisher
	agency    *stubAgency
	counter   *MemoryUsageCounter
	gate      *QuotaGate
	notifier  *Notifier
	journal   *Journal
	handoffs  *HandoffService
	escalator *Escalator
	sweeper   *Sweeper
}

func newHarness(t *testing.T, tier domain.Tier) *harness {
	t.Helper()
	logger := discardLogger()
	h := &harness{
		store:    newMemStore(),
		provider: newStubProvider(),
		events:   &recordingPublisher{},
		agency:   &stubAgency{},
		counter:  NewMemoryUsageCounter(),
	}
	h.store.putActor(domain.Actor{ID: testActorID, Tier: tier})
	for _, ch := range []domain.Channel{domain.ChannelSMS, domain.ChannelVoice, domain.ChannelLetter} {
		h.store.putConsent(domain.RecipientConsent{ClientID: testClientID, Channel: ch, Granted: true})
	}

	h.gate = NewQuotaGate(h.store, h.counter, nil, logger)
	h.gate.now = fixedClock(testNow)
	h.notifier = NewNotifier(h.gate, h.provider, nil, logger)
	h.notifier.now = fixedClock(testNow)
	h.journal = NewJournal(h.store, 3, nil, logger)
	h.journal.now = fixedClock(testNow)
	h.handoffs = NewHandoffService(h.store, h.agency, h.gate, h.events, h.journal, HandoffConfig{
		AgencyID:          "agency-1",
		AgencyName:        "Partner Agency",
		CommissionPercent: decimal.NewFromInt(15),
	}, logger)
	h.handoffs.now = fixedClock(testNow)
	h.escalator = NewEscalator(h.store, h.notifier, h.gate, h.handoffs, h.events, testSchedule(), time.Minute, nil, logger)
	h.sweeper = NewSweeper(h.store, h.escalator, 4, 0, nil, logger)
	h.sweeper.now = fixedClock(testNow)
	return h
}

func (h *harness) usage(action domain.Action) int64 {
	start, _ := quotaPeriod(testNow)
	n, _ := h.counter.Get(context.Background(), usageKey(testActorID, action, start))
	return n
}

// immediateRetrier runs the operation once with no backoff.
type immediateRetrier struct {
	calls int
}

func (r *immediateRetrier) Retry(ctx context.Context, policy resilient.Policy, op func(ctx context.Context) error) error {
	r.calls++
	return op(ctx)
}
