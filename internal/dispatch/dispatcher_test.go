package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/carrier"
	"github.com/lalithlochan/smsrelay/internal/compliance"
	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/queue"
)

// memStore backs both the dispatcher and the compliance gate. It follows the
// repository's rules: messages only move forward and a message reserves
// quota at most once.
type memStore struct {
	mu          sync.Mutex
	msgs        map[uuid.UUID]*db.SMSMessage
	users       map[uuid.UUID]*db.User
	optOuts     map[string]bool
	quota       db.UserQuota
	quotaStates map[uuid.UUID]string
	deadLetters []*db.DeadLetterJob
	ensureErr   error
}

func newMemStore(limit int) *memStore {
	return &memStore{
		msgs:        map[uuid.UUID]*db.SMSMessage{},
		users:       map[uuid.UUID]*db.User{},
		optOuts:     map[string]bool{},
		quota:       db.UserQuota{MonthlyLimit: limit, PeriodStart: db.MonthStart(time.Now())},
		quotaStates: map[uuid.UUID]string{},
	}
}

func (s *memStore) addUser(phone string) uuid.UUID {
	id := uuid.New()
	u := &db.User{ID: id}
	if phone != "" {
		u.PhoneNumber = &phone
	}
	s.users[id] = u
	return id
}

func (s *memStore) message(id uuid.UUID) db.SMSMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.msgs[id]
}

func (s *memStore) EnsureMessage(_ context.Context, msg *db.SMSMessage) (*db.SMSMessage, bool, error) {
	if s.ensureErr != nil {
		return nil, false, s.ensureErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.msgs[msg.ID]; ok {
		cp := *m
		return &cp, false, nil
	}
	m := *msg
	m.Status = db.StatusQueued
	m.QuotaState = db.QuotaNone
	s.msgs[m.ID] = &m
	cp := m
	return &cp, true, nil
}

func (s *memStore) GetUser(_ context.Context, id uuid.UUID) (*db.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (s *memStore) SetMessageContent(_ context.Context, id uuid.UUID, to, body string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.msgs[id]
	if m == nil || m.Status != db.StatusQueued {
		return nil
	}
	m.ToNumber, m.Body, m.Attempts = to, body, attempts
	return nil
}

func (s *memStore) TransitionMessage(_ context.Context, t db.Transition) (*db.SMSMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[t.ID]
	if !ok {
		return nil, false, db.ErrNotFound
	}
	if !db.CanTransition(m.Status, t.To) {
		cp := *m
		return &cp, false, nil
	}
	m.Status = t.To
	if t.Reason != nil {
		m.Reason = t.Reason
	}
	if t.ErrorCode != nil {
		m.ErrorCode = t.ErrorCode
	}
	if t.SetProviderID != nil {
		m.ProviderMessageID = t.SetProviderID
	}
	cp := *m
	return &cp, true, nil
}

func (s *memStore) FailMessage(ctx context.Context, id uuid.UUID, reason, errorCode string, dl *db.DeadLetterJob) (bool, error) {
	t := db.Transition{ID: id, To: db.StatusFailed, Reason: &reason}
	if errorCode != "" {
		t.ErrorCode = &errorCode
	}
	_, applied, err := s.TransitionMessage(ctx, t)
	if err != nil || !applied {
		return false, err
	}
	s.mu.Lock()
	s.deadLetters = append(s.deadLetters, dl)
	s.mu.Unlock()
	return true, nil
}

func (s *memStore) GetQuota(context.Context, uuid.UUID) (*db.UserQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quota
	return &q, nil
}

func (s *memStore) IsOptedOut(_ context.Context, phone string) (bool, error) {
	return s.optOuts[phone], nil
}

func (s *memStore) GetConsent(context.Context, uuid.UUID, string) (*db.Consent, error) {
	return nil, db.ErrNotFound
}

func (s *memStore) ReserveQuota(_ context.Context, _ uuid.UUID, msgID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.quotaStates[msgID]; st == db.QuotaReserved || st == db.QuotaCharged {
		return true, nil
	}
	if s.quota.Usage+s.quota.Reserved >= s.quota.MonthlyLimit {
		return false, nil
	}
	s.quota.Reserved++
	s.quotaStates[msgID] = db.QuotaReserved
	return true, nil
}

func (s *memStore) settle(msgID uuid.UUID, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quotaStates[msgID] != db.QuotaReserved {
		return
	}
	s.quotaStates[msgID] = to
	s.quota.Reserved--
	if to == db.QuotaCharged {
		s.quota.Usage++
	}
}

func (s *memStore) ChargeQuota(_ context.Context, _ uuid.UUID, msgID uuid.UUID) error {
	s.settle(msgID, db.QuotaCharged)
	return nil
}

func (s *memStore) ReleaseQuota(_ context.Context, _ uuid.UUID, msgID uuid.UUID) error {
	s.settle(msgID, db.QuotaReleased)
	return nil
}

type enqueued struct {
	job   *queue.Job
	delay time.Duration
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []enqueued
	acked    []*queue.Delivery
	ready    chan *queue.Delivery
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{ready: make(chan *queue.Delivery, 128)}
}

func (q *fakeQueue) Enqueue(_ context.Context, job *queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, enqueued{job: job, delay: delay})
	return nil
}

func (q *fakeQueue) Receive(ctx context.Context) (*queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-q.ready:
		return d, nil
	}
}

func (q *fakeQueue) Ack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

type fakeCarrier struct {
	calls atomic.Int32
	send  func(ctx context.Context, msg carrier.Outbound) (string, error)
}

func (c *fakeCarrier) Name() string { return "fake" }

func (c *fakeCarrier) Send(ctx context.Context, msg carrier.Outbound) (string, error) {
	n := c.calls.Add(1)
	if c.send != nil {
		return c.send(ctx, msg)
	}
	return fmt.Sprintf("SM%d", n), nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []string
}

func (n *recordingNotifier) Notify(_ context.Context, msg *db.SMSMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, msg.Status)
}

type harness struct {
	store    *memStore
	queue    *fakeQueue
	carrier  *fakeCarrier
	notifier *recordingNotifier
	d        *Dispatcher
	userID   uuid.UUID
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	store := newMemStore(limit)
	h := &harness{
		store:    store,
		queue:    newFakeQueue(),
		carrier:  &fakeCarrier{},
		notifier: &recordingNotifier{},
		userID:   store.addUser("+15551234567"),
	}
	policy := queue.RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: time.Hour, MaxAge: 24 * time.Hour}
	h.d = New(store, compliance.NewGate(store, zap.NewNop()), h.carrier, h.queue, h.notifier,
		Config{Policy: policy, CallbackURL: "https://relay.example.com/webhooks/carrier/status"}, zap.NewNop())
	return h
}

func (h *harness) delivery(attempt int) *queue.Delivery {
	now := time.Now()
	return &queue.Delivery{
		Receipt: "r-" + uuid.NewString(),
		Job: &queue.Job{
			ID:              uuid.New(),
			TenantID:        uuid.New(),
			TenantDomain:    "shop.example.com",
			TriggerID:       uuid.New(),
			EventID:         "evt_1",
			RecipientUserID: h.userID,
			EventType:       "order.shipped",
			Payload:         json.RawMessage(`{"order_id":"A-17"}`),
			MessageTemplate: "Order {{.metadata.order_id}} shipped",
			MessageClass:    db.ClassTransactional,
			Attempt:         attempt,
			FirstEnqueuedAt: now,
			EnqueuedAt:      now,
		},
	}
}

func TestProcess_SendsAndCharges(t *testing.T) {
	h := newHarness(t, 10)
	dl := h.delivery(0)

	if err := h.d.Process(context.Background(), dl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := h.store.message(dl.Job.ID)
	if msg.Status != db.StatusSent {
		t.Fatalf("status = %s, want sent", msg.Status)
	}
	if msg.ProviderMessageID == nil || *msg.ProviderMessageID != "SM1" {
		t.Errorf("provider id = %v", msg.ProviderMessageID)
	}
	if msg.Body != "Order A-17 shipped" {
		t.Errorf("body = %q", msg.Body)
	}
	if msg.ToNumber != "+15551234567" || msg.Attempts != 1 {
		t.Errorf("to=%q attempts=%d", msg.ToNumber, msg.Attempts)
	}
	if h.store.quota.Usage != 1 || h.store.quota.Reserved != 0 {
		t.Errorf("quota usage=%d reserved=%d", h.store.quota.Usage, h.store.quota.Reserved)
	}
	if h.queue.ackCount() != 1 {
		t.Errorf("acks = %d, want 1", h.queue.ackCount())
	}
	if len(h.notifier.statuses) != 1 || h.notifier.statuses[0] != db.StatusSent {
		t.Errorf("notified %v", h.notifier.statuses)
	}
}

func TestProcess_DuplicateDeliveryDoesNotResend(t *testing.T) {
	h := newHarness(t, 10)
	dl := h.delivery(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.d.Process(ctx, dl); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if got := h.carrier.calls.Load(); got != 1 {
		t.Errorf("carrier called %d times, want 1", got)
	}
	if h.store.quota.Usage != 1 {
		t.Errorf("usage = %d, want 1", h.store.quota.Usage)
	}
	if h.queue.ackCount() != 3 {
		t.Errorf("every delivery should be acked, got %d", h.queue.ackCount())
	}
}

func TestProcess_StaleAttemptIsDropped(t *testing.T) {
	h := newHarness(t, 10)
	dl := h.delivery(0)
	h.store.msgs[dl.Job.ID] = &db.SMSMessage{ID: dl.Job.ID, Status: db.StatusQueued, Attempts: 3}

	if err := h.d.Process(context.Background(), dl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.carrier.calls.Load() != 0 {
		t.Error("a stale attempt must not reach the carrier")
	}
	if h.queue.ackCount() != 1 {
		t.Error("stale delivery should be acked")
	}
}

func TestProcess_ComplianceDenialSkips(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		optOut bool
		reason string
	}{
		{"quota exhausted", 0, false, compliance.ReasonQuotaExceeded},
		{"opted out", 10, true, compliance.ReasonOptedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.limit)
			h.store.optOuts["+15551234567"] = tt.optOut
			dl := h.delivery(0)

			if err := h.d.Process(context.Background(), dl); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			msg := h.store.message(dl.Job.ID)
			if msg.Status != db.StatusSkipped {
				t.Fatalf("status = %s, want skipped", msg.Status)
			}
			if msg.Reason == nil || *msg.Reason != tt.reason {
				t.Errorf("reason = %v, want %s", msg.Reason, tt.reason)
			}
			if h.carrier.calls.Load() != 0 {
				t.Error("skipped message reached the carrier")
			}
			if h.queue.ackCount() != 1 {
				t.Error("skip should ack")
			}
		})
	}
}

func TestProcess_RetryableFailureSchedulesNextAttempt(t *testing.T) {
	h := newHarness(t, 10)
	h.carrier.send = func(context.Context, carrier.Outbound) (string, error) {
		return "", carrier.Retryablef("fake", nil, "status 503")
	}
	dl := h.delivery(0)

	if err := h.d.Process(context.Background(), dl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.queue.enqueued) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(h.queue.enqueued))
	}
	next := h.queue.enqueued[0]
	if next.job.ID != dl.Job.ID || next.job.Attempt != 1 {
		t.Errorf("next job id=%s attempt=%d", next.job.ID, next.job.Attempt)
	}
	if next.delay != 30*time.Second {
		t.Errorf("delay = %v, want 30s", next.delay)
	}
	if msg := h.store.message(dl.Job.ID); msg.Status != db.StatusQueued {
		t.Errorf("status = %s, want queued", msg.Status)
	}
	if h.store.quota.Reserved != 0 || h.store.quota.Usage != 0 {
		t.Errorf("reservation not released: %+v", h.store.quota)
	}
	if h.queue.ackCount() != 1 {
		t.Error("the failed delivery should be acked once its retry is scheduled")
	}

	// the retry goes through on the next attempt
	h.carrier.send = nil
	if err := h.d.Process(context.Background(), &queue.Delivery{Job: next.job}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if msg := h.store.message(dl.Job.ID); msg.Status != db.StatusSent || msg.Attempts != 2 {
		t.Errorf("after retry status=%s attempts=%d", msg.Status, msg.Attempts)
	}
}

func TestProcess_BackoffGrowsWithAttempt(t *testing.T) {
	h := newHarness(t, 10)
	h.carrier.send = func(context.Context, carrier.Outbound) (string, error) {
		return "", carrier.Retryablef("fake", nil, "status 429")
	}
	dl := h.delivery(1)

	if err := h.d.Process(context.Background(), dl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.queue.enqueued[0].delay; got != time.Minute {
		t.Errorf("delay = %v, want 1m", got)
	}
}

func TestProcess_TerminalFailureDeadLetters(t *testing.T) {
	h := newHarness(t, 10)
	h.carrier.send = func(context.Context, carrier.Outbound) (string, error) {
		return "", carrier.Terminalf("fake", "21211", nil, "invalid 'To' phone number")
	}
	dl := h.delivery(0)

	if err := h.d.Process(context.Background(), dl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := h.store.message(dl.Job.ID)
	if msg.Status != db.StatusFailed {
		t.Fatalf("status = %s, want failed", msg.Status)
	}
	if *msg.Reason != ReasonCarrierRejected || msg.ErrorCode == nil || *msg.ErrorCode != "21211" {
		t.Errorf("reason=%v code=%v", *msg.Reason, msg.ErrorCode)
	}
	if len(h.queue.enqueued) != 0 {
		t.Error("terminal failures are not retried")
	}
	if len(h.store.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(h.store.deadLetters))
	}
	var parked queue.Job
	if err := json.Unmarshal(h.store.deadLetters[0].Job, &parked); err != nil {
		t.Fatalf("dead letter job: %v", err)
	}
	if parked.ID != dl.Job.ID {
		t.Errorf("parked job id = %s", parked.ID)
	}
	if h.store.quota.Usage != 0 {
		t.Error("failed sends are not charged")
	}
	if len(h.notifier.statuses) != 1 || h.notifier.statuses[0] != db.StatusFailed {
		t.Errorf("notified %v", h.notifier.statuses)
	}
}

func TestProcess_RetriesExhausted(t *testing.T) {
	h := newHarness(t, 10)
	h.carrier.send = func(context.Context, carrier.Outbound) (string, error) {
		return "", errors.New("connection reset")
	}
	dl := h.delivery(2) // MaxAttempts is 3

	if err := h.d.Process(context.Background(), dl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := h.store.message(dl.Job.ID)
	if msg.Status != db.StatusFailed || *msg.Reason != ReasonRetriesExhausted {
		t.Errorf("status=%s reason=%v", msg.Status, *msg.Reason)
	}
	if len(h.queue.enqueued) != 0 {
		t.Error("no retry after the last attempt")
	}
	if h.store.deadLetters[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", h.store.deadLetters[0].Attempts)
	}
}

func TestProcess_RetryWindowExceeded(t *testing.T) {
	h := newHarness(t, 10)
	dl := h.delivery(1)
	dl.Job.FirstEnqueuedAt = time.Now().Add(-25 * time.Hour)

	if err := h.d.Process(context.Background(), dl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := h.store.message(dl.Job.ID)
	if msg.Status != db.StatusFailed || *msg.Reason != ReasonRetryWindowExceeded {
		t.Errorf("status=%s reason=%v", msg.Status, *msg.Reason)
	}
	if h.carrier.calls.Load() != 0 {
		t.Error("expired job reached the carrier")
	}
}

func TestProcess_InvalidDestination(t *testing.T) {
	h := newHarness(t, 10)
	dl := h.delivery(0)
	dl.Job.RecipientUserID = h.store.addUser("")

	if err := h.d.Process(context.Background(), dl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := h.store.message(dl.Job.ID)
	if msg.Status != db.StatusFailed || *msg.Reason != ReasonInvalidDestination {
		t.Errorf("status=%s reason=%v", msg.Status, *msg.Reason)
	}
}

func TestProcess_TemplateErrorReleasesQuota(t *testing.T) {
	h := newHarness(t, 10)
	dl := h.delivery(0)
	dl.Job.MessageTemplate = "Order {{.metadata.order_id"

	if err := h.d.Process(context.Background(), dl); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := h.store.message(dl.Job.ID)
	if msg.Status != db.StatusFailed || *msg.Reason != ReasonTemplateError {
		t.Errorf("status=%s reason=%v", msg.Status, *msg.Reason)
	}
	if h.store.quota.Reserved != 0 {
		t.Error("reservation should be released")
	}
}

func TestProcess_InfrastructureErrorLeavesDeliveryUnacked(t *testing.T) {
	h := newHarness(t, 10)
	h.store.ensureErr = errors.New("connection refused")

	if err := h.d.Process(context.Background(), h.delivery(0)); err == nil {
		t.Fatal("expected error")
	}
	if h.queue.ackCount() != 0 {
		t.Error("delivery must stay on the queue for redelivery")
	}
}

func TestProcess_CancelledSendIsRedelivered(t *testing.T) {
	h := newHarness(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	h.carrier.send = func(ctx context.Context, _ carrier.Outbound) (string, error) {
		cancel()
		return "", ctx.Err()
	}
	dl := h.delivery(0)

	if err := h.d.Process(ctx, dl); err == nil {
		t.Fatal("expected error")
	}
	if h.queue.ackCount() != 0 || len(h.queue.enqueued) != 0 {
		t.Error("an interrupted send is neither acked nor rescheduled")
	}
	if h.store.quota.Reserved != 0 {
		t.Error("reservation should be released")
	}
	if msg := h.store.message(dl.Job.ID); msg.Status != db.StatusQueued {
		t.Errorf("status = %s, want queued", msg.Status)
	}
}

func TestProcess_ConcurrentJobsRespectQuota(t *testing.T) {
	h := newHarness(t, 10)

	var wg sync.WaitGroup
	jobs := make([]*queue.Delivery, 100)
	for i := range jobs {
		jobs[i] = h.delivery(0)
	}
	for _, dl := range jobs {
		wg.Add(1)
		go func(dl *queue.Delivery) {
			defer wg.Done()
			if err := h.d.Process(context.Background(), dl); err != nil {
				t.Errorf("process: %v", err)
			}
		}(dl)
	}
	wg.Wait()

	counts := map[string]int{}
	for _, dl := range jobs {
		msg := h.store.message(dl.Job.ID)
		counts[msg.Status]++
		if msg.Status == db.StatusSkipped && !strings.EqualFold(*msg.Reason, compliance.ReasonQuotaExceeded) {
			t.Errorf("skip reason = %s", *msg.Reason)
		}
	}
	if counts[db.StatusSent] != 10 || counts[db.StatusSkipped] != 90 {
		t.Errorf("outcomes = %v, want 10 sent and 90 skipped", counts)
	}
	if got := h.carrier.calls.Load(); got != 10 {
		t.Errorf("carrier calls = %d, want 10", got)
	}
	if h.store.quota.Usage != 10 {
		t.Errorf("usage = %d, want 10", h.store.quota.Usage)
	}
}
