package status

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/sns"
)

type memStore struct {
	mu   sync.Mutex
	msgs map[string]*db.SMSMessage // keyed by provider id
	err  error
}

func newMemStore(msgs ...*db.SMSMessage) *memStore {
	s := &memStore{msgs: map[string]*db.SMSMessage{}}
	for _, m := range msgs {
		s.msgs[*m.ProviderMessageID] = m
	}
	return s
}

func (s *memStore) TransitionMessage(_ context.Context, t db.Transition) (*db.SMSMessage, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[t.ProviderMessageID]
	if !ok {
		return nil, false, db.ErrNotFound
	}
	if !db.CanTransition(m.Status, t.To) {
		cp := *m
		return &cp, false, nil
	}
	m.Status = t.To
	if t.ErrorCode != nil {
		m.ErrorCode = t.ErrorCode
	}
	if t.Reason != nil {
		m.Reason = t.Reason
	}
	cp := *m
	return &cp, true, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []sns.StatusEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt sns.StatusEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return "id", p.err
}

func sentMessage(providerID string) *db.SMSMessage {
	return &db.SMSMessage{ID: uuid.New(), TenantID: uuid.New(), Status: db.StatusSent, ProviderMessageID: &providerID}
}

func TestMapCarrierStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"queued", "", false},
		{"accepted", "", false},
		{"sending", "", false},
		{"sent", db.StatusSent, true},
		{"delivered", db.StatusDelivered, true},
		{"DELIVERED", db.StatusDelivered, true},
		{"failed", db.StatusFailed, true},
		{"undelivered", db.StatusUndelivered, true},
		{"bogus", "", false},
	}
	for _, tt := range tests {
		got, ok := MapCarrierStatus(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("MapCarrierStatus(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTracker_AppliesForwardMove(t *testing.T) {
	msg := sentMessage("SM1")
	pub := &recordingPublisher{}
	tr := NewTracker(newMemStore(msg), pub, zap.NewNop())

	applied, err := tr.Update(context.Background(), Update{ProviderMessageID: "SM1", Status: "delivered"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatal("sent -> delivered should apply")
	}
	if msg.Status != db.StatusDelivered {
		t.Errorf("status = %s", msg.Status)
	}
	if len(pub.events) != 1 || pub.events[0].Status != db.StatusDelivered {
		t.Errorf("events = %+v", pub.events)
	}
}

func TestTracker_DuplicateAndRegressiveUpdatesAreNoOps(t *testing.T) {
	msg := sentMessage("SM1")
	pub := &recordingPublisher{}
	tr := NewTracker(newMemStore(msg), pub, zap.NewNop())
	ctx := context.Background()

	steps := []struct {
		status  string
		applied bool
	}{
		{"sent", false},      // duplicate
		{"delivered", true},  // forward
		{"delivered", false}, // duplicate
		{"sent", false},      // regression
		{"failed", false},    // final states are final
	}
	for _, s := range steps {
		applied, err := tr.Update(ctx, Update{ProviderMessageID: "SM1", Status: s.status})
		if err != nil {
			t.Fatalf("%s: %v", s.status, err)
		}
		if applied != s.applied {
			t.Errorf("%s: applied = %v, want %v", s.status, applied, s.applied)
		}
	}

	if msg.Status != db.StatusDelivered {
		t.Errorf("final status = %s, want delivered", msg.Status)
	}
	if len(pub.events) != 1 {
		t.Errorf("published %d events, want 1", len(pub.events))
	}
}

func TestTracker_FailureRecordsErrorCode(t *testing.T) {
	msg := sentMessage("SM1")
	tr := NewTracker(newMemStore(msg), nil, zap.NewNop())

	applied, err := tr.Update(context.Background(), Update{ProviderMessageID: "SM1", Status: "undelivered", ErrorCode: "30003"})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
	if msg.ErrorCode == nil || *msg.ErrorCode != "30003" {
		t.Errorf("error code = %v", msg.ErrorCode)
	}
}

func TestTracker_IntermediateStatusChangesNothing(t *testing.T) {
	msg := sentMessage("SM1")
	tr := NewTracker(newMemStore(msg), nil, zap.NewNop())

	applied, err := tr.Update(context.Background(), Update{ProviderMessageID: "SM1", Status: "sending"})
	if err != nil || applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
	if msg.Status != db.StatusSent {
		t.Errorf("status = %s", msg.Status)
	}
}

func TestTracker_UnknownMessageIsDropped(t *testing.T) {
	pub := &recordingPublisher{}
	tr := NewTracker(newMemStore(), pub, zap.NewNop())

	applied, err := tr.Update(context.Background(), Update{ProviderMessageID: "SM-nope", Status: "delivered"})
	if err != nil {
		t.Fatalf("unknown ids must not error: %v", err)
	}
	if applied {
		t.Fatal("nothing to apply")
	}
	if len(pub.events) != 0 {
		t.Error("nothing should be published")
	}
}

func TestTracker_StoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	tr := NewTracker(store, nil, zap.NewNop())

	if _, err := tr.Update(context.Background(), Update{ProviderMessageID: "SM1", Status: "delivered"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestTracker_PublishFailureDoesNotFailUpdate(t *testing.T) {
	msg := sentMessage("SM1")
	pub := &recordingPublisher{err: errors.New("sns down")}
	tr := NewTracker(newMemStore(msg), pub, zap.NewNop())

	applied, err := tr.Update(context.Background(), Update{ProviderMessageID: "SM1", Status: "delivered"})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
}

func TestTracker_RequiresIdentifier(t *testing.T) {
	tr := NewTracker(newMemStore(), nil, zap.NewNop())
	if _, err := tr.Update(context.Background(), Update{Status: "delivered"}); err == nil {
		t.Fatal("expected error")
	}
}
