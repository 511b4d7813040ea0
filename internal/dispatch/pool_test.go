package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/carrier"
	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/queue"
)

type processorFunc func(ctx context.Context, d *queue.Delivery) error

func (f processorFunc) Process(ctx context.Context, d *queue.Delivery) error { return f(ctx, d) }

func newDelivery() *queue.Delivery {
	return &queue.Delivery{Job: &queue.Job{ID: uuid.New()}, Receipt: uuid.NewString()}
}

func TestPool_ProcessesQueuedJobs(t *testing.T) {
	q := newFakeQueue()
	for i := 0; i < 20; i++ {
		q.ready <- newDelivery()
	}

	var processed atomic.Int32
	p := NewPool(q, processorFunc(func(context.Context, *queue.Delivery) error {
		processed.Add(1)
		return nil
	}), PoolConfig{Workers: 4}, zap.NewNop())

	p.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for processed.Load() < 20 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if got := processed.Load(); got != 20 {
		t.Errorf("processed %d jobs, want 20", got)
	}
}

func TestPool_StopWaitsForInFlightJob(t *testing.T) {
	q := newFakeQueue()
	q.ready <- newDelivery()

	started := make(chan struct{})
	release := make(chan struct{})
	var cancelled atomic.Bool
	p := NewPool(q, processorFunc(func(ctx context.Context, _ *queue.Delivery) error {
		close(started)
		<-release
		cancelled.Store(ctx.Err() != nil)
		return nil
	}), PoolConfig{Workers: 1}, zap.NewNop())

	p.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the job finished")
	}

	if cancelled.Load() {
		t.Error("in-flight job saw a cancelled context")
	}
}

type failingQueue struct {
	*fakeQueue
	calls atomic.Int32
}

func (q *failingQueue) Receive(context.Context) (*queue.Delivery, error) {
	if q.calls.Add(1) == 1 {
		return nil, errors.New("network blip")
	}
	return nil, queue.ErrClosed
}

func TestPool_ReceiveErrorsBackOffAndClosedQueueStops(t *testing.T) {
	q := &failingQueue{fakeQueue: newFakeQueue()}
	p := NewPool(q, processorFunc(func(context.Context, *queue.Delivery) error {
		t.Error("nothing should be processed")
		return nil
	}), PoolConfig{Workers: 1, ErrorBackoff: 10 * time.Millisecond}, zap.NewNop())

	p.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for q.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if got := q.calls.Load(); got != 2 {
		t.Errorf("receive called %d times, want 2", got)
	}
}

func TestPool_DrainTimeoutCancelsInFlightJob(t *testing.T) {
	q := newFakeQueue()
	q.ready <- newDelivery()

	started := make(chan struct{})
	var cancelled atomic.Bool
	p := NewPool(q, processorFunc(func(ctx context.Context, _ *queue.Delivery) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}), PoolConfig{Workers: 1, DrainTimeout: 20 * time.Millisecond}, zap.NewNop())

	p.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the drain timeout")
	}
	if !cancelled.Load() {
		t.Error("in-flight job should see a cancelled context")
	}
}

func TestPool_DrainTimeoutLeavesSendForRedelivery(t *testing.T) {
	h := newHarness(t, 10)
	started := make(chan struct{})
	h.carrier.send = func(ctx context.Context, _ carrier.Outbound) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	dl := h.delivery(0)
	h.queue.ready <- dl

	p := NewPool(h.queue, h.d, PoolConfig{Workers: 1, DrainTimeout: 20 * time.Millisecond}, zap.NewNop())
	p.Start(context.Background())
	<-started
	p.Stop()

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
