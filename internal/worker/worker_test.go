package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rollcall/internal/apperr"
	"rollcall/internal/consistency"
	"rollcall/internal/queue"
)

type fakeService struct {
	mu       sync.Mutex
	audits   []string
	handled  []string
	failWith error
}

func (f *fakeService) Audit(_ context.Context, trigger string) (consistency.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, trigger)
	return consistency.Report{IsConsistent: true}, nil
}

func (f *fakeService) HandleMessage(_ context.Context, msg queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, msg.Type)
	return f.failWith
}

func (f *fakeService) Classifier() *apperr.Classifier { return apperr.NewClassifier(nil) }

type fakeLock struct {
	held map[string]bool
	err  error
}

func (l *fakeLock) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func TestAuditOnceRunsOncePerClaim(t *testing.T) {
	svc := &fakeService{}
	lock := &fakeLock{held: map[string]bool{}}
	a := New(svc, lock, time.Minute)
	b := New(svc, lock, time.Minute)

	ran, err := a.AuditOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("first replica should run, got %v %v", ran, err)
	}
	ran, err = b.AuditOnce(context.Background())
	if err != nil || ran {
		t.Fatalf("second replica should skip, got %v %v", ran, err)
	}
	if len(svc.audits) != 1 || svc.audits[0] != "scheduled" {
		t.Fatalf("unexpected audits %v", svc.audits)
	}
}

func TestAuditOnceLockError(t *testing.T) {
	svc := &fakeService{}
	w := New(svc, &fakeLock{err: errors.New("redis down")}, time.Minute)
	if _, err := w.AuditOnce(context.Background()); err == nil {
		t.Fatal("expected lock error")
	}
	if len(svc.audits) != 0 {
		t.Fatal("audit must not run without the lock")
	}
}

func TestConsumeHandlesUntilClosed(t *testing.T) {
	svc := &fakeService{}
	msgs := make(chan queue.Message, 2)
	msgs <- queue.Message{Type: queue.TypeAttendanceMarked}
	msgs <- queue.Message{Type: queue.TypeAuditRequested}
	close(msgs)

	New(svc, nil, time.Minute).Consume(context.Background(), msgs)
	if len(svc.handled) != 2 {
		t.Fatalf("unexpected handled %v", svc.handled)
	}
}

func TestConsumeDoesNotRetryPermanentFailures(t *testing.T) {
	svc := &fakeService{failWith: errors.New("decode audit.requested: empty message body")}
	msgs := make(chan queue.Message, 1)
	msgs <- queue.Message{Type: queue.TypeAuditRequested}
	close(msgs)

	New(svc, nil, time.Minute).Consume(context.Background(), msgs)
	if len(svc.handled) != 1 {
		t.Fatalf("permanent failure should be tried once, got %d", len(svc.handled))
	}
}

func TestRunScheduledStopsOnCancel(t *testing.T) {
	svc := &fakeService{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(svc, LocalLock{}, time.Hour).RunScheduled(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.audits) != 1 {
		t.Fatalf("expected the immediate audit, got %v", svc.audits)
	}
}

func TestRunScheduledOnlyWithoutQueue(t *testing.T) {
	svc := &fakeService{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(svc, LocalLock{}, time.Hour).Run(ctx, nil)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.audits) != 1 || len(svc.handled) != 0 {
		t.Fatalf("expected one scheduled audit and no messages, got %v %v", svc.audits, svc.handled)
	}
}

func TestRunConsumesAndSchedules(t *testing.T) {
	svc := &fakeService{}
	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan queue.Message, 1)
	msgs <- queue.Message{Type: queue.TypeAuditRequested}
	done := make(chan struct{})
	go func() {
		New(svc, LocalLock{}, time.Hour).Run(ctx, msgs)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(msgs)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.audits) != 1 || len(svc.handled) != 1 {
		t.Fatalf("unexpected work %v %v", svc.audits, svc.handled)
	}
}
