package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	msg, err := NewMessage(TypeAuditRequested, AuditRequested{Actor: "admin-1", RequestedAt: time.Unix(0, 0).UTC()})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, msg); err != nil {
		t.Fatal(err)
	}

	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.Type != TypeAuditRequested {
			t.Fatalf("type=%q", got.Type)
		}
		var body AuditRequested
		if err := got.Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Actor != "admin-1" {
			t.Fatalf("actor=%q", body.Actor)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestInMemoryConsumeClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := NewInMemory(1).Consume(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestPublishRespectsContext(t *testing.T) {
	q := NewInMemory(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Publish(ctx, Message{Type: TypeAttendanceMarked}); err == nil {
		t.Fatal("expected context error on full queue")
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	var v AttendanceMarked
	if err := (Message{Type: TypeAttendanceMarked}).Decode(&v); err == nil {
		t.Fatal("expected error for empty body")
	}
}
