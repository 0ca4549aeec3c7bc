package guard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"rollcall/internal/model"
	"rollcall/internal/store"
)

const (
	sectionID = "1c7a9d2f-3b4e-4d6c-9fa0-b1c2d3e4f5a6"
	studentID = "2d8b0e3a-4c5f-4e7d-a0b1-c2d3e4f5a6b7"
)

type fixture struct {
	store   *store.Memory
	guard   *Guard
	session model.Session
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	s, err := m.InsertSession(ctx, model.Session{
		CourseID:  "0b6f8c1e-2a3d-4c5b-8e9f-a0b1c2d3e4f5",
		SectionID: sectionID,
		Name:      "Algorithms",
		Date:      "2026-10-20",
		StartTime: "09:00",
		EndTime:   "10:30",
		Status:    model.SessionActive,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.InsertEnrollment(ctx, model.Enrollment{StudentID: studentID, SectionID: sectionID}); err != nil {
		t.Fatal(err)
	}
	return fixture{store: m, guard: New(m, time.UTC), session: s}
}

func at(hhmm string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04", "2026-10-20 "+hhmm)
	return t
}

func (f fixture) event() model.AttendanceEvent {
	return model.AttendanceEvent{SessionID: f.session.ID, StudentID: studentID, Method: model.MethodQRCode}
}

func TestCheckAttendanceProceeds(t *testing.T) {
	f := setup(t)
	d, err := f.guard.CheckAttendance(context.Background(), f.event(), at("09:10"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Proceed || d.Session == nil || d.Session.ID != f.session.ID {
		t.Fatalf("expected proceed with session, got %+v", d)
	}
}

func TestCheckAttendanceRejections(t *testing.T) {
	ctx := context.Background()

	f := setup(t)
	ev := f.event()
	ev.SessionID = "00000000-0000-4000-8000-000000000000"
	d, _ := f.guard.CheckAttendance(ctx, ev, at("09:10"))
	if d.Proceed || d.Reason != ReasonSessionNotFound {
		t.Fatalf("missing session: %+v", d)
	}

	f = setup(t)
	_ = f.store.UpdateSessionStatus(ctx, f.session.ID, model.SessionCancelled)
	d, _ = f.guard.CheckAttendance(ctx, f.event(), at("09:10"))
	if d.Proceed || d.Reason != "Session has been cancelled" || d.SuggestedAction == "" {
		t.Fatalf("cancelled session: %+v", d)
	}

	f = setup(t)
	ev = f.event()
	ev.StudentID = "9d8b0e3a-4c5f-4e7d-a0b1-c2d3e4f5a6b7"
	d, _ = f.guard.CheckAttendance(ctx, ev, at("09:10"))
	if d.Proceed || d.Reason != ReasonNotEnrolled {
		t.Fatalf("unenrolled student: %+v", d)
	}

	f = setup(t)
	d, _ = f.guard.CheckAttendance(ctx, f.event(), at("08:59"))
	if d.Proceed || d.Reason != ReasonNotStarted {
		t.Fatalf("early scan: %+v", d)
	}
	d, _ = f.guard.CheckAttendance(ctx, f.event(), at("10:31"))
	if d.Proceed || d.Reason != ReasonEnded {
		t.Fatalf("late scan: %+v", d)
	}
}

func TestCheckAttendanceCancelledBeatsEnrollment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_ = f.store.UpdateSessionStatus(ctx, f.session.ID, model.SessionCancelled)
	ev := f.event()
	ev.StudentID = "9d8b0e3a-4c5f-4e7d-a0b1-c2d3e4f5a6b7"
	d, _ := f.guard.CheckAttendance(ctx, ev, at("11:00"))
	if d.Reason != ReasonCancelled {
		t.Fatalf("expected cancellation to be reported first, got %q", d.Reason)
	}
}

func TestCheckAttendanceAlreadyMarked(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.event()
	ev.Status = model.AttendancePresent
	if _, err := f.store.InsertAttendance(ctx, ev); err != nil {
		t.Fatal(err)
	}
	d, _ := f.guard.CheckAttendance(ctx, f.event(), at("09:20"))
	if d.Proceed || !strings.Contains(d.Reason, "already marked") {
		t.Fatalf("expected already marked, got %+v", d)
	}
}

type failingReader struct{ Reader }

func (failingReader) GetSession(context.Context, string) (*model.Session, error) {
	return nil, errors.New("connection refused")
}

func TestCheckAttendancePropagatesStoreErrors(t *testing.T) {
	g := New(failingReader{}, time.UTC)
	if _, err := g.CheckAttendance(context.Background(), model.AttendanceEvent{}, at("09:00")); err == nil {
		t.Fatal("expected error")
	}
}

func TestCheckSessionCreationOverlap(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	proposed := f.session
	proposed.ID = ""
	proposed.Name = "Duplicate slot"
	d, err := f.guard.CheckSessionCreation(ctx, proposed)
	if err != nil {
		t.Fatal(err)
	}
	if d.Proceed || !strings.Contains(d.Reason, `"Algorithms"`) {
		t.Fatalf("expected overlap naming first session, got %+v", d)
	}

	// Touching intervals do not overlap.
	proposed.StartTime, proposed.EndTime = "10:30", "11:30"
	if d, _ := f.guard.CheckSessionCreation(ctx, proposed); !d.Proceed {
		t.Fatalf("adjacent session should proceed: %+v", d)
	}

	// A cancelled session frees its slot.
	_ = f.store.UpdateSessionStatus(ctx, f.session.ID, model.SessionCancelled)
	proposed.StartTime, proposed.EndTime = "09:00", "10:30"
	if d, _ := f.guard.CheckSessionCreation(ctx, proposed); !d.Proceed {
		t.Fatalf("cancelled slot should be free: %+v", d)
	}
}

func TestCheckSessionCreationCapacityWarning(t *testing.T) {
	f := setup(t)
	big := 250
	proposed := model.Session{SectionID: sectionID, Name: "Big", Date: "2026-10-21", StartTime: "09:00", EndTime: "10:00", Capacity: &big}
	d, err := f.guard.CheckSessionCreation(context.Background(), proposed)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Proceed || len(d.Warnings) != 1 {
		t.Fatalf("expected proceed with warning, got %+v", d)
	}
}

func TestCheckEnrollmentDuplicate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	d, _ := f.guard.CheckEnrollment(ctx, model.Enrollment{StudentID: studentID, SectionID: sectionID})
	if d.Proceed || d.Reason != ReasonAlreadyEnrolled {
		t.Fatalf("expected duplicate rejection, got %+v", d)
	}
	d, _ = f.guard.CheckEnrollment(ctx, model.Enrollment{StudentID: studentID, SectionID: "other"})
	if !d.Proceed {
		t.Fatalf("different section should proceed, got %+v", d)
	}
	d, _ = f.guard.CheckEnrollment(ctx, model.Enrollment{StudentID: studentID, SectionID: sectionID, Status: model.EnrollmentWithdrawn})
	if !d.Proceed {
		t.Fatalf("non-active record should proceed, got %+v", d)
	}
}
