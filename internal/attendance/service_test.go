package attendance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rollcall/internal/apperr"
	"rollcall/internal/consistency"
	"rollcall/internal/faceclient"
	"rollcall/internal/model"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/token"
)

const (
	courseID  = "0b6f8c1e-2a3d-4c5b-8e9f-a0b1c2d3e4f5"
	sectionID = "1c7a9d2f-3b4e-4d6c-9fa0-b1c2d3e4f5a6"
	studentID = "2d8b0e3a-4c5f-4e7d-a0b1-c2d3e4f5a6b7"
	otherID   = "4fad2a5c-6e7b-4a9f-82d3-e4f5a6b7c8d9"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(hhmm string) {
	t, err := time.Parse("2006-01-02 15:04", "2026-10-20 "+hhmm)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (r *recorder) Publish(_ context.Context, msg queue.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

type faces struct{ verified bool }

func (f faces) Verify(_ context.Context, studentID, _ string) (*faceclient.VerifyResult, error) {
	return &faceclient.VerifyResult{StudentID: studentID, Verified: f.verified, Similarity: 0.2, Threshold: 0.45}, nil
}

type fixture struct {
	svc     *Service
	store   *store.Memory
	clock   *clock
	codec   *token.Codec
	events  *recorder
	session model.Session
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		clock:  &clock{},
		codec:  token.NewCodec(token.DefaultConfig(), nil),
		events: &recorder{},
	}
	f.clock.set("08:00")
	f.svc = NewService(Options{
		Store:  f.store,
		Codec:  f.codec,
		Faces:  faces{verified: true},
		Events: f.events,
		Now:    f.clock.now,
	})

	res, err := f.svc.CreateSession(context.Background(), model.Session{
		CourseID:  courseID,
		SectionID: sectionID,
		Name:      "Algorithms",
		Date:      "2026-10-20",
		StartTime: "09:00",
		EndTime:   "10:30",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	f.session = res.Session
	if _, err := f.svc.Enroll(context.Background(), model.Enrollment{StudentID: studentID, SectionID: sectionID}); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	return f
}

func (f *fixture) mark(student string) (model.AttendanceEvent, error) {
	return f.svc.MarkAttendance(context.Background(), MarkRequest{
		SessionID: f.session.ID,
		StudentID: student,
		Token:     f.codec.Issue(f.session.ID, f.clock.now()),
		Method:    model.MethodQRCode,
	})
}

func appError(t *testing.T, err error) *apperr.AppError {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	appErr, ok := apperr.As(err)
	if !ok {
		t.Fatalf("expected *apperr.AppError, got %T: %v", err, err)
	}
	return appErr
}

func TestMarkAttendancePresentAndPublished(t *testing.T) {
	f := setup(t)
	f.clock.set("09:05")

	ev, err := f.mark(studentID)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != model.AttendancePresent || ev.SessionID != f.session.ID || ev.ID == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(f.events.msgs) != 1 || f.events.msgs[0].Type != queue.TypeAttendanceMarked {
		t.Fatalf("expected one attendance.marked message, got %+v", f.events.msgs)
	}
	var body queue.AttendanceMarked
	if err := f.events.msgs[0].Decode(&body); err != nil || body.EventID != ev.ID {
		t.Fatalf("unexpected message body %+v, %v", body, err)
	}
}

func TestMarkAttendanceLate(t *testing.T) {
	f := setup(t)
	f.clock.set("09:25")
	ev, err := f.mark(studentID)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != model.AttendanceLate {
		t.Fatalf("expected late, got %s", ev.Status)
	}
}

func TestSecondAdmissionIsAlreadyMarked(t *testing.T) {
	f := setup(t)
	f.clock.set("09:05")
	first, err := f.mark(studentID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.mark(studentID)
	appErr := appError(t, err)
	if appErr.Message != "Attendance already marked for this session" || appErr.Retryable {
		t.Fatalf("unexpected rejection %+v", appErr)
	}
	got, _ := f.store.GetAttendance(context.Background(), f.session.ID, studentID)
	if got == nil || got.ID != first.ID {
		t.Fatal("first record must not be overwritten")
	}
}

func TestConcurrentAdmissionsHaveOneWinner(t *testing.T) {
	f := setup(t)
	f.clock.set("09:05")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dupes := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mark(studentID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			if appErr, ok := apperr.As(err); ok && strings.Contains(appErr.Message, "already marked") {
				dupes++
			}
		}()
	}
	wg.Wait()
	if wins != 1 || dupes != 15 {
		t.Fatalf("wins=%d dupes=%d", wins, dupes)
	}
}

func TestCancelledSessionRejected(t *testing.T) {
	f := setup(t)
	if _, err := f.svc.UpdateSessionStatus(context.Background(), f.session.ID, model.SessionCancelled); err != nil {
		t.Fatal(err)
	}
	f.clock.set("09:05")
	_, err := f.mark(studentID)
	appErr := appError(t, err)
	if appErr.Message != "Session has been cancelled" || appErr.Retryable {
		t.Fatalf("unexpected rejection %+v", appErr)
	}
	if appErr.Context["suggested_action"] == nil {
		t.Fatal("expected suggested action in context")
	}
}

func TestMarkAttendanceRejections(t *testing.T) {
	f := setup(t)
	f.clock.set("09:05")
	stale := f.codec.Issue(f.session.ID, f.clock.now().Add(-5*time.Minute))
	foreign := f.codec.Issue("5a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d", f.clock.now())

	cases := []struct {
		name     string
		req      MarkRequest
		category apperr.Category
		contains string
	}{
		{"missing token", MarkRequest{SessionID: f.session.ID, StudentID: studentID}, apperr.CategoryValidation, "QR code is required"},
		{"expired token", MarkRequest{SessionID: f.session.ID, StudentID: studentID, Token: stale}, apperr.CategoryValidation, "expired"},
		{"other session", MarkRequest{SessionID: f.session.ID, StudentID: studentID, Token: foreign}, apperr.CategoryValidation, "different session"},
		{"garbage token", MarkRequest{SessionID: f.session.ID, StudentID: studentID, Token: "%%%"}, apperr.CategoryValidation, "Invalid QR code"},
		{"not enrolled", MarkRequest{SessionID: f.session.ID, StudentID: otherID, Token: f.codec.Issue(f.session.ID, f.clock.now())}, apperr.CategoryAuthorization, "not enrolled"},
		{"face without image", MarkRequest{SessionID: f.session.ID, StudentID: studentID, Method: model.MethodFacialRecognition}, apperr.CategoryValidation, "Face image is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.MarkAttendance(context.Background(), tc.req)
			appErr := appError(t, err)
			if appErr.Category != tc.category || !strings.Contains(appErr.Message, tc.contains) {
				t.Fatalf("got %s %q, want %s containing %q", appErr.Category, appErr.Message, tc.category, tc.contains)
			}
			if appErr.Retryable {
				t.Fatalf("%s should not be retryable", tc.name)
			}
		})
	}
}

func TestMarkAttendanceTiming(t *testing.T) {
	f := setup(t)
	f.clock.set("08:30")
	appErr := appError(t, func() error { _, err := f.mark(studentID); return err }())
	if appErr.Message != "Session has not started yet" {
		t.Fatalf("got %q", appErr.Message)
	}
	f.clock.set("10:45")
	appErr = appError(t, func() error { _, err := f.mark(studentID); return err }())
	if appErr.Message != "Session has already ended" {
		t.Fatalf("got %q", appErr.Message)
	}
}

func TestFacialRecognition(t *testing.T) {
	f := setup(t)
	f.clock.set("09:05")
	req := MarkRequest{SessionID: f.session.ID, StudentID: studentID, Method: model.MethodFacialRecognition, ImageURL: "https://img.example/a.jpg"}

	f.svc.faces = faces{verified: false}
	_, err := f.svc.MarkAttendance(context.Background(), req)
	appErr := appError(t, err)
	if appErr.Category != apperr.CategoryAuthentication || appErr.Retryable {
		t.Fatalf("unexpected rejection %+v", appErr)
	}

	f.svc.faces = faces{verified: true}
	ev, err := f.svc.MarkAttendance(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Method != model.MethodFacialRecognition || ev.Token != "" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestFacialRecognitionRejectedInSkipMode(t *testing.T) {
	f := setup(t)
	f.clock.set("09:05")
	f.svc.faces = faceclient.New("http://unused.invalid", true)

	_, err := f.svc.MarkAttendance(context.Background(), MarkRequest{
		SessionID: f.session.ID,
		StudentID: studentID,
		Method:    model.MethodFacialRecognition,
		ImageURL:  "https://anything.example/not-me.jpg",
	})
	appErr := appError(t, err)
	if appErr.Message != "Facial recognition is not available" || appErr.Retryable {
		t.Fatalf("unexpected rejection %+v", appErr)
	}
	events, err := f.store.ListAttendance(context.Background(), f.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("nothing should be stored, got %+v", events)
	}
}

func TestCreateSessionOverlapAndWarnings(t *testing.T) {
	f := setup(t)
	capacity := 250
	_, err := f.svc.CreateSession(context.Background(), model.Session{
		CourseID:  courseID,
		SectionID: sectionID,
		Name:      "Algorithms lab",
		Date:      "2026-10-20",
		StartTime: "09:00",
		EndTime:   "10:30",
	})
	appErr := appError(t, err)
	if !strings.Contains(appErr.Message, `"Algorithms"`) {
		t.Fatalf("overlap should name the existing session, got %q", appErr.Message)
	}

	res, err := f.svc.CreateSession(context.Background(), model.Session{
		CourseID:  courseID,
		SectionID: sectionID,
		Name:      "Algorithms lab",
		Date:      "2026-10-20",
		StartTime: "10:30",
		EndTime:   "12:00",
		Capacity:  &capacity,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != model.LargeCapacityWarning || res.Session.Status != model.SessionScheduled {
		t.Fatalf("expected one capacity warning on a scheduled session, got %+v", res)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := setup(t)
	_, err := f.svc.CreateSession(context.Background(), model.Session{
		CourseID:  courseID,
		SectionID: sectionID,
		Name:      "Short",
		Date:      "2026-10-21",
		StartTime: "09:00",
		EndTime:   "09:10",
	})
	appErr := appError(t, err)
	if appErr.Category != apperr.CategoryValidation || !strings.Contains(appErr.Message, "at least 15 minutes") {
		t.Fatalf("unexpected rejection %+v", appErr)
	}
}

func TestCompletingSessionRecordsAbsences(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.svc.Enroll(ctx, model.Enrollment{StudentID: otherID, SectionID: sectionID}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.UpdateSessionStatus(ctx, f.session.ID, model.SessionActive); err != nil {
		t.Fatal(err)
	}
	f.clock.set("09:05")
	if _, err := f.mark(studentID); err != nil {
		t.Fatal(err)
	}
	f.clock.set("10:40")
	if _, err := f.svc.UpdateSessionStatus(ctx, f.session.ID, model.SessionCompleted); err != nil {
		t.Fatal(err)
	}

	events, _ := f.store.ListAttendance(ctx, f.session.ID)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	absent, _ := f.store.GetAttendance(ctx, f.session.ID, otherID)
	if absent == nil || absent.Status != model.AttendanceAbsent || absent.Method != model.MethodManual {
		t.Fatalf("expected synthesized absence, got %+v", absent)
	}

	// Repeating the transition is a no-op.
	if _, err := f.svc.UpdateSessionStatus(ctx, f.session.ID, model.SessionCompleted); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.UpdateSessionStatus(ctx, f.session.ID, model.SessionActive)
	if appErr := appError(t, err); !strings.Contains(appErr.Message, "Cannot change session status") {
		t.Fatalf("got %q", appErr.Message)
	}
}

func TestUpdateSessionStatusUnknownSession(t *testing.T) {
	f := setup(t)
	_, err := f.svc.UpdateSessionStatus(context.Background(), "5a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d", model.SessionActive)
	if appErr := appError(t, err); appErr.Category != apperr.CategoryNotFound {
		t.Fatalf("got %+v", appErr)
	}
}

func TestEnrollRejectsDuplicate(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Enroll(context.Background(), model.Enrollment{StudentID: studentID, SectionID: sectionID})
	appErr := appError(t, err)
	if appErr.Message != "Student is already enrolled in this section" || appErr.Retryable {
		t.Fatalf("unexpected rejection %+v", appErr)
	}
}

func TestDisplayToken(t *testing.T) {
	f := setup(t)
	f.clock.set("09:00")
	d, err := f.svc.DisplayToken(context.Background(), f.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.codec.Verify(d.Token, f.session.ID, f.clock.now()); err != nil {
		t.Fatalf("displayed token does not verify: %v", err)
	}
	if !d.NextRotation.After(f.clock.now()) || d.ExpiresAt.Before(d.NextRotation) {
		t.Fatalf("unexpected schedule %+v", d)
	}

	if _, err := f.svc.UpdateSessionStatus(context.Background(), f.session.ID, model.SessionCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.DisplayToken(context.Background(), f.session.ID); err == nil {
		t.Fatal("cancelled session must not display a token")
	}
}

func TestAuditAndRemediation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.store.InsertAttendance(ctx, model.AttendanceEvent{SessionID: "gone", StudentID: studentID, Status: model.AttendancePresent}); err != nil {
		t.Fatal(err)
	}

	report, err := f.svc.RunConsistencyAudit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.IsConsistent || report.Summary.High != 1 {
		t.Fatalf("expected one orphan, got %+v", report)
	}

	_, err = f.svc.Remediate(ctx, consistency.RemediationRequest{DeleteOrphans: true})
	if appErr := appError(t, err); appErr.Category != apperr.CategoryValidation {
		t.Fatalf("got %+v", appErr)
	}

	res, err := f.svc.Remediate(ctx, consistency.RemediationRequest{Confirm: true, Actor: "admin", DeleteOrphans: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.DeletedAttendance != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	report, _ = f.svc.RunConsistencyAudit(ctx)
	if !report.IsConsistent {
		t.Fatalf("expected clean audit, got %+v", report.Issues)
	}
}

func TestRequestAuditAndHandleMessage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if err := f.svc.RequestAudit(ctx, "admin"); err != nil {
		t.Fatal(err)
	}
	if len(f.events.msgs) != 1 || f.events.msgs[0].Type != queue.TypeAuditRequested {
		t.Fatalf("unexpected messages %+v", f.events.msgs)
	}
	if err := f.svc.HandleMessage(ctx, f.events.msgs[0]); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.HandleMessage(ctx, queue.Message{Type: queue.TypeAuditRequested}); err == nil {
		t.Fatal("expected decode error for empty body")
	}
	if err := f.svc.HandleMessage(ctx, queue.Message{Type: "unknown"}); err != nil {
		t.Fatal(err)
	}
}

func TestStoreFailureIsRetryable(t *testing.T) {
	f := setup(t)
	f.clock.set("09:05")
	f.svc.store = failingStore{Store: f.store}
	_, err := f.mark(studentID)
	appErr := appError(t, err)
	if appErr.Category != apperr.CategoryNetwork || !appErr.Retryable {
		t.Fatalf("expected retryable network error, got %+v", appErr)
	}
	if !errors.Is(appErr, errConnRefused) {
		t.Fatal("cause should be preserved")
	}
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connection refused")

type failingStore struct{ Store }

func (failingStore) InsertAttendance(context.Context, model.AttendanceEvent) (model.AttendanceEvent, error) {
	return model.AttendanceEvent{}, errConnRefused
}
