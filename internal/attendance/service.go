package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rollcall/internal/apperr"
	"rollcall/internal/consistency"
	"rollcall/internal/faceclient"
	"rollcall/internal/guard"
	"rollcall/internal/model"
	"rollcall/internal/obs"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/token"
	"rollcall/internal/validate"
)

// Store is everything the service needs from persistence. Both store.Postgres
// and store.Memory satisfy it.
type Store interface {
	guard.Reader
	consistency.Source
	consistency.Remediator

	InsertSession(ctx context.Context, s model.Session) (model.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus) error
	InsertEnrollment(ctx context.Context, e model.Enrollment) (model.Enrollment, error)
	ListActiveEnrollments(ctx context.Context, sectionID string) ([]model.Enrollment, error)
	InsertAttendance(ctx context.Context, ev model.AttendanceEvent) (model.AttendanceEvent, error)
	ListAttendance(ctx context.Context, sessionID string) ([]model.AttendanceEvent, error)
}

// FaceVerifier confirms that a captured image shows the given student.
type FaceVerifier interface {
	Verify(ctx context.Context, studentID, imageURL string) (*faceclient.VerifyResult, error)
}

// Options configures a Service. Only Store is required.
type Options struct {
	Store     Store
	Codec     *token.Codec
	Faces     FaceVerifier
	Events    queue.Publisher
	Location  *time.Location
	LateAfter time.Duration
	Now       func() time.Time
}

// Service runs the attendance admission pipeline and the session, enrollment
// and audit operations around it.
type Service struct {
	store      Store
	codec      *token.Codec
	faces      FaceVerifier
	events     queue.Publisher
	guard      *guard.Guard
	auditor    *consistency.Auditor
	classifier *apperr.Classifier
	loc        *time.Location
	lateAfter  time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

// NewService wires a service from opts.
func NewService(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LateAfter <= 0 {
		opts.LateAfter = 10 * time.Minute
	}
	if opts.Codec == nil {
		opts.Codec = token.NewCodec(token.DefaultConfig(), nil)
	}
	return &Service{
		store:      opts.Store,
		codec:      opts.Codec,
		faces:      opts.Faces,
		events:     opts.Events,
		guard:      guard.New(opts.Store, opts.Location),
		auditor:    consistency.NewAuditor(opts.Store, opts.Now),
		classifier: apperr.NewClassifier(opts.Now),
		loc:        opts.Location,
		lateAfter:  opts.LateAfter,
		now:        opts.Now,
		log:        obs.Module("attendance"),
	}
}

// Classifier exposes the classifier so callers outside the pipeline report
// failures the same way.
func (s *Service) Classifier() *apperr.Classifier { return s.classifier }

// MarkRequest is one student's attempt to mark attendance.
type MarkRequest struct {
	SessionID string
	StudentID string
	Token     string
	Method    model.Method
	ImageURL  string
}

// MarkAttendance verifies the presented token, checks admissibility against
// live state, validates the event and stores it. Every failure is returned as
// an *apperr.AppError.
func (s *Service) MarkAttendance(ctx context.Context, req MarkRequest) (model.AttendanceEvent, error) {
	now := s.now()
	if req.Method == "" {
		req.Method = model.MethodQRCode
	}
	ev, err := s.admit(ctx, req, now)
	if err != nil {
		appErr := s.classifier.Classify(err, map[string]any{
			"op":         "mark_attendance",
			"session_id": req.SessionID,
			"student_id": req.StudentID,
		})
		obs.Admissions.WithLabelValues("rejected", string(appErr.Category)).Inc()
		s.log.WithFields(logrus.Fields{
			"session_id": req.SessionID,
			"student_id": req.StudentID,
			"category":   appErr.Category,
			"retryable":  appErr.Retryable,
		}).Info(appErr.Error())
		return model.AttendanceEvent{}, appErr
	}

	obs.Admissions.WithLabelValues("accepted", "").Inc()
	s.publish(ctx, queue.TypeAttendanceMarked, queue.AttendanceMarked{
		EventID:   ev.ID,
		SessionID: ev.SessionID,
		StudentID: ev.StudentID,
		Status:    string(ev.Status),
		Method:    string(ev.Method),
		MarkedAt:  ev.MarkedAt,
	})
	return ev, nil
}

func (s *Service) admit(ctx context.Context, req MarkRequest, now time.Time) (model.AttendanceEvent, error) {
	switch req.Method {
	case model.MethodQRCode:
		if req.Token == "" {
			return model.AttendanceEvent{}, apperr.New(apperr.CategoryValidation, apperr.SeverityWarning, "QR code is required")
		}
		if err := s.codec.Verify(req.Token, req.SessionID, now); err != nil {
			return model.AttendanceEvent{}, err
		}
	case model.MethodFacialRecognition:
		if req.ImageURL == "" {
			return model.AttendanceEvent{}, apperr.New(apperr.CategoryValidation, apperr.SeverityWarning, "Face image is required")
		}
	}

	ev := model.AttendanceEvent{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		StudentID: req.StudentID,
		Method:    req.Method,
		Token:     req.Token,
		MarkedAt:  now.UTC(),
	}

	decision, err := s.guard.CheckAttendance(ctx, ev, now)
	if err != nil {
		return model.AttendanceEvent{}, err
	}
	if !decision.Proceed {
		return model.AttendanceEvent{}, rejection(decision)
	}

	if res := validate.AttendanceEvent(ev); !res.Valid {
		return model.AttendanceEvent{}, invalid(res)
	}

	if ev.Method == model.MethodFacialRecognition {
		if err := s.verifyFace(ctx, ev.StudentID, req.ImageURL); err != nil {
			return model.AttendanceEvent{}, err
		}
	}

	ev.Status = s.arrivalStatus(*decision.Session, now)
	stored, err := s.store.InsertAttendance(ctx, ev)
	if errors.Is(err, store.ErrDuplicate) {
		return model.AttendanceEvent{}, apperr.New(apperr.CategoryValidation, apperr.SeverityInfo, guard.ReasonAlreadyMarked)
	}
	if err != nil {
		return model.AttendanceEvent{}, fmt.Errorf("insert attendance: %w", err)
	}
	return stored, nil
}

func (s *Service) verifyFace(ctx context.Context, studentID, imageURL string) error {
	unavailable := apperr.New(apperr.CategoryValidation, apperr.SeverityWarning, "Facial recognition is not available")
	if s.faces == nil {
		return unavailable
	}
	res, err := s.faces.Verify(ctx, studentID, imageURL)
	if err != nil {
		return fmt.Errorf("face verification: %w", err)
	}
	if res.Simulated {
		return unavailable
	}
	if !res.Verified {
		return apperr.New(apperr.CategoryAuthentication, apperr.SeverityWarning, "Face does not match the enrolled student").
			WithContext(map[string]any{"similarity": res.Similarity, "threshold": res.Threshold})
	}
	return nil
}

// arrivalStatus is late once the grace period after the start has passed.
func (s *Service) arrivalStatus(session model.Session, now time.Time) model.AttendanceStatus {
	start, _, err := session.Bounds(s.loc)
	if err == nil && now.After(start.Add(s.lateAfter)) {
		return model.AttendanceLate
	}
	return model.AttendancePresent
}

// rejection turns a guard decision into an AppError whose category follows
// what the user can do about it.
func rejection(d guard.Decision) *apperr.AppError {
	category, severity := apperr.CategoryValidation, apperr.SeverityWarning
	switch d.Reason {
	case guard.ReasonSessionNotFound:
		category = apperr.CategoryNotFound
	case guard.ReasonNotEnrolled:
		category = apperr.CategoryAuthorization
	case guard.ReasonAlreadyMarked, guard.ReasonAlreadyEnrolled:
		severity = apperr.SeverityInfo
	}
	e := apperr.New(category, severity, d.Reason)
	if d.SuggestedAction != "" {
		e.WithContext(map[string]any{"suggested_action": d.SuggestedAction})
	}
	return e
}

func invalid(res validate.Result) *apperr.AppError {
	return apperr.New(apperr.CategoryValidation, apperr.SeverityWarning, res.Message()).
		WithContext(map[string]any{"errors": res.Errors})
}

func (s *Service) publish(ctx context.Context, typ string, payload any) {
	if s.events == nil {
		return
	}
	msg, err := queue.NewMessage(typ, payload)
	if err == nil {
		err = s.events.Publish(ctx, msg)
	}
	if err != nil {
		s.log.WithError(err).WithField("type", typ).Warn("queue publish failed")
	}
}

var (
	_ Store = (*store.Memory)(nil)
	_ Store = (*store.Postgres)(nil)
)
