package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rollcall/internal/apperr"
	"rollcall/internal/guard"
	"rollcall/internal/model"
	"rollcall/internal/store"
	"rollcall/internal/validate"
)

// SessionResult is a stored session plus any non-blocking warnings.
type SessionResult struct {
	Session  model.Session `json:"session"`
	Warnings []string      `json:"warnings"`
}

// EnrollmentResult is a stored enrollment plus any non-blocking warnings.
type EnrollmentResult struct {
	Enrollment model.Enrollment `json:"enrollment"`
	Warnings   []string         `json:"warnings"`
}

// TokenDisplay is what a lecturer's screen needs to render the rotating code.
type TokenDisplay struct {
	SessionID    string    `json:"session_id"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	NextRotation time.Time `json:"next_rotation"`
	Signed       bool      `json:"signed"`
}

// CreateSession validates a session descriptor, rejects overlaps with other
// sessions of the same section and date, and stores it.
func (s *Service) CreateSession(ctx context.Context, session model.Session) (SessionResult, error) {
	if session.Status == "" {
		session.Status = model.SessionScheduled
	}
	res := validate.Session(session, s.now())
	if !res.Valid {
		return SessionResult{}, s.fail("create_session", invalid(res))
	}

	decision, err := s.guard.CheckSessionCreation(ctx, session)
	if err != nil {
		return SessionResult{}, s.fail("create_session", err)
	}
	if !decision.Proceed {
		return SessionResult{}, s.fail("create_session", rejection(decision).WithContext(map[string]any{"warnings": decision.Warnings}))
	}

	stored, err := s.store.InsertSession(ctx, session)
	if err != nil {
		return SessionResult{}, s.fail("create_session", fmt.Errorf("insert session: %w", err))
	}
	warnings := mergeWarnings(res.Warnings, decision.Warnings)
	s.log.WithFields(logrus.Fields{"session_id": stored.ID, "section_id": stored.SectionID, "date": stored.Date}).Info("session created")
	return SessionResult{Session: stored, Warnings: warnings}, nil
}

// UpdateSessionStatus moves a session along its lifecycle. Completing a
// session records every active enrollee without an event as absent.
func (s *Service) UpdateSessionStatus(ctx context.Context, id string, next model.SessionStatus) (model.Session, error) {
	if !next.Valid() {
		return model.Session{}, s.fail("update_session_status",
			apperr.New(apperr.CategoryValidation, apperr.SeverityWarning, "Status must be one of: scheduled, active, completed, cancelled"))
	}
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, s.fail("update_session_status", fmt.Errorf("load session: %w", err))
	}
	if session == nil {
		return model.Session{}, s.fail("update_session_status",
			apperr.New(apperr.CategoryNotFound, apperr.SeverityWarning, guard.ReasonSessionNotFound))
	}
	if session.Status == next {
		return *session, nil
	}
	if !session.Status.CanTransition(next) {
		return model.Session{}, s.fail("update_session_status",
			apperr.New(apperr.CategoryValidation, apperr.SeverityWarning,
				fmt.Sprintf("Cannot change session status from %s to %s", session.Status, next)))
	}

	if err := s.store.UpdateSessionStatus(ctx, id, next); err != nil {
		return model.Session{}, s.fail("update_session_status", fmt.Errorf("update session status: %w", err))
	}
	session.Status = next

	if next == model.SessionCompleted {
		marked, err := s.recordAbsences(ctx, *session)
		if err != nil {
			return model.Session{}, s.fail("update_session_status", err)
		}
		s.log.WithFields(logrus.Fields{"session_id": id, "absent": marked}).Info("session completed")
	}
	return *session, nil
}

// recordAbsences is idempotent: students who already have an event, including
// ones that race in, are skipped.
func (s *Service) recordAbsences(ctx context.Context, session model.Session) (int, error) {
	enrolled, err := s.store.ListActiveEnrollments(ctx, session.SectionID)
	if err != nil {
		return 0, fmt.Errorf("list enrollments: %w", err)
	}
	existing, err := s.store.ListAttendance(ctx, session.ID)
	if err != nil {
		return 0, fmt.Errorf("list attendance: %w", err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, ev := range existing {
		seen[ev.StudentID] = struct{}{}
	}

	now := s.now().UTC()
	marked := 0
	for _, e := range enrolled {
		if _, ok := seen[e.StudentID]; ok {
			continue
		}
		_, err := s.store.InsertAttendance(ctx, model.AttendanceEvent{
			SessionID: session.ID,
			StudentID: e.StudentID,
			Method:    model.MethodManual,
			Status:    model.AttendanceAbsent,
			MarkedAt:  now,
		})
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return marked, fmt.Errorf("record absence for %s: %w", e.StudentID, err)
		}
		seen[e.StudentID] = struct{}{}
		marked++
	}
	return marked, nil
}

// Enroll validates an enrollment and rejects a second active enrollment of
// the same student in the same section.
func (s *Service) Enroll(ctx context.Context, e model.Enrollment) (EnrollmentResult, error) {
	if e.Status == "" {
		e.Status = model.EnrollmentActive
	}
	res := validate.Enrollment(e, s.now())
	if !res.Valid {
		return EnrollmentResult{}, s.fail("enroll", invalid(res))
	}
	decision, err := s.guard.CheckEnrollment(ctx, e)
	if err != nil {
		return EnrollmentResult{}, s.fail("enroll", err)
	}
	if !decision.Proceed {
		return EnrollmentResult{}, s.fail("enroll", rejection(decision))
	}
	stored, err := s.store.InsertEnrollment(ctx, e)
	if err != nil {
		return EnrollmentResult{}, s.fail("enroll", fmt.Errorf("insert enrollment: %w", err))
	}
	return EnrollmentResult{Enrollment: stored, Warnings: res.Warnings}, nil
}

// DisplayToken issues the current token for a session that is open for
// attendance, with the times a countdown needs.
func (s *Service) DisplayToken(ctx context.Context, sessionID string) (TokenDisplay, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return TokenDisplay{}, s.fail("display_token", fmt.Errorf("load session: %w", err))
	}
	if session == nil {
		return TokenDisplay{}, s.fail("display_token",
			apperr.New(apperr.CategoryNotFound, apperr.SeverityWarning, guard.ReasonSessionNotFound))
	}
	if session.Status.Terminal() {
		return TokenDisplay{}, s.fail("display_token",
			apperr.New(apperr.CategoryValidation, apperr.SeverityWarning, fmt.Sprintf("Session is %s and no longer accepts attendance", session.Status)))
	}
	now := s.now()
	return TokenDisplay{
		SessionID:    session.ID,
		Token:        s.codec.Issue(session.ID, now),
		ExpiresAt:    s.codec.ExpiresAt(now),
		NextRotation: s.codec.NextRotation(now),
		Signed:       s.codec.Signed(),
	}, nil
}

// fail classifies err and logs it under op.
func (s *Service) fail(op string, err error) *apperr.AppError {
	appErr := s.classifier.Classify(err, map[string]any{"op": op})
	entry := s.log.WithFields(logrus.Fields{"op": op, "category": appErr.Category, "error_id": appErr.ID})
	switch appErr.Category {
	case apperr.CategoryValidation, apperr.CategoryNotFound, apperr.CategoryAuthorization:
		entry.Info(appErr.Error())
	default:
		entry.WithError(err).Error("operation failed")
	}
	return appErr
}

// mergeWarnings joins warning lists in order, keeping the first copy of any
// message raised by more than one check.
func mergeWarnings(lists ...[]string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, list := range lists {
		for _, w := range list {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}
