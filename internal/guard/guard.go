// Package guard holds the admissibility checks evaluated against live state
// immediately before a mutation. It reads only; atomicity is left to the
// storage layer's constraints.
package guard

import (
	"context"
	"fmt"
	"time"

	"rollcall/internal/model"
)

// Reader is the read side of the data store the guard consults.
type Reader interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetActiveEnrollment(ctx context.Context, studentID, sectionID string) (*model.Enrollment, error)
	ListSessionsBySectionDate(ctx context.Context, sectionID, date string) ([]model.Session, error)
	GetAttendance(ctx context.Context, sessionID, studentID string) (*model.AttendanceEvent, error)
}

// Decision tells the caller whether to proceed and, when not, why and what
// the user or operator should do next.
type Decision struct {
	Proceed         bool     `json:"should_proceed"`
	Reason          string   `json:"reason,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`

	// Session is the session loaded by CheckAttendance.
	Session *model.Session `json:"-"`
}

func proceed() Decision { return Decision{Proceed: true} }

func reject(reason, action string) Decision {
	return Decision{Proceed: false, Reason: reason, SuggestedAction: action}
}

// Rejection reasons. The retry policy matches on their wording.
const (
	ReasonSessionNotFound = "Session not found"
	ReasonCancelled       = "Session has been cancelled"
	ReasonNotEnrolled     = "You are not enrolled in this section"
	ReasonNotStarted      = "Session has not started yet"
	ReasonEnded           = "Session has already ended"
	ReasonAlreadyMarked   = "Attendance already marked for this session"
	ReasonAlreadyEnrolled = "Student is already enrolled in this section"
)

// Guard evaluates admissibility rules.
type Guard struct {
	reader Reader
	loc    *time.Location
}

// New creates a guard. Session dates and times are interpreted in loc.
func New(reader Reader, loc *time.Location) *Guard {
	if loc == nil {
		loc = time.UTC
	}
	return &Guard{reader: reader, loc: loc}
}

// CheckAttendance decides whether ev may be recorded at now. Checks run
// cheapest and most certain first: existence, enrollment, then timing.
func (g *Guard) CheckAttendance(ctx context.Context, ev model.AttendanceEvent, now time.Time) (Decision, error) {
	session, err := g.reader.GetSession(ctx, ev.SessionID)
	if err != nil {
		return Decision{}, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return reject(ReasonSessionNotFound, "Check the QR code and try again"), nil
	}
	if session.Status == model.SessionCancelled {
		return reject(ReasonCancelled, "Contact your lecturer for the rescheduled session"), nil
	}

	enrollment, err := g.reader.GetActiveEnrollment(ctx, ev.StudentID, session.SectionID)
	if err != nil {
		return Decision{}, fmt.Errorf("load enrollment: %w", err)
	}
	if enrollment == nil {
		return reject(ReasonNotEnrolled, "Contact your advisor to confirm your enrollment"), nil
	}

	start, end, err := session.Bounds(g.loc)
	if err != nil {
		return Decision{}, fmt.Errorf("session %s has unparseable schedule: %w", session.ID, err)
	}
	if now.Before(start) {
		return reject(ReasonNotStarted, fmt.Sprintf("Try again after %s", session.StartTime)), nil
	}
	if now.After(end) {
		return reject(ReasonEnded, "Ask your lecturer to record your attendance manually"), nil
	}

	existing, err := g.reader.GetAttendance(ctx, ev.SessionID, ev.StudentID)
	if err != nil {
		return Decision{}, fmt.Errorf("load attendance: %w", err)
	}
	if existing != nil {
		return reject(ReasonAlreadyMarked, "No action needed"), nil
	}

	d := proceed()
	d.Session = session
	return d, nil
}

// CheckSessionCreation rejects a session that overlaps another non-cancelled
// session of the same section on the same date. A large capacity only warns.
func (g *Guard) CheckSessionCreation(ctx context.Context, s model.Session) (Decision, error) {
	d := proceed()
	if s.Capacity != nil && *s.Capacity > model.LargeCapacity {
		d.Warnings = append(d.Warnings, model.LargeCapacityWarning)
	}

	existing, err := g.reader.ListSessionsBySectionDate(ctx, s.SectionID, s.Date)
	if err != nil {
		return Decision{}, fmt.Errorf("load sessions: %w", err)
	}
	start, end, err := s.Bounds(g.loc)
	if err != nil {
		return Decision{}, fmt.Errorf("proposed session has unparseable schedule: %w", err)
	}
	for _, other := range existing {
		if other.ID == s.ID || other.Status == model.SessionCancelled {
			continue
		}
		oStart, oEnd, err := other.Bounds(g.loc)
		if err != nil {
			continue
		}
		if start.Before(oEnd) && oStart.Before(end) {
			out := reject(
				fmt.Sprintf("Session overlaps with existing session %q (%s-%s)", other.Name, other.StartTime, other.EndTime),
				"Choose a time that does not overlap or cancel the existing session",
			)
			out.Warnings = d.Warnings
			return out, nil
		}
	}
	return d, nil
}

// CheckEnrollment rejects a second active enrollment for the same student and
// section. Section capacity is not checked: sections carry no capacity.
func (g *Guard) CheckEnrollment(ctx context.Context, e model.Enrollment) (Decision, error) {
	if e.Status != "" && e.Status != model.EnrollmentActive {
		return proceed(), nil
	}
	existing, err := g.reader.GetActiveEnrollment(ctx, e.StudentID, e.SectionID)
	if err != nil {
		return Decision{}, fmt.Errorf("load enrollment: %w", err)
	}
	if existing != nil {
		return reject(ReasonAlreadyEnrolled, "Update the existing enrollment instead"), nil
	}
	return proceed(), nil
}
