package validate

import (
	"strings"
	"time"
	"unicode/utf8"

	"rollcall/internal/model"
	"rollcall/internal/token"
)

const (
	maxNameLength   = 100
	todayDateLayout = "2006-01-02"
)

// Session validates a session descriptor. All errors and warnings are
// collected; nothing stops at the first failure.
func Session(s model.Session, now time.Time) Result {
	res := OK()
	res.merge(Identifier("Course ID", s.CourseID))
	res.merge(Identifier("Section ID", s.SectionID))

	name := strings.TrimSpace(s.Name)
	switch {
	case name == "":
		res.addError("Session name is required")
	case utf8.RuneCountInString(name) > maxNameLength:
		res.addError("Session name must be 100 characters or less")
	}

	res.merge(TimeRange(s.StartTime, s.EndTime, s.Date, now))

	if s.Capacity != nil {
		if *s.Capacity < 1 {
			res.addError("Capacity must be at least 1")
		} else if *s.Capacity > model.LargeCapacity {
			res.addWarning(model.LargeCapacityWarning)
		}
	}
	if s.Status != "" && !s.Status.Valid() {
		res.addError("Status must be one of: scheduled, active, completed, cancelled")
	}
	return res
}

// Enrollment validates an enrollment descriptor. A future enrollment date is
// a warning, not an error.
func Enrollment(e model.Enrollment, now time.Time) Result {
	res := OK()
	res.merge(Identifier("Student ID", e.StudentID))
	res.merge(Identifier("Section ID", e.SectionID))

	if e.EnrollmentDate != "" {
		dateRes := CalendarDate(e.EnrollmentDate, now)
		res.merge(dateRes)
		if dateRes.Valid && e.EnrollmentDate > now.Format(todayDateLayout) {
			res.addWarning("Enrollment date is in the future")
		}
	}
	if e.Status != "" && !e.Status.Valid() {
		res.addError("Status must be one of: active, inactive, withdrawn")
	}
	return res
}

// AttendanceEvent validates an attendance event. The token is checked for
// format only; freshness belongs to the token codec.
func AttendanceEvent(a model.AttendanceEvent) Result {
	res := OK()
	res.merge(Identifier("Session ID", a.SessionID))
	res.merge(Identifier("Student ID", a.StudentID))

	if !a.Method.Valid() {
		res.addError("Method must be one of: qr_code, facial_recognition")
	}
	if a.Token != "" {
		if _, _, err := token.Split(a.Token); err != nil {
			res.addError("Invalid QR code format")
		}
	}
	if a.Status != "" && !a.Status.Valid() {
		res.addError("Status must be one of: present, late, absent")
	}
	return res
}
