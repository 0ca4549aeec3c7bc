package model

import "time"

// SessionStatus is the lifecycle state of a class session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionScheduled, SessionActive, SessionCompleted, SessionCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// CanTransition reports whether a session may move from s to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionScheduled:
		return next == SessionActive || next == SessionCancelled
	case SessionActive:
		return next == SessionCompleted || next == SessionCancelled
	default:
		return false
	}
}

// EnrollmentStatus is the state of a student's registration in a section.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentInactive  EnrollmentStatus = "inactive"
	EnrollmentWithdrawn EnrollmentStatus = "withdrawn"
)

// Valid reports whether s is a known enrollment status.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentActive, EnrollmentInactive, EnrollmentWithdrawn:
		return true
	default:
		return false
	}
}

// AttendanceStatus is the outcome recorded for a student in a session.
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceLate    AttendanceStatus = "late"
	AttendanceAbsent  AttendanceStatus = "absent"
)

// Valid reports whether s is a known attendance status.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendancePresent, AttendanceLate, AttendanceAbsent:
		return true
	default:
		return false
	}
}

// Method is how a student presented themselves for attendance.
type Method string

const (
	MethodQRCode            Method = "qr_code"
	MethodFacialRecognition Method = "facial_recognition"

	// MethodManual marks records written by staff or by session completion.
	MethodManual Method = "manual"
)

// Valid reports whether m is a method a student may present.
func (m Method) Valid() bool {
	return m == MethodQRCode || m == MethodFacialRecognition
}

// LargeCapacity is the session capacity above which creation warns.
const LargeCapacity = 200

// LargeCapacityWarning is the single warning attached to a session whose
// capacity exceeds LargeCapacity.
const LargeCapacityWarning = "Capacity over 200 is unusually large"

// Session is a single scheduled class meeting of a section.
// Date is YYYY-MM-DD; StartTime and EndTime are HH:MM on that date.
type Session struct {
	ID        string        `json:"id"`
	CourseID  string        `json:"course_id"`
	SectionID string        `json:"section_id"`
	Name      string        `json:"name"`
	Date      string        `json:"date"`
	StartTime string        `json:"start_time"`
	EndTime   string        `json:"end_time"`
	Location  *string       `json:"location,omitempty"`
	Capacity  *int          `json:"capacity,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Enrollment links a student to a section.
type Enrollment struct {
	ID             string           `json:"id"`
	StudentID      string           `json:"student_id"`
	SectionID      string           `json:"section_id"`
	EnrollmentDate string           `json:"enrollment_date,omitempty"`
	Status         EnrollmentStatus `json:"status,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// AttendanceEvent is the single attendance record of a student for a session.
type AttendanceEvent struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	StudentID string           `json:"student_id"`
	Method    Method           `json:"method"`
	Token     string           `json:"token,omitempty"`
	Status    AttendanceStatus `json:"status"`
	MarkedAt  time.Time        `json:"marked_at"`
}

// Bounds returns the absolute start and end of the session in loc.
func (s Session) Bounds(loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", s.Date+" "+s.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.ParseInLocation("2006-01-02 15:04", s.Date+" "+s.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}
