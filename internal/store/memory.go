package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/model"
)

// Memory is a mutex-guarded store for development and tests. It enforces the
// same (session, student) uniqueness as the Postgres schema.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]model.Session
	enrollments map[string]model.Enrollment
	attendance  map[string]model.AttendanceEvent
	byPair      map[[2]string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]model.Session),
		enrollments: make(map[string]model.Enrollment),
		attendance:  make(map[string]model.AttendanceEvent),
		byPair:      make(map[[2]string]string),
	}
}

// GetSession returns a session by id, or nil when it does not exist.
func (m *Memory) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// ListSessionsBySectionDate returns the non-cancelled sessions of a section on a date.
func (m *Memory) ListSessionsBySectionDate(_ context.Context, sectionID, date string) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []model.Session
	for _, s := range m.sessions {
		if s.SectionID == sectionID && s.Date == date && s.Status != model.SessionCancelled {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartTime < res[j].StartTime })
	return res, nil
}

// InsertSession writes a new session.
func (m *Memory) InsertSession(_ context.Context, s model.Session) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.sessions[s.ID]; exists {
		return model.Session{}, ErrDuplicate
	}
	if s.Status == "" {
		s.Status = model.SessionScheduled
	}
	s.CreatedAt = time.Now().UTC()
	m.sessions[s.ID] = s
	return s, nil
}

// UpdateSessionStatus sets the lifecycle status of a session.
func (m *Memory) UpdateSessionStatus(_ context.Context, id string, status model.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	m.sessions[id] = s
	return nil
}

// ListSessionIDs returns every session id.
func (m *Memory) ListSessionIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListSessionSectionIDs returns the distinct sections that have at least one session.
func (m *Memory) ListSessionSectionIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, s := range m.sessions {
		if _, ok := seen[s.SectionID]; ok {
			continue
		}
		seen[s.SectionID] = struct{}{}
		ids = append(ids, s.SectionID)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetActiveEnrollment returns the active enrollment of a student in a section, or nil.
func (m *Memory) GetActiveEnrollment(_ context.Context, studentID, sectionID string) (*model.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.sortedEnrollments() {
		if e.StudentID == studentID && e.SectionID == sectionID && e.Status == model.EnrollmentActive {
			return &e, nil
		}
	}
	return nil, nil
}

// InsertEnrollment writes a new enrollment.
func (m *Memory) InsertEnrollment(_ context.Context, e model.Enrollment) (model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, exists := m.enrollments[e.ID]; exists {
		return model.Enrollment{}, ErrDuplicate
	}
	if e.Status == "" {
		e.Status = model.EnrollmentActive
	}
	e.CreatedAt = time.Now().UTC()
	m.enrollments[e.ID] = e
	return e, nil
}

// ListActiveEnrollments returns the active enrollments of a section.
func (m *Memory) ListActiveEnrollments(_ context.Context, sectionID string) ([]model.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []model.Enrollment
	for _, e := range m.sortedEnrollments() {
		if e.SectionID == sectionID && e.Status == model.EnrollmentActive {
			res = append(res, e)
		}
	}
	return res, nil
}

// ListEnrollments returns every enrollment.
func (m *Memory) ListEnrollments(_ context.Context) ([]model.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedEnrollments(), nil
}

func (m *Memory) sortedEnrollments() []model.Enrollment {
	res := make([]model.Enrollment, 0, len(m.enrollments))
	for _, e := range m.enrollments {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// GetAttendance returns the event of a student in a session, or nil.
func (m *Memory) GetAttendance(_ context.Context, sessionID, studentID string) (*model.AttendanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPair[[2]string{sessionID, studentID}]
	if !ok {
		return nil, nil
	}
	ev := m.attendance[id]
	return &ev, nil
}

// InsertAttendance writes an event, failing with ErrDuplicate when the
// student already has one for the session.
func (m *Memory) InsertAttendance(_ context.Context, ev model.AttendanceEvent) (model.AttendanceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{ev.SessionID, ev.StudentID}
	if _, exists := m.byPair[key]; exists {
		return model.AttendanceEvent{}, ErrDuplicate
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.MarkedAt.IsZero() {
		ev.MarkedAt = time.Now().UTC()
	}
	m.attendance[ev.ID] = ev
	m.byPair[key] = ev.ID
	return ev, nil
}

// ListAttendance returns the events of one session.
func (m *Memory) ListAttendance(_ context.Context, sessionID string) ([]model.AttendanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []model.AttendanceEvent
	for _, ev := range m.sortedAttendance() {
		if ev.SessionID == sessionID {
			res = append(res, ev)
		}
	}
	return res, nil
}

// ListAttendanceRecords returns every attendance row.
func (m *Memory) ListAttendanceRecords(_ context.Context) ([]model.AttendanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedAttendance(), nil
}

func (m *Memory) sortedAttendance() []model.AttendanceEvent {
	res := make([]model.AttendanceEvent, 0, len(m.attendance))
	for _, ev := range m.attendance {
		res = append(res, ev)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// DeleteAttendance removes attendance rows by id.
func (m *Memory) DeleteAttendance(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		ev, ok := m.attendance[id]
		if !ok {
			continue
		}
		delete(m.attendance, id)
		delete(m.byPair, [2]string{ev.SessionID, ev.StudentID})
		n++
	}
	return n, nil
}

// SetAttendanceStatus overwrites the status of attendance rows.
func (m *Memory) SetAttendanceStatus(_ context.Context, ids []string, status model.AttendanceStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		ev, ok := m.attendance[id]
		if !ok {
			continue
		}
		ev.Status = status
		m.attendance[id] = ev
		n++
	}
	return n, nil
}

// SetEnrollmentStatus overwrites the status of enrollment rows.
func (m *Memory) SetEnrollmentStatus(_ context.Context, ids []string, status model.EnrollmentStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		e, ok := m.enrollments[id]
		if !ok {
			continue
		}
		e.Status = status
		m.enrollments[id] = e
		n++
	}
	return n, nil
}
