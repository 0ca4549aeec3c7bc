package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"rollcall/internal/model"
)

const pgUniqueViolation = "23505"

const sessionColumns = `id, course_id, section_id, name,
	to_char(session_date, 'YYYY-MM-DD'), to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
	location, capacity, status, created_at`

// Postgres persists sessions, enrollments and attendance in Postgres.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a repository over an open pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		s        model.Session
		location sql.NullString
		capacity sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.CourseID, &s.SectionID, &s.Name, &s.Date, &s.StartTime, &s.EndTime,
		&location, &capacity, &s.Status, &s.CreatedAt); err != nil {
		return model.Session{}, err
	}
	if location.Valid {
		s.Location = &location.String
	}
	if capacity.Valid {
		c := int(capacity.Int64)
		s.Capacity = &c
	}
	return s, nil
}

// GetSession returns a session by id, or nil when it does not exist.
func (p *Postgres) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListSessionsBySectionDate returns the non-cancelled sessions of a section on a date.
func (p *Postgres) ListSessionsBySectionDate(ctx context.Context, sectionID, date string) ([]model.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE section_id = $1 AND session_date = $2::date AND status <> 'cancelled'
		ORDER BY start_time
	`, sectionID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// InsertSession writes a new session.
func (p *Postgres) InsertSession(ctx context.Context, s model.Session) (model.Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = model.SessionScheduled
	}
	var capacity sql.NullInt64
	if s.Capacity != nil {
		capacity = sql.NullInt64{Int64: int64(*s.Capacity), Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, course_id, section_id, name, session_date, start_time, end_time, location, capacity, status)
		VALUES ($1,$2,$3,$4,$5::date,$6::time,$7::time,$8,$9,$10)
		RETURNING created_at
	`, s.ID, s.CourseID, s.SectionID, s.Name, s.Date, s.StartTime, s.EndTime, s.Location, capacity, s.Status)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return model.Session{}, mapErr(err)
	}
	return s, nil
}

// UpdateSessionStatus sets the lifecycle status of a session.
func (p *Postgres) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessionIDs returns every session id.
func (p *Postgres) ListSessionIDs(ctx context.Context) ([]string, error) {
	return p.column(ctx, `SELECT id FROM sessions ORDER BY id`)
}

// ListSessionSectionIDs returns the distinct sections that have at least one session.
func (p *Postgres) ListSessionSectionIDs(ctx context.Context) ([]string, error) {
	return p.column(ctx, `SELECT DISTINCT section_id FROM sessions ORDER BY section_id`)
}

func (p *Postgres) column(ctx context.Context, query string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const enrollmentColumns = `id, student_id, section_id, to_char(enrollment_date, 'YYYY-MM-DD'), status, created_at`

func scanEnrollment(row rowScanner) (model.Enrollment, error) {
	var (
		e       model.Enrollment
		section sql.NullString
		date    sql.NullString
	)
	if err := row.Scan(&e.ID, &e.StudentID, &section, &date, &e.Status, &e.CreatedAt); err != nil {
		return model.Enrollment{}, err
	}
	e.SectionID = section.String
	e.EnrollmentDate = date.String
	return e, nil
}

// GetActiveEnrollment returns the active enrollment of a student in a section, or nil.
func (p *Postgres) GetActiveEnrollment(ctx context.Context, studentID, sectionID string) (*model.Enrollment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments
		WHERE student_id = $1 AND section_id = $2 AND status = 'active'
		ORDER BY created_at
		LIMIT 1
	`, studentID, sectionID)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// InsertEnrollment writes a new enrollment.
func (p *Postgres) InsertEnrollment(ctx context.Context, e model.Enrollment) (model.Enrollment, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = model.EnrollmentActive
	}
	var date sql.NullString
	if e.EnrollmentDate != "" {
		date = sql.NullString{String: e.EnrollmentDate, Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO enrollments (id, student_id, section_id, enrollment_date, status)
		VALUES ($1,$2,$3,$4::date,$5)
		RETURNING created_at
	`, e.ID, e.StudentID, e.SectionID, date, e.Status)
	if err := row.Scan(&e.CreatedAt); err != nil {
		return model.Enrollment{}, mapErr(err)
	}
	return e, nil
}

// ListActiveEnrollments returns the active enrollments of a section.
func (p *Postgres) ListActiveEnrollments(ctx context.Context, sectionID string) ([]model.Enrollment, error) {
	return p.enrollments(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE section_id = $1 AND status = 'active' ORDER BY id`, sectionID)
}

// ListEnrollments returns every enrollment row, including malformed ones.
func (p *Postgres) ListEnrollments(ctx context.Context) ([]model.Enrollment, error) {
	return p.enrollments(ctx, `SELECT `+enrollmentColumns+` FROM enrollments ORDER BY id`)
}

func (p *Postgres) enrollments(ctx context.Context, query string, args ...any) ([]model.Enrollment, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

const attendanceColumns = `id, session_id, student_id, method, COALESCE(token, ''), status, marked_at`

func scanAttendance(row rowScanner) (model.AttendanceEvent, error) {
	var ev model.AttendanceEvent
	err := row.Scan(&ev.ID, &ev.SessionID, &ev.StudentID, &ev.Method, &ev.Token, &ev.Status, &ev.MarkedAt)
	return ev, err
}

// GetAttendance returns the event of a student in a session, or nil.
func (p *Postgres) GetAttendance(ctx context.Context, sessionID, studentID string) (*model.AttendanceEvent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+attendanceColumns+`
		FROM attendance_events
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	ev, err := scanAttendance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

// InsertAttendance writes an event. A second event for the same session and
// student fails with ErrDuplicate via the table's unique constraint.
func (p *Postgres) InsertAttendance(ctx context.Context, ev model.AttendanceEvent) (model.AttendanceEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.MarkedAt.IsZero() {
		ev.MarkedAt = time.Now().UTC()
	}
	var tok sql.NullString
	if ev.Token != "" {
		tok = sql.NullString{String: ev.Token, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_events (id, session_id, student_id, method, token, status, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, ev.ID, ev.SessionID, ev.StudentID, ev.Method, tok, ev.Status, ev.MarkedAt)
	if err != nil {
		return model.AttendanceEvent{}, mapErr(err)
	}
	return ev, nil
}

// ListAttendance returns the events of one session.
func (p *Postgres) ListAttendance(ctx context.Context, sessionID string) ([]model.AttendanceEvent, error) {
	return p.attendance(ctx, `SELECT `+attendanceColumns+` FROM attendance_events WHERE session_id = $1 ORDER BY marked_at`, sessionID)
}

// ListAttendanceRecords returns every attendance row.
func (p *Postgres) ListAttendanceRecords(ctx context.Context) ([]model.AttendanceEvent, error) {
	return p.attendance(ctx, `SELECT `+attendanceColumns+` FROM attendance_events ORDER BY id`)
}

func (p *Postgres) attendance(ctx context.Context, query string, args ...any) ([]model.AttendanceEvent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.AttendanceEvent
	for rows.Next() {
		ev, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// DeleteAttendance removes attendance rows by id. Remediation only.
func (p *Postgres) DeleteAttendance(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM attendance_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetAttendanceStatus overwrites the status of attendance rows. Remediation only.
func (p *Postgres) SetAttendanceStatus(ctx context.Context, ids []string, status model.AttendanceStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `UPDATE attendance_events SET status = $2 WHERE id = ANY($1)`, ids, status)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetEnrollmentStatus overwrites the status of enrollment rows. Remediation only.
func (p *Postgres) SetEnrollmentStatus(ctx context.Context, ids []string, status model.EnrollmentStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `UPDATE enrollments SET status = $2 WHERE id = ANY($1)`, ids, status)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}
