package consistency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rollcall/internal/model"
)

// ErrNotConfirmed is returned when Remediate is called without explicit
// confirmation and an actor.
var ErrNotConfirmed = errors.New("consistency: remediation requires explicit confirmation")

// Statuses that invalid rows are coerced to.
const (
	SafeAttendanceStatus = model.AttendanceAbsent
	SafeEnrollmentStatus = model.EnrollmentInactive
)

// Remediator is the write side used only by Remediate.
type Remediator interface {
	DeleteAttendance(ctx context.Context, ids []string) (int64, error)
	SetAttendanceStatus(ctx context.Context, ids []string, status model.AttendanceStatus) (int64, error)
	SetEnrollmentStatus(ctx context.Context, ids []string, status model.EnrollmentStatus) (int64, error)
}

// RemediationRequest must be built deliberately: nothing happens unless
// Confirm is set and an Actor is named.
type RemediationRequest struct {
	Confirm        bool   `json:"confirm"`
	Actor          string `json:"actor"`
	DeleteOrphans  bool   `json:"delete_orphans"`
	CoerceStatuses bool   `json:"coerce_statuses"`
}

// RemediationResult counts the rows touched.
type RemediationResult struct {
	DeletedAttendance int64 `json:"deleted_attendance"`
	FixedAttendance   int64 `json:"fixed_attendance"`
	FixedEnrollments  int64 `json:"fixed_enrollments"`
}

// Remediate deletes orphaned attendance rows and coerces invalid statuses to
// safe defaults, based on the issues in report. It is destructive and is never
// called by Run.
func Remediate(ctx context.Context, w Remediator, report Report, req RemediationRequest) (RemediationResult, error) {
	var res RemediationResult
	if !req.Confirm || strings.TrimSpace(req.Actor) == "" {
		return res, ErrNotConfirmed
	}

	var orphans, badAttendance, badEnrollments []string
	for _, is := range report.Issues {
		switch {
		case is.Kind == KindOrphanedRecord && is.Table == "attendance_events":
			orphans = append(orphans, is.RecordID)
		case is.Kind == KindInvalidStatus && is.Table == "attendance_events":
			badAttendance = append(badAttendance, is.RecordID)
		case is.Kind == KindInvalidStatus && is.Table == "enrollments":
			badEnrollments = append(badEnrollments, is.RecordID)
		}
	}

	var err error
	if req.DeleteOrphans {
		if res.DeletedAttendance, err = w.DeleteAttendance(ctx, orphans); err != nil {
			return res, fmt.Errorf("delete orphaned attendance: %w", err)
		}
	}
	if req.CoerceStatuses {
		if res.FixedAttendance, err = w.SetAttendanceStatus(ctx, badAttendance, SafeAttendanceStatus); err != nil {
			return res, fmt.Errorf("fix attendance status: %w", err)
		}
		if res.FixedEnrollments, err = w.SetEnrollmentStatus(ctx, badEnrollments, SafeEnrollmentStatus); err != nil {
			return res, fmt.Errorf("fix enrollment status: %w", err)
		}
	}
	return res, nil
}
