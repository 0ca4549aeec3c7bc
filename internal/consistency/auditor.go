// Package consistency sweeps the data store for orphaned and invalid records.
// Audits only read; fixing what they find goes through Remediate.
package consistency

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"rollcall/internal/model"
)

// IssueKind classifies a structural defect.
type IssueKind string

const (
	KindOrphanedRecord   IssueKind = "orphaned_record"
	KindMissingReference IssueKind = "missing_reference"
	KindInvalidStatus    IssueKind = "invalid_status"
	KindDataMismatch     IssueKind = "data_mismatch"
)

// Severity ranks an issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is one defect found by a sweep. Issues are reported, never stored.
type Issue struct {
	Kind            IssueKind `json:"type"`
	Table           string    `json:"table"`
	RecordID        string    `json:"record_id"`
	Description     string    `json:"description"`
	Severity        Severity  `json:"severity"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
}

// Summary tallies issues by severity.
type Summary struct {
	Total    int `json:"total_issues"`
	Critical int `json:"critical_issues"`
	High     int `json:"high_issues"`
	Medium   int `json:"medium_issues"`
	Low      int `json:"low_issues"`
}

// Report is the result of one audit run.
type Report struct {
	IsConsistent bool      `json:"is_consistent"`
	Issues       []Issue   `json:"issues"`
	Summary      Summary   `json:"summary"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Source is the read side the sweeps need.
type Source interface {
	ListSessionIDs(ctx context.Context) ([]string, error)
	ListSessionSectionIDs(ctx context.Context) ([]string, error)
	ListAttendanceRecords(ctx context.Context) ([]model.AttendanceEvent, error)
	ListEnrollments(ctx context.Context) ([]model.Enrollment, error)
}

type sweep struct {
	name string
	run  func(ctx context.Context, src Source) ([]Issue, error)
}

var sweeps = []sweep{
	{"orphaned_attendance", orphanedAttendance},
	{"enrollment_missing_section", enrollmentMissingSection},
	{"enrollment_unknown_section", enrollmentUnknownSection},
	{"attendance_invalid_status", attendanceInvalidStatus},
	{"enrollment_invalid_status", enrollmentInvalidStatus},
}

// Auditor runs the consistency sweeps.
type Auditor struct {
	src Source
	now func() time.Time
}

// NewAuditor creates an auditor over src.
func NewAuditor(src Source, now func() time.Time) *Auditor {
	if now == nil {
		now = time.Now
	}
	return &Auditor{src: src, now: now}
}

// Run executes every sweep concurrently and aggregates the issues in a fixed
// order, so two runs over unchanged data produce identical lists.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	results := make([][]Issue, len(sweeps))
	g, gctx := errgroup.WithContext(ctx)
	for i, sw := range sweeps {
		i, sw := i, sw
		g.Go(func() error {
			issues, err := sw.run(gctx, a.src)
			if err != nil {
				return fmt.Errorf("sweep %s: %w", sw.name, err)
			}
			sort.SliceStable(issues, func(x, y int) bool { return issues[x].RecordID < issues[y].RecordID })
			results[i] = issues
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{Issues: []Issue{}, CheckedAt: a.now().UTC()}
	for _, issues := range results {
		report.Issues = append(report.Issues, issues...)
	}
	for _, is := range report.Issues {
		switch is.Severity {
		case SeverityCritical:
			report.Summary.Critical++
		case SeverityHigh:
			report.Summary.High++
		case SeverityMedium:
			report.Summary.Medium++
		default:
			report.Summary.Low++
		}
	}
	report.Summary.Total = len(report.Issues)
	report.IsConsistent = report.Summary.Total == 0
	return report, nil
}

func orphanedAttendance(ctx context.Context, src Source) ([]Issue, error) {
	ids, err := src.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	live := toSet(ids)
	records, err := src.ListAttendanceRecords(ctx)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	for _, r := range records {
		if _, ok := live[r.SessionID]; ok {
			continue
		}
		issues = append(issues, Issue{
			Kind:            KindOrphanedRecord,
			Table:           "attendance_events",
			RecordID:        r.ID,
			Description:     fmt.Sprintf("Attendance record references non-existent session %s", r.SessionID),
			Severity:        SeverityHigh,
			SuggestedAction: "Delete the orphaned attendance record",
		})
	}
	return issues, nil
}

func enrollmentMissingSection(ctx context.Context, src Source) ([]Issue, error) {
	enrollments, err := src.ListEnrollments(ctx)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	for _, e := range enrollments {
		if e.SectionID != "" {
			continue
		}
		issues = append(issues, Issue{
			Kind:            KindMissingReference,
			Table:           "enrollments",
			RecordID:        e.ID,
			Description:     fmt.Sprintf("Enrollment of student %s has no section", e.StudentID),
			Severity:        SeverityCritical,
			SuggestedAction: "Assign the enrollment to a section or withdraw it",
		})
	}
	return issues, nil
}

func enrollmentUnknownSection(ctx context.Context, src Source) ([]Issue, error) {
	sections, err := src.ListSessionSectionIDs(ctx)
	if err != nil {
		return nil, err
	}
	used := toSet(sections)
	enrollments, err := src.ListEnrollments(ctx)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	for _, e := range enrollments {
		if e.SectionID == "" {
			continue
		}
		if _, ok := used[e.SectionID]; ok {
			continue
		}
		issues = append(issues, Issue{
			Kind:            KindMissingReference,
			Table:           "enrollments",
			RecordID:        e.ID,
			Description:     fmt.Sprintf("Enrollment references section %s which has no sessions", e.SectionID),
			Severity:        SeverityMedium,
			SuggestedAction: "Verify the section exists and has scheduled sessions",
		})
	}
	return issues, nil
}

func attendanceInvalidStatus(ctx context.Context, src Source) ([]Issue, error) {
	records, err := src.ListAttendanceRecords(ctx)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	for _, r := range records {
		if r.Status.Valid() {
			continue
		}
		issues = append(issues, Issue{
			Kind:            KindInvalidStatus,
			Table:           "attendance_events",
			RecordID:        r.ID,
			Description:     fmt.Sprintf("Attendance record has invalid status %q", r.Status),
			Severity:        SeverityMedium,
			SuggestedAction: "Set the status to present, late or absent",
		})
	}
	return issues, nil
}

func enrollmentInvalidStatus(ctx context.Context, src Source) ([]Issue, error) {
	enrollments, err := src.ListEnrollments(ctx)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	for _, e := range enrollments {
		if e.Status.Valid() {
			continue
		}
		issues = append(issues, Issue{
			Kind:            KindInvalidStatus,
			Table:           "enrollments",
			RecordID:        e.ID,
			Description:     fmt.Sprintf("Enrollment has invalid status %q", e.Status),
			Severity:        SeverityMedium,
			SuggestedAction: "Set the status to active, inactive or withdrawn",
		})
	}
	return issues, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
