package attendance

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"rollcall/internal/apperr"
	"rollcall/internal/consistency"
	"rollcall/internal/obs"
	"rollcall/internal/queue"
)

// Audit triggers, used as a metric label.
const (
	TriggerOnDemand  = "on_demand"
	TriggerScheduled = "scheduled"
	TriggerQueued    = "queued"
)

// RunConsistencyAudit runs every consistency sweep now. It never writes.
func (s *Service) RunConsistencyAudit(ctx context.Context) (consistency.Report, error) {
	return s.Audit(ctx, TriggerOnDemand)
}

// Audit runs the consistency sweeps and records the outcome under trigger.
func (s *Service) Audit(ctx context.Context, trigger string) (consistency.Report, error) {
	report, err := s.auditor.Run(ctx)
	if err != nil {
		obs.AuditRuns.WithLabelValues(trigger, "error").Inc()
		return consistency.Report{}, s.fail("consistency_audit", err)
	}
	obs.AuditRuns.WithLabelValues(trigger, "ok").Inc()
	obs.AuditIssues.WithLabelValues(string(consistency.SeverityCritical)).Set(float64(report.Summary.Critical))
	obs.AuditIssues.WithLabelValues(string(consistency.SeverityHigh)).Set(float64(report.Summary.High))
	obs.AuditIssues.WithLabelValues(string(consistency.SeverityMedium)).Set(float64(report.Summary.Medium))
	obs.AuditIssues.WithLabelValues(string(consistency.SeverityLow)).Set(float64(report.Summary.Low))

	entry := s.log.WithFields(logrus.Fields{
		"trigger":  trigger,
		"issues":   report.Summary.Total,
		"critical": report.Summary.Critical,
	})
	if report.IsConsistent {
		entry.Info("consistency audit clean")
	} else {
		entry.Warn("consistency audit found issues")
	}
	return report, nil
}

// Remediate runs a fresh audit and repairs what it finds, subject to the
// explicit confirmation in req.
func (s *Service) Remediate(ctx context.Context, req consistency.RemediationRequest) (consistency.RemediationResult, error) {
	if !req.Confirm || req.Actor == "" {
		return consistency.RemediationResult{}, s.fail("remediate",
			apperr.New(apperr.CategoryValidation, apperr.SeverityWarning, "Remediation must be confirmed by a named actor"))
	}
	report, err := s.Audit(ctx, TriggerOnDemand)
	if err != nil {
		return consistency.RemediationResult{}, err
	}
	res, err := consistency.Remediate(ctx, s.store, report, req)
	if errors.Is(err, consistency.ErrNotConfirmed) {
		return res, s.fail("remediate", apperr.New(apperr.CategoryValidation, apperr.SeverityWarning, "Remediation must be confirmed by a named actor"))
	}
	if err != nil {
		return res, s.fail("remediate", err)
	}
	s.log.WithFields(logrus.Fields{
		"actor":              req.Actor,
		"deleted_attendance": res.DeletedAttendance,
		"fixed_attendance":   res.FixedAttendance,
		"fixed_enrollments":  res.FixedEnrollments,
	}).Warn("consistency remediation applied")
	return res, nil
}

// RequestAudit asks the worker to run an audit.
func (s *Service) RequestAudit(ctx context.Context, actor string) error {
	if s.events == nil {
		return s.fail("request_audit", apperr.New(apperr.CategoryUnknown, apperr.SeverityError, "Audit queue is not configured"))
	}
	msg, err := queue.NewMessage(queue.TypeAuditRequested, queue.AuditRequested{Actor: actor, RequestedAt: s.now().UTC()})
	if err != nil {
		return s.fail("request_audit", err)
	}
	if err := s.events.Publish(ctx, msg); err != nil {
		return s.fail("request_audit", fmt.Errorf("publish audit request: %w", err))
	}
	return nil
}

// HandleMessage processes one queue message on the worker side.
func (s *Service) HandleMessage(ctx context.Context, msg queue.Message) error {
	switch msg.Type {
	case queue.TypeAuditRequested:
		var req queue.AuditRequested
		if err := msg.Decode(&req); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.log.WithField("actor", req.Actor).Info("audit requested")
		_, err := s.Audit(ctx, TriggerQueued)
		return err
	case queue.TypeAttendanceMarked:
		var ev queue.AttendanceMarked
		if err := msg.Decode(&ev); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.log.WithFields(logrus.Fields{
			"event_id":   ev.EventID,
			"session_id": ev.SessionID,
			"student_id": ev.StudentID,
			"status":     ev.Status,
		}).Info("attendance recorded")
		return nil
	default:
		s.log.WithField("type", msg.Type).Warn("ignoring unknown message type")
		return nil
	}
}
