package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rollcall/internal/apperr"
	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/consistency"
	"rollcall/internal/model"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Handler serves the HTTP API on top of the attendance service.
type Handler struct {
	svc    *attendance.Service
	checks map[string]HealthCheck
}

// New creates a handler. checks are reported by /healthz under their names.
func New(svc *attendance.Service, checks map[string]HealthCheck) *Handler {
	return &Handler{svc: svc, checks: checks}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Sessions ----------

type createSessionRequest struct {
	CourseID  string  `json:"course_id" binding:"required"`
	SectionID string  `json:"section_id" binding:"required"`
	Name      string  `json:"name" binding:"required"`
	Date      string  `json:"date" binding:"required"`
	StartTime string  `json:"start_time" binding:"required"`
	EndTime   string  `json:"end_time" binding:"required"`
	Location  *string `json:"location"`
	Capacity  *int    `json:"capacity"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.svc.CreateSession(c.Request.Context(), model.Session{
		CourseID:  req.CourseID,
		SectionID: req.SectionID,
		Name:      req.Name,
		Date:      req.Date,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Location:  req.Location,
		Capacity:  req.Capacity,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type statusRequest struct {
	Status model.SessionStatus `json:"status" binding:"required"`
}

func (h *Handler) UpdateSessionStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	session, err := h.svc.UpdateSessionStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *Handler) SessionToken(c *gin.Context) {
	display, err := h.svc.DisplayToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, display)
}

// ---------- Enrollments ----------

type enrollRequest struct {
	StudentID      string                 `json:"student_id" binding:"required"`
	SectionID      string                 `json:"section_id" binding:"required"`
	EnrollmentDate string                 `json:"enrollment_date"`
	Status         model.EnrollmentStatus `json:"status"`
}

func (h *Handler) Enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.svc.Enroll(c.Request.Context(), model.Enrollment{
		StudentID:      req.StudentID,
		SectionID:      req.SectionID,
		EnrollmentDate: req.EnrollmentDate,
		Status:         req.Status,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ---------- Attendance ----------

type markRequest struct {
	SessionID string       `json:"session_id" binding:"required"`
	Token     string       `json:"token"`
	Method    model.Method `json:"method"`
	ImageURL  string       `json:"image_url" binding:"omitempty,url"`
}

// MarkAttendance records attendance for the authenticated student; the
// student id always comes from the bearer token.
func (h *Handler) MarkAttendance(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	ev, err := h.svc.MarkAttendance(c.Request.Context(), attendance.MarkRequest{
		SessionID: req.SessionID,
		StudentID: claims.Subject,
		Token:     req.Token,
		Method:    req.Method,
		ImageURL:  req.ImageURL,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"attendance": ev})
}

// ---------- Audit ----------

func (h *Handler) RunAudit(c *gin.Context) {
	report, err := h.svc.RunConsistencyAudit(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) RequestAudit(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	if err := h.svc.RequestAudit(c.Request.Context(), claims.Subject); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handler) Remediate(c *gin.Context) {
	var req consistency.RemediationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	req.Actor = claims.Subject
	res, err := h.svc.Remediate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ---------- Errors ----------

func (h *Handler) badRequest(c *gin.Context, err error) {
	appErr := h.svc.Classifier().Classify(err, map[string]any{"path": c.FullPath()})
	appErr.Category = apperr.CategoryValidation
	appErr.Retryable = false
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": appErr})
}

func respondError(c *gin.Context, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.New(apperr.CategoryUnknown, apperr.SeverityError, "An unexpected error occurred. Please try again.")
	}
	c.AbortWithStatusJSON(statusFor(appErr), gin.H{"error": appErr})
}

// statusFor maps an error category to an HTTP status. Rejections of a repeat
// action are conflicts rather than bad input.
func statusFor(e *apperr.AppError) int {
	switch e.Category {
	case apperr.CategoryValidation:
		if strings.Contains(strings.ToLower(e.Message), "already") {
			return http.StatusConflict
		}
		return http.StatusUnprocessableEntity
	case apperr.CategoryAuthentication:
		return http.StatusUnauthorized
	case apperr.CategoryAuthorization:
		return http.StatusForbidden
	case apperr.CategoryNotFound:
		return http.StatusNotFound
	case apperr.CategoryNetwork, apperr.CategoryDatabase:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
