package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"rollcall/internal/auth"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/obs"
)

// RouterConfig holds what the router needs beyond the handler.
type RouterConfig struct {
	JWTSigningKey   string
	JWTIssuer       string
	CORSOrigins     []string
	RateLimitPerMin int
	Production      bool
}

// Router builds the gin engine with middleware and all routes.
func Router(cfg RouterConfig, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(securityHeaders(cfg.Production))
	r.Use(httpmiddleware.NewIPLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(obs.Handler()))
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	{
		lecturer := v1.Group("", auth.RequireRole(auth.RoleLecturer))
		lecturer.POST("/sessions", h.CreateSession)
		lecturer.PATCH("/sessions/:id/status", h.UpdateSessionStatus)
		lecturer.GET("/sessions/:id/token", h.SessionToken)

		v1.POST("/attendance", auth.RequireRole(auth.RoleStudent), h.MarkAttendance)

		admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
		admin.POST("/enrollments", h.Enroll)
		admin.GET("/admin/audit", h.RunAudit)
		admin.POST("/admin/audit/requests", h.RequestAudit)
		admin.POST("/admin/audit/remediate", h.Remediate)
	}
	return r
}

func securityHeaders(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if production {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
