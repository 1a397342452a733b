package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jovidjumaev/fusas/internal/attendance"
	"github.com/jovidjumaev/fusas/internal/auth"
	"github.com/jovidjumaev/fusas/internal/clock"
	"github.com/jovidjumaev/fusas/internal/config"
	"github.com/jovidjumaev/fusas/internal/enrollment"
	"github.com/jovidjumaev/fusas/internal/events"
	"github.com/jovidjumaev/fusas/internal/httpmiddleware"
	"github.com/jovidjumaev/fusas/internal/queue"
	"github.com/jovidjumaev/fusas/internal/session"
	"github.com/jovidjumaev/fusas/internal/store"
	"github.com/jovidjumaev/fusas/internal/token"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	codec, err := token.NewCodec(cfg.TokenSecret, cfg.TokenWindow)
	if err != nil {
		return err
	}

	clk := clock.New()
	bus := events.NewRedisBus(redisClient.Client)

	sessions := session.NewPostgresStore(db.Client)
	records := attendance.NewRepository(db.Client)
	enrolled := enrollment.NewPostgresLookup(db.Client)

	rotator := session.NewRotator(codec, sessions, clk, bus)
	reconciler := attendance.NewReconciler(records, enrolled, bus)
	controller := session.NewController(sessions, codec, rotator, clk, bus, reconciler, cfg.SessionTimeout)
	recorder := attendance.NewRecorder(codec, sessions, records, enrolled, clk, bus, cfg.GracePeriod)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "fusas:events")
	}

	hub := events.NewHub(redisClient.Client, cfg.JWTSigningKey, cfg.JWTIssuer)

	// Re-arm hard timeouts for sessions that were open when the last
	// process stopped.
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := controller.ResumeTimeouts(startCtx); err != nil {
		log.Printf("warning: resume timeouts: %v", err)
	}
	startCancel()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev-only token mint so local clients can exercise the API without the
	// external identity provider.
	if cfg.Env == "dev" {
		r.POST("/v1/auth/dev-token", func(c *gin.Context) {
			var req struct {
				Subject string `json:"subject" binding:"required"`
				Role    string `json:"role" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			signed, exp, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"access_token": signed, "expires_at": exp.Unix()})
		})
	}

	authed := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))

	// Lifecycle transitions are instructor-only; each endpoint carries only
	// the session id, the state machine decides everything else.
	instructor := authed.Group("", auth.RequireRole(auth.RoleInstructor))

	transition := func(name string, fn func(context.Context, string) (session.Session, error)) gin.HandlerFunc {
		return func(c *gin.Context) {
			sess, err := fn(c.Request.Context(), c.Param("id"))
			if err != nil {
				writeSessionError(c, name, err)
				return
			}
			c.JSON(http.StatusOK, sessionView(sess, true))
		}
	}

	instructor.POST("/sessions/:id/activate", transition("activate", controller.Activate))
	instructor.POST("/sessions/:id/pause", transition("pause", controller.Pause))
	instructor.POST("/sessions/:id/resume", transition("resume", controller.Resume))
	instructor.POST("/sessions/:id/complete", transition("complete", controller.Complete))
	instructor.POST("/sessions/:id/cancel", transition("cancel", controller.Cancel))

	instructor.GET("/sessions/:id", func(c *gin.Context) {
		sess, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeSessionError(c, "get", err)
			return
		}
		c.JSON(http.StatusOK, sessionView(sess, true))
	})

	instructor.GET("/sessions/:id/records", func(c *gin.Context) {
		recs, err := records.ListBySession(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeSessionError(c, "records", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	instructor.PATCH("/sessions/:id/records/:studentID", func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required"`
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.FromContext(c)
		rec, err := recorder.Override(c.Request.Context(),
			c.Param("id"), c.Param("studentID"),
			attendance.RecordStatus(req.Status), claims.Subject, req.Reason)
		if err != nil {
			switch {
			case errors.Is(err, attendance.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			case errors.Is(err, attendance.ErrAlreadyOverridden):
				c.JSON(http.StatusConflict, gin.H{"error": "record already overridden"})
			case errors.Is(err, store.ErrUnavailable):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	// Students redeem with the scanned token; their identity comes from the
	// bearer token, never the request body.
	student := authed.Group("", auth.RequireRole(auth.RoleStudent))

	student.POST("/attendance/redeem", func(c *gin.Context) {
		var req struct {
			Token             string `json:"token" binding:"required"`
			DeviceFingerprint string `json:"device_fingerprint"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.FromContext(c)

		rec, err := recorder.Redeem(c.Request.Context(), req.Token, claims.Subject, attendance.RedemptionContext{
			DeviceFingerprint: req.DeviceFingerprint,
			NetworkOrigin:     c.ClientIP(),
		})
		if err != nil {
			writeRedeemError(c, rec, err)
			return
		}

		if err := q.Publish(c.Request.Context(), attendanceMessage(rec)); err != nil {
			log.Printf("queue publish failed: %v", err)
		}

		c.JSON(http.StatusCreated, rec)
	})

	student.GET("/attendance/sessions/:id/me", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		rec, err := records.Get(c.Request.Context(), c.Param("id"), claims.Subject)
		if err != nil {
			if errors.Is(err, attendance.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no record"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	// Live views: one socket per session, one per class dashboard.
	r.GET("/v1/sessions/:id/live", func(c *gin.Context) {
		hub.HandleWebSocket(events.SessionTopic(c.Param("id")))(c.Writer, c.Request)
	})
	r.GET("/v1/classes/:id/live", func(c *gin.Context) {
		hub.HandleWebSocket(events.DashboardTopic(c.Param("id")))(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	rotator.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// sessionView shapes a session for API responses. The current token is only
// included for the instructor view that renders the QR code.
func sessionView(s session.Session, includeToken bool) gin.H {
	view := gin.H{
		"id":               s.ID,
		"class_id":         s.ClassID,
		"scheduled_date":   s.ScheduledDate,
		"scheduled_start":  s.ScheduledStart,
		"scheduled_end":    s.ScheduledEnd,
		"status":           s.Status,
		"is_active":        s.IsActive,
		"attendance_count": s.AttendanceCount,
		"total_enrolled":   s.TotalEnrolled,
	}
	if includeToken && s.CurrentToken != "" {
		view["current_token"] = s.CurrentToken
		view["token_expires_at"] = s.TokenExpiresAt
	}
	return view
}

func attendanceMessage(rec attendance.Record) queue.Message {
	body, _ := json.Marshal(queue.AttendanceMessage{
		SessionID: rec.SessionID,
		StudentID: rec.StudentID,
		Status:    string(rec.Status),
	})
	return queue.Message{Type: "attendance", Body: body}
}

func writeSessionError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrPreconditionFailed):
		c.JSON(http.StatusConflict, gin.H{"error": op + " not allowed in current state"})
	case errors.Is(err, store.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		log.Printf("%s failed: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// writeRedeemError keeps client-visible messages generic; the metrics and
// logs carry the distinguished reason.
func writeRedeemError(c *gin.Context, rec attendance.Record, err error) {
	switch {
	case errors.Is(err, attendance.ErrAlreadyRecorded):
		// Idempotent read on conflict: the existing record comes back.
		c.JSON(http.StatusConflict, gin.H{"error": "attendance already recorded", "record": rec})
	case errors.Is(err, attendance.ErrMalformedToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attendance code"})
	case errors.Is(err, attendance.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired attendance code"})
	case errors.Is(err, attendance.ErrSessionNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "session is not open for attendance"})
	case errors.Is(err, attendance.ErrNotEnrolled):
		c.JSON(http.StatusForbidden, gin.H{"error": "not enrolled in this class"})
	case errors.Is(err, store.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		log.Printf("redeem failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
