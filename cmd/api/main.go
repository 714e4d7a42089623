package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/audit"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/faceclient"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/notify"
	"rollcall/internal/roster"
	"rollcall/internal/snapshot"
	"rollcall/internal/store"
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
	var (
		db      *store.DB
		attStor attendance.Store
		ros     attendance.Roster
		auditor attendance.AuditLog
	)
	if cfg.StoreBackend == "memory" {
		log.Println("using in-memory store (STORE_BACKEND=memory)")
		attStor = attendance.NewMemStore()
		ros = roster.Static{}
		auditor = audit.Logger{}
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer db.Close()
		attStor = attendance.NewRepository(db.Client)
		ros = roster.NewPostgres(db.Client)
		auditor = audit.NewPostgres(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisDialTimeout)

	var broker notify.Broker
	if cfg.NotifyBackend == "memory" {
		broker = notify.NewInMemory(64)
	} else {
		broker = notify.NewRedisBroker(redisClient.Client, cfg.NotifyChannel)
	}

	gate := attendance.NewGate()
	resolver := attendance.NewResolver(attStor, broker)
	ingestor := attendance.NewIngestor(attStor, ros, resolver, gate, cfg.FaceThreshold, cfg.DuplicateEpsilon)
	manager := attendance.NewManager(attStor, ros, auditor, resolver, gate, cfg.DrainTimeout)
	aggregator := attendance.NewAggregator(attStor, attendance.RatePolicy{CountLateAsPresent: cfg.CountLateAsPresent})

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	var snapshots *snapshot.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		snapshots = snapshot.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role != auth.RoleLecturer && req.Role != auth.RoleDevice {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		tokens, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassID           string    `json:"class_id" binding:"required"`
			ScheduledStart    time.Time `json:"scheduled_start" binding:"required"`
			ScheduledEnd      time.Time `json:"scheduled_end" binding:"required"`
			LateWindowSeconds *int64    `json:"late_window_seconds"`
			AutoMarkAbsent    *bool     `json:"auto_mark_absent"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pol := attendance.SessionPolicy{
			LateWindow:     cfg.DefaultLateWindow,
			AutoMarkAbsent: cfg.AutoMarkAbsent,
		}
		if req.LateWindowSeconds != nil {
			pol.LateWindow = time.Duration(*req.LateWindowSeconds) * time.Second
		}
		if req.AutoMarkAbsent != nil {
			pol.AutoMarkAbsent = *req.AutoMarkAbsent
		}
		ses, err := manager.StartSession(c.Request.Context(), req.ClassID, req.ScheduledStart, req.ScheduledEnd, pol)
		if err != nil {
			abortDomain(c, err)
			return
		}
		c.JSON(http.StatusCreated, ses)
	})

	authGroup.POST("/sessions/:id/end", func(c *gin.Context) {
		ses, err := manager.EndSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortDomain(c, err)
			return
		}
		c.JSON(http.StatusOK, ses)
	})

	authGroup.POST("/sessions/:id/cancel", func(c *gin.Context) {
		ses, err := manager.CancelSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortDomain(c, err)
			return
		}
		c.JSON(http.StatusOK, ses)
	})

	authGroup.POST("/sessions/:id/events", func(c *gin.Context) {
		var req struct {
			StudentID  string               `json:"student_id" binding:"required"`
			Method     string               `json:"method" binding:"required"`
			OccurredAt time.Time            `json:"occurred_at"`
			Confidence *float64             `json:"confidence"`
			Location   *attendance.Location `json:"location"`
			ImageURL   string               `json:"image_url"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sub := attendance.Submission{
			SessionID:   c.Param("id"),
			StudentID:   req.StudentID,
			Method:      attendance.Method(strings.ToLower(req.Method)),
			OccurredAt:  req.OccurredAt,
			Confidence:  req.Confidence,
			Location:    req.Location,
			EvidenceURL: req.ImageURL,
		}

		// Face submissions may carry an image instead of a confidence;
		// the face service scores it and the score rides along opaque.
		if sub.Method == attendance.MethodFace && sub.Confidence == nil && req.ImageURL != "" {
			score, err := face.Verify(c.Request.Context(), req.StudentID, req.ImageURL)
			if err != nil {
				log.Printf("face verify failed: %v", err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "face verification unavailable"})
				return
			}
			sub.Confidence = &score
		}

		evt, err := ingestor.SubmitEvent(c.Request.Context(), sub)
		if err != nil {
			abortDomain(c, err)
			return
		}
		c.JSON(http.StatusAccepted, evt)
	})

	authGroup.POST("/sessions/:id/records/:studentID/override", auth.RequireRole(auth.RoleLecturer), func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required"`
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.ClaimsFrom(c)
		rec, err := manager.OverrideRecord(c.Request.Context(), c.Param("id"), c.Param("studentID"),
			attendance.RecordStatus(strings.ToLower(req.Status)), req.Reason, claims.Subject)
		if err != nil {
			abortDomain(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	authGroup.GET("/sessions/:id/stats", func(c *gin.Context) {
		provisional := c.Query("provisional") == "true"
		stats, err := aggregator.SessionStats(c.Request.Context(), c.Param("id"), provisional)
		if err != nil {
			abortDomain(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	authGroup.GET("/classes/:classID/students/:studentID/history", func(c *gin.Context) {
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -90)
		if v := c.Query("from"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
				return
			}
			from = parsed
		}
		if v := c.Query("to"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
				return
			}
			to = parsed
		}
		stats, err := aggregator.StudentHistory(c.Request.Context(), c.Param("classID"), c.Param("studentID"), from, to)
		if err != nil {
			abortDomain(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	authGroup.GET("/classes/:classID/trend", func(c *gin.Context) {
		days := 30
		if v := c.Query("days"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				days = parsed
			}
		}
		it, err := aggregator.Trend(c.Request.Context(), c.Param("classID"), days)
		if err != nil {
			abortDomain(c, err)
			return
		}
		points := []attendance.TrendPoint{}
		for {
			point, ok, err := it.Next(c.Request.Context())
			if err != nil {
				abortDomain(c, err)
				return
			}
			if !ok {
				break
			}
			points = append(points, point)
		}
		c.JSON(http.StatusOK, gin.H{"points": points})
	})

	authGroup.POST("/uploads", func(c *gin.Context) {
		if snapshots == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}

		var result *snapshot.UploadResult
		var err error
		switch {
		case strings.Contains(c.ContentType(), "multipart/form-data"):
			file, header, ferr := c.Request.FormFile("file")
			if ferr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
				return
			}
			defer file.Close()
			data, ferr := io.ReadAll(file)
			if ferr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
				return
			}
			result, err = snapshots.UploadBytes(data, header.Filename)
		default:
			var body struct {
				Data string `json:"data" binding:"required"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
				return
			}
			result, err = snapshots.UploadBase64(body.Data)
		}
		if err != nil {
			log.Printf("snapshot upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"url":       result.SecureURL,
			"public_id": result.PublicID,
			"bytes":     result.Bytes,
		})
	})

	return serve(r, cfg.HTTPPort)
}

// serve runs the HTTP server with graceful shutdown on SIGINT/SIGTERM.
func serve(handler http.Handler, port string) error {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// abortDomain maps domain errors to HTTP status codes.
func abortDomain(c *gin.Context, err error) {
	var pe *attendance.PersistenceError
	switch {
	case errors.Is(err, attendance.ErrSessionNotFound), errors.Is(err, attendance.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrInvalidStateTransition),
		errors.Is(err, attendance.ErrSessionClosed),
		errors.Is(err, attendance.ErrSessionNotFinalized):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrNotEnrolled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &pe):
		log.Printf("storage failure: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
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
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
