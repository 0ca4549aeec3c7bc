package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/faceclient"
	"rollcall/internal/httpapi"
	"rollcall/internal/obs"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/token"
)

func main() {
	cfg := config.Load()
	obs.SetLevel(cfg.LogLevel)
	obs.Init()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		obs.Logger().WithError(err).Fatal("http server failed")
	}
}

func runHTTP(cfg config.App) error {
	log := obs.Module("api")
	ctx := context.Background()
	checks := map[string]httpapi.HealthCheck{}

	var st attendance.Store
	if cfg.StoreBackend == "memory" {
		log.Warn("using in-memory store; data is lost on restart")
		st = store.NewMemory()
	} else {
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.ApplySchema(ctx); err != nil {
			return err
		}
		st = store.NewPostgres(db.Client)
		checks["db"] = func(ctx context.Context) bool { return db.Client.PingContext(ctx) == nil }
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		q = queue.NewRedisQueue(redisClient.Client, "")
		checks["redis"] = redisClient.Healthy
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if cfg.FaceSkip {
		log.Warn("FACE_SKIP set; facial recognition attempts will be rejected")
	} else {
		if err := face.Health(ctx); err != nil {
			log.WithError(err).Warn("face service not available; facial recognition will fail until it is")
		}
	}

	codec := token.NewCodec(token.Config{RotationInterval: cfg.TokenRotation, GraceWindow: cfg.TokenGrace}, []byte(cfg.TokenSecret))
	if !codec.Signed() {
		log.Warn("TOKEN_SECRET not set; attendance codes are unsigned")
	}

	svc := attendance.NewService(attendance.Options{
		Store:     st,
		Codec:     codec,
		Faces:     face,
		Events:    q,
		Location:  cfg.Location(),
		LateAfter: cfg.LateAfter,
	})

	r := httpapi.Router(httpapi.RouterConfig{
		JWTSigningKey:   cfg.JWTSigningKey,
		JWTIssuer:       cfg.JWTIssuer,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Production:      cfg.Production(),
	}, httpapi.New(svc, checks))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.HTTPPort).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced shutdown")
	}
	log.Info("server exited")
	return nil
}
