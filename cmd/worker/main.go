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
	"rollcall/internal/obs"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/token"
	"rollcall/internal/worker"
)

// Worker consumes queue messages and runs the scheduled consistency audit.
func main() {
	cfg := config.Load()
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	log := obs.Module("worker")
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db connect failed")
	}
	defer db.Close()
	if err := db.ApplySchema(ctx); err != nil {
		log.WithError(err).Fatal("schema setup failed")
	}

	// An in-memory queue is local to one process, so the API can never publish
	// to it. In that mode the worker only runs scheduled audits.
	var (
		q    queue.Queue
		lock worker.Lock
	)
	if cfg.QueueBackend == "memory" {
		log.Warn("QUEUE_BACKEND=memory; running scheduled audits only")
		lock = worker.LocalLock{}
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			log.Warn("redis not reachable; consumption will retry")
		}
		q = queue.NewRedisQueue(redisClient.Client, "")
		lock = worker.NewRedisLock(redisClient.Client)
	}

	svc := attendance.NewService(attendance.Options{
		Store:     store.NewPostgres(db.Client),
		Codec:     token.NewCodec(token.Config{RotationInterval: cfg.TokenRotation, GraceWindow: cfg.TokenGrace}, []byte(cfg.TokenSecret)),
		Location:  cfg.Location(),
		LateAfter: cfg.LateAfter,
	})
	w := worker.New(svc, lock, cfg.AuditInterval)

	var messages <-chan queue.Message
	if q != nil {
		messages, err = q.Consume(ctx)
		if err != nil {
			log.WithError(err).Fatal("queue consume init failed")
		}
	}

	metrics := serveMetrics(cfg.MetricsPort)
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	log.WithField("audit_interval", cfg.AuditInterval.String()).Info("worker started")
	w.Run(ctx, messages)
	log.Info("worker stopped")
}

// serveMetrics exposes the Prometheus endpoint in the background.
func serveMetrics(port string) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(obs.Handler()))
	srv := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Module("worker").WithError(err).Error("metrics server failed")
		}
	}()
	return srv
}
