// Package worker runs the background side of the service: periodic
// consistency audits and queue consumption.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"rollcall/internal/apperr"
	"rollcall/internal/attendance"
	"rollcall/internal/consistency"
	"rollcall/internal/obs"
	"rollcall/internal/queue"
)

const (
	auditLockKey   = "rollcall:lock:consistency-audit"
	messageRetries = 3
)

// Lock lets one replica claim a scheduled run. A claim is held until ttl
// expires so that other replicas skip the same interval.
type Lock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLock claims runs with a redis lock.
type RedisLock struct {
	client *redislock.Client
}

// NewRedisLock builds a lock on client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: redislock.New(client)}
}

// TryLock obtains key without retrying.
func (l *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	_, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LocalLock always succeeds. It is used when a single worker runs without redis.
type LocalLock struct{}

func (LocalLock) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }

// Service is the part of attendance.Service the worker drives.
type Service interface {
	Audit(ctx context.Context, trigger string) (consistency.Report, error)
	HandleMessage(ctx context.Context, msg queue.Message) error
	Classifier() *apperr.Classifier
}

var _ Service = (*attendance.Service)(nil)

// Worker schedules audits and processes queue messages.
type Worker struct {
	svc      Service
	lock     Lock
	interval time.Duration
	log      *logrus.Entry
}

// New creates a worker auditing every interval.
func New(svc Service, lock Lock, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	if lock == nil {
		lock = LocalLock{}
	}
	return &Worker{svc: svc, lock: lock, interval: interval, log: obs.Module("worker")}
}

// RunScheduled audits once immediately and then every interval until ctx is done.
func (w *Worker) RunScheduled(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.AuditOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.WithError(err).Error("scheduled audit failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run drives the scheduler and, when msgs is non-nil, queue consumption. It
// returns once ctx is done and msgs is drained.
func (w *Worker) Run(ctx context.Context, msgs <-chan queue.Message) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.RunScheduled(ctx)
	}()
	if msgs != nil {
		w.Consume(ctx, msgs)
	}
	<-done
}

// AuditOnce runs a scheduled audit if this replica claims the interval.
func (w *Worker) AuditOnce(ctx context.Context) (bool, error) {
	ok, err := w.lock.TryLock(ctx, auditLockKey, w.interval)
	if err != nil {
		return false, err
	}
	if !ok {
		w.log.Debug("audit claimed by another worker")
		return false, nil
	}
	_, err = w.svc.Audit(ctx, attendance.TriggerScheduled)
	return true, err
}

// Consume handles messages until msgs is closed. Retryable failures are
// retried with the classifier's backoff; the rest are logged and dropped.
func (w *Worker) Consume(ctx context.Context, msgs <-chan queue.Message) {
	for msg := range msgs {
		err := apperr.Retry(ctx, w.svc.Classifier(), messageRetries, func(ctx context.Context) error {
			return w.svc.HandleMessage(ctx, msg)
		})
		if err != nil {
			entry := w.log.WithField("type", msg.Type)
			if appErr, ok := apperr.As(err); ok {
				entry = entry.WithFields(logrus.Fields{"error_id": appErr.ID, "retries": appErr.RetryCount})
			}
			entry.WithError(err).Warn("message dropped")
		}
	}
}
