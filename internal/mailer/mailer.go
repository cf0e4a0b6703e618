// Package mailer hands email step messages to the background worker and delivers
// them over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/pkg/queue"
)

// ErrUnavailable means the message could not be accepted for delivery.
var ErrUnavailable = errors.New("mailer unavailable")

const (
	dedupePrefix = "email:dedupe:"
	// DedupeTTL bounds how long a delivered key suppresses repeats.
	DedupeTTL = 24 * time.Hour
)

// Message is one email produced by an email step. Key identifies the step within
// its execution; a key is delivered at most once.
type Message struct {
	Key         string
	ExecutionID uuid.UUID
	StepID      uuid.UUID
	To          string
	Subject     string
	Body        string
}

// QueueMailer deduplicates messages in Redis and enqueues them for the worker.
type QueueMailer struct {
	rdb    *redis.Client
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueMailer creates a QueueMailer.
func NewQueueMailer(rdb *redis.Client, q *queue.Queue, logger *zap.Logger) *QueueMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueMailer{rdb: rdb, queue: q, logger: logger}
}

// Send enqueues msg unless its key was already accepted.
func (m *QueueMailer) Send(ctx context.Context, msg Message) error {
	dedupe := dedupePrefix + msg.Key
	fresh, err := m.rdb.SetNX(ctx, dedupe, msg.ExecutionID.String(), DedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: dedupe: %w", ErrUnavailable, err)
	}
	if !fresh {
		m.logger.Info("email already queued", zap.String("key", msg.Key))
		return nil
	}
	err = m.queue.EnqueueEmail(ctx, queue.EmailPayload{
		DedupeKey:      msg.Key,
		ExecutionID:    msg.ExecutionID,
		StepID:         msg.StepID,
		RecipientEmail: msg.To,
		Subject:        msg.Subject,
		Body:           msg.Body,
	})
	if err != nil {
		if delErr := m.rdb.Del(ctx, dedupe).Err(); delErr != nil {
			m.logger.Warn("release dedupe key failed", zap.String("key", msg.Key), zap.Error(delErr))
		}
		return fmt.Errorf("%w: enqueue: %w", ErrUnavailable, err)
	}
	m.logger.Info("email queued", zap.String("key", msg.Key), zap.String("to", msg.To))
	return nil
}
