package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/condorsoft/funnels/internal/mailer"
	"github.com/condorsoft/funnels/internal/models"
	"github.com/condorsoft/funnels/pkg/queue"
)

// dequeueWait bounds each blocking pop so shutdown is noticed promptly.
const dequeueWait = 5 * time.Second

// LogStore records delivery attempts. *emaillogs.Repository implements it.
type LogStore interface {
	Begin(ctx context.Context, executionID, stepID uuid.UUID, recipient, subject, body string) (*models.EmailLog, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

// Recorder counts delivery outcomes. *metrics.Metrics implements it.
type Recorder interface {
	EmailDelivery(result string)
}

type nopRecorder struct{}

func (nopRecorder) EmailDelivery(string) {}

// EmailProcessor delivers email step jobs and records the outcome in email_logs.
type EmailProcessor struct {
	logs     LogStore
	sender   mailer.Sender
	queue    *queue.Queue
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// NewEmailProcessor creates an email job processor.
func NewEmailProcessor(logs LogStore, sender mailer.Sender, q *queue.Queue, logger *zap.Logger) *EmailProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailProcessor{logs: logs, sender: sender, queue: q, logger: logger, recorder: nopRecorder{}, now: time.Now}
}

// SetRecorder reports delivery outcomes to r.
func (p *EmailProcessor) SetRecorder(r Recorder) { p.recorder = r }

// Process executes one email job. A step already delivered is not sent again.
func (p *EmailProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeEmail {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	el, err := p.logs.Begin(ctx, payload.ExecutionID, payload.StepID, payload.RecipientEmail, payload.Subject, payload.Body)
	if err != nil {
		return fmt.Errorf("record email: %w", err)
	}
	if el.Status == models.EmailLogStatusSent {
		p.logger.Info("email already delivered", zap.String("key", payload.DedupeKey))
		p.recorder.EmailDelivery("skipped")
		return nil
	}

	if err := p.sender.Send(ctx, payload.RecipientEmail, payload.Subject, payload.Body); err != nil {
		if markErr := p.logs.MarkFailed(ctx, el.ID, err.Error()); markErr != nil {
			p.logger.Error("mark email failed", zap.String("log_id", el.ID.String()), zap.Error(markErr))
		}
		p.recorder.EmailDelivery("failed")
		return fmt.Errorf("send email: %w", err)
	}
	if err := p.logs.MarkSent(ctx, el.ID, p.now()); err != nil {
		// Delivered already; a retry would only resend, so just log it.
		p.logger.Error("mark email sent", zap.String("log_id", el.ID.String()), zap.Error(err))
	}
	p.recorder.EmailDelivery("sent")
	p.logger.Info("email delivered", zap.String("key", payload.DedupeKey), zap.String("to", payload.RecipientEmail))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *EmailProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("email worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, dequeueWait, queue.QueueEmails)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleep(ctx, queue.RetryBackoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
