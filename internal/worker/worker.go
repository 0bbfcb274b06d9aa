package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sapliy/ops-platform/internal/notification"
)

// DeliveryLogWriter records the outcome of each channel attempt.
type DeliveryLogWriter interface {
	AppendDeliveryLog(ctx context.Context, entry *notification.DeliveryLog) error
}

// JobRequeuer puts a job back on the delivery queue for another attempt.
type JobRequeuer interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Worker processes delivery jobs from the queue. Each job may carry several
// channels; channels fail independently, and only the failed ones are
// republished for another attempt.
type Worker struct {
	registry *DriverRegistry
	redis    *redis.Client
	logs     DeliveryLogWriter
	requeue  JobRequeuer
	logger   *slog.Logger
	backoff  func(attempt int) time.Duration
}

func New(registry *DriverRegistry, redisClient *redis.Client, logs DeliveryLogWriter, requeue JobRequeuer, logger *slog.Logger) *Worker {
	return &Worker{
		registry: registry,
		redis:    redisClient,
		logs:     logs,
		requeue:  requeue,
		logger:   logger,
		backoff: func(attempt int) time.Duration {
			return time.Duration(math.Pow(2, float64(attempt))) * time.Second
		},
	}
}

// ProcessJob handles one queued delivery job. Returning an error nacks the
// message so it dead-letters; returning nil acks it.
func (w *Worker) ProcessJob(ctx context.Context, body []byte) error {
	var job notification.DeliveryJob
	if err := json.Unmarshal(body, &job); err != nil {
		// A malformed job can never succeed; dead-letter it immediately.
		w.logger.Error("dropping malformed delivery job", "error", err)
		return fmt.Errorf("unmarshal delivery job: %w", err)
	}

	if w.alreadyProcessed(ctx, job.ID) {
		w.logger.Debug("delivery job already processed, skipping", "job_id", job.ID)
		return nil
	}

	var failed []notification.Channel
	for _, channel := range job.Channels {
		if err := w.deliverChannel(ctx, &job, channel); err != nil {
			w.logger.Warn("channel delivery failed",
				"job_id", job.ID, "channel", channel, "error", err)
			failed = append(failed, channel)
			w.recordAttempt(ctx, &job, channel, notification.DeliveryFailed, err.Error())
			continue
		}
		w.recordAttempt(ctx, &job, channel, notification.DeliverySent, "")
	}

	if len(failed) == 0 {
		w.markProcessed(ctx, job.ID)
		return nil
	}

	return w.retry(ctx, &job, failed)
}

func (w *Worker) deliverChannel(ctx context.Context, job *notification.DeliveryJob, channel notification.Channel) error {
	driver, err := w.registry.Get(channel)
	if err != nil {
		return err
	}

	start := time.Now()
	err = driver.Send(ctx, job)
	observeDelivery(channel, err == nil, time.Since(start))
	return err
}

// retry republishes the job for its failed channels with exponential backoff,
// or dead-letters it when the retry budget is spent. A nil return means the
// narrowed job is back on the queue and the original delivery can be acked.
func (w *Worker) retry(ctx context.Context, job *notification.DeliveryJob, failed []notification.Channel) error {
	job.RetryCount++
	if job.RetryCount >= job.MaxRetries {
		w.logger.Error("delivery job exhausted retries, dead-lettering",
			"job_id", job.ID, "channels", failed)
		return fmt.Errorf("delivery failed after %d attempts", job.RetryCount)
	}
	if w.requeue == nil {
		return fmt.Errorf("no requeue publisher for channels %v", failed)
	}

	delay := w.backoff(job.RetryCount)
	w.logger.Info("delivery job will be retried",
		"job_id", job.ID, "attempt", job.RetryCount, "max", job.MaxRetries, "delay", delay)

	// The broker has no native delay; sleeping here holds only this delivery
	// slot, and prefetch keeps the rest of the queue moving.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	job.Channels = failed
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}
	if err := w.requeue.Publish(ctx, notification.DeliveryQueueName, body); err != nil {
		return fmt.Errorf("republish delivery job: %w", err)
	}
	return nil
}

func (w *Worker) alreadyProcessed(ctx context.Context, jobID string) bool {
	if w.redis == nil {
		return false
	}
	exists, err := w.redis.Exists(ctx, processedKey(jobID)).Result()
	if err != nil {
		w.logger.Warn("idempotency check failed", "job_id", jobID, "error", err)
		return false
	}
	return exists > 0
}

func (w *Worker) markProcessed(ctx context.Context, jobID string) {
	if w.redis == nil {
		return
	}
	if err := w.redis.Set(ctx, processedKey(jobID), "1", 24*time.Hour).Err(); err != nil {
		w.logger.Warn("failed to record idempotency key", "job_id", jobID, "error", err)
	}
}

func processedKey(jobID string) string {
	return "notify:delivered:" + jobID
}

func (w *Worker) recordAttempt(ctx context.Context, job *notification.DeliveryJob, channel notification.Channel, status notification.DeliveryStatus, errMsg string) {
	if w.logs == nil {
		return
	}
	entry := &notification.DeliveryLog{
		NotificationID: job.NotificationID,
		UserID:         job.UserID,
		Channel:        channel,
		Status:         status,
		Error:          errMsg,
	}
	if err := w.logs.AppendDeliveryLog(ctx, entry); err != nil {
		w.logger.Warn("failed to append delivery log", "job_id", job.ID, "error", err)
	}
}
