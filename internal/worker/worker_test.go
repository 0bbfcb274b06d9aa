package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sapliy/ops-platform/internal/notification"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDriver records sends and fails on demand.
type fakeDriver struct {
	channel  notification.Channel
	SendFunc func(ctx context.Context, job *notification.DeliveryJob) error

	mu    sync.Mutex
	sends []*notification.DeliveryJob
}

func (d *fakeDriver) Channel() notification.Channel { return d.channel }

func (d *fakeDriver) Send(ctx context.Context, job *notification.DeliveryJob) error {
	d.mu.Lock()
	d.sends = append(d.sends, job)
	d.mu.Unlock()
	if d.SendFunc != nil {
		return d.SendFunc(ctx, job)
	}
	return nil
}

func (d *fakeDriver) sendCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sends)
}

// fakeRequeuer captures jobs republished for another delivery attempt.
type fakeRequeuer struct {
	PublishFunc func(ctx context.Context, queue string, body []byte) error

	mu     sync.Mutex
	queues []string
	bodies [][]byte
}

func (r *fakeRequeuer) Publish(ctx context.Context, queue string, body []byte) error {
	r.mu.Lock()
	r.queues = append(r.queues, queue)
	r.bodies = append(r.bodies, body)
	r.mu.Unlock()
	if r.PublishFunc != nil {
		return r.PublishFunc(ctx, queue, body)
	}
	return nil
}

func (r *fakeRequeuer) published() ([]string, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues, r.bodies
}

type fakeLogWriter struct {
	mu      sync.Mutex
	entries []*notification.DeliveryLog
}

func (w *fakeLogWriter) AppendDeliveryLog(ctx context.Context, entry *notification.DeliveryLog) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry)
	return nil
}

func jobBody(t *testing.T, job *notification.DeliveryJob) []byte {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return body
}

func TestWorker_ProcessJob_Success(t *testing.T) {
	email := &fakeDriver{channel: notification.ChannelEmail}
	sms := &fakeDriver{channel: notification.ChannelSMS}
	registry := NewDriverRegistry()
	registry.Register(email)
	registry.Register(sms)

	logs := &fakeLogWriter{}
	w := New(registry, nil, logs, nil, testLogger())

	job := &notification.DeliveryJob{
		ID:             "job-1",
		NotificationID: "n-1",
		UserID:         "u1",
		Channels:       []notification.Channel{notification.ChannelEmail, notification.ChannelSMS},
		Title:          "T",
		MaxRetries:     3,
	}

	if err := w.ProcessJob(context.Background(), jobBody(t, job)); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	if email.sendCount() != 1 || sms.sendCount() != 1 {
		t.Errorf("each channel should be delivered once, got email=%d sms=%d", email.sendCount(), sms.sendCount())
	}

	logs.mu.Lock()
	defer logs.mu.Unlock()
	if len(logs.entries) != 2 {
		t.Fatalf("expected 2 delivery log entries, got %d", len(logs.entries))
	}
	for _, entry := range logs.entries {
		if entry.Status != notification.DeliverySent {
			t.Errorf("channel %s status = %s, want sent", entry.Channel, entry.Status)
		}
	}
}

func TestWorker_ProcessJob_MalformedBody(t *testing.T) {
	w := New(NewDriverRegistry(), nil, nil, nil, testLogger())
	if err := w.ProcessJob(context.Background(), []byte("{not json")); err == nil {
		t.Error("malformed body must be dead-lettered via an error")
	}
}

func TestWorker_ProcessJob_ChannelIsolation(t *testing.T) {
	email := &fakeDriver{
		channel: notification.ChannelEmail,
		SendFunc: func(ctx context.Context, job *notification.DeliveryJob) error {
			return errors.New("smtp unavailable")
		},
	}
	sms := &fakeDriver{channel: notification.ChannelSMS}
	registry := NewDriverRegistry()
	registry.Register(email)
	registry.Register(sms)

	logs := &fakeLogWriter{}
	w := New(registry, nil, logs, &fakeRequeuer{}, testLogger())

	job := &notification.DeliveryJob{
		ID:         "job-2",
		Channels:   []notification.Channel{notification.ChannelEmail, notification.ChannelSMS},
		RetryCount: 0,
		MaxRetries: 1, // exhausted after this attempt, no backoff sleep
	}

	err := w.ProcessJob(context.Background(), jobBody(t, job))
	if err == nil {
		t.Fatal("exhausted retries should surface as an error")
	}
	if !strings.Contains(err.Error(), "after") {
		t.Errorf("expected exhaustion error, got %v", err)
	}
	// The healthy channel still got its delivery.
	if sms.sendCount() != 1 {
		t.Error("sms delivery must not be blocked by the email failure")
	}

	logs.mu.Lock()
	defer logs.mu.Unlock()
	var failed, sent int
	for _, entry := range logs.entries {
		switch entry.Status {
		case notification.DeliveryFailed:
			failed++
		case notification.DeliverySent:
			sent++
		}
	}
	if failed != 1 || sent != 1 {
		t.Errorf("expected 1 failed + 1 sent record, got failed=%d sent=%d", failed, sent)
	}
}

func TestWorker_ProcessJob_RepublishesFailedChannels(t *testing.T) {
	email := &fakeDriver{
		channel: notification.ChannelEmail,
		SendFunc: func(ctx context.Context, job *notification.DeliveryJob) error {
			return errors.New("smtp unavailable")
		},
	}
	sms := &fakeDriver{channel: notification.ChannelSMS}
	registry := NewDriverRegistry()
	registry.Register(email)
	registry.Register(sms)

	requeue := &fakeRequeuer{}
	w := New(registry, nil, nil, requeue, testLogger())
	w.backoff = func(int) time.Duration { return 0 }

	job := &notification.DeliveryJob{
		ID:         "job-3",
		Channels:   []notification.Channel{notification.ChannelEmail, notification.ChannelSMS},
		MaxRetries: 3,
	}

	// The original delivery acks once the narrowed job is back on the queue.
	if err := w.ProcessJob(context.Background(), jobBody(t, job)); err != nil {
		t.Fatalf("ProcessJob() error = %v, want nil after republish", err)
	}
	if sms.sendCount() != 1 {
		t.Errorf("sms should be delivered exactly once before the retry, got %d", sms.sendCount())
	}

	queues, bodies := requeue.published()
	if len(bodies) != 1 {
		t.Fatalf("expected 1 republished job, got %d", len(bodies))
	}
	if queues[0] != notification.DeliveryQueueName {
		t.Errorf("republished to %q, want %q", queues[0], notification.DeliveryQueueName)
	}

	var requeued notification.DeliveryJob
	if err := json.Unmarshal(bodies[0], &requeued); err != nil {
		t.Fatalf("unmarshal republished job: %v", err)
	}
	if requeued.RetryCount != 1 {
		t.Errorf("republished RetryCount = %d, want 1", requeued.RetryCount)
	}
	if len(requeued.Channels) != 1 || requeued.Channels[0] != notification.ChannelEmail {
		t.Errorf("republished channels = %v, want just email", requeued.Channels)
	}
}

func TestWorker_ProcessJob_RepublishFailure(t *testing.T) {
	email := &fakeDriver{
		channel: notification.ChannelEmail,
		SendFunc: func(ctx context.Context, job *notification.DeliveryJob) error {
			return errors.New("smtp unavailable")
		},
	}
	registry := NewDriverRegistry()
	registry.Register(email)

	requeue := &fakeRequeuer{
		PublishFunc: func(ctx context.Context, queue string, body []byte) error {
			return errors.New("broker unavailable")
		},
	}
	w := New(registry, nil, nil, requeue, testLogger())
	w.backoff = func(int) time.Duration { return 0 }

	job := &notification.DeliveryJob{
		ID:         "job-5",
		Channels:   []notification.Channel{notification.ChannelEmail},
		MaxRetries: 3,
	}

	// If the narrowed job cannot be republished, the original must nack so
	// the broker dead-letters it instead of silently dropping the retry.
	if err := w.ProcessJob(context.Background(), jobBody(t, job)); err == nil {
		t.Fatal("a failed republish should surface as an error")
	}
}

func TestWorker_ProcessJob_UnknownChannel(t *testing.T) {
	registry := NewDriverRegistry()
	w := New(registry, nil, nil, nil, testLogger())

	job := &notification.DeliveryJob{
		ID:         "job-4",
		Channels:   []notification.Channel{notification.ChannelEmail},
		MaxRetries: 1,
	}

	if err := w.ProcessJob(context.Background(), jobBody(t, job)); err == nil {
		t.Error("missing driver should fail the channel")
	}
}

func TestRenderEmail(t *testing.T) {
	job := &notification.DeliveryJob{
		Title:     "Bid won",
		Message:   "The bid Harbour Extension has been won.",
		ActionURL: "/bids/bid-1",
		Recipient: notification.RecipientContact{Name: "Ada", Email: "ada@example.com"},
	}

	html, err := RenderEmail(job)
	if err != nil {
		t.Fatalf("RenderEmail() error = %v", err)
	}
	for _, want := range []string{"Bid won", "Harbour Extension", "Ada"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered email should contain %q", want)
		}
	}
}
