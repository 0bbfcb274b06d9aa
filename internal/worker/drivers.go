// Package worker processes queued delivery jobs for the out-of-band channels
// (email, sms). It runs in its own process, decoupled from the trigger path:
// by the time a job reaches it, the notification row is already durable.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/resend/resend-go/v2"

	"github.com/sapliy/ops-platform/internal/notification"
)

// Driver sends one rendered notification over a single channel.
type Driver interface {
	Send(ctx context.Context, job *notification.DeliveryJob) error
	Channel() notification.Channel
}

// ResendEmailDriver delivers email through Resend.
type ResendEmailDriver struct {
	client *resend.Client
	from   string
}

func NewResendEmailDriver(apiKey string) *ResendEmailDriver {
	if apiKey == "" {
		apiKey = os.Getenv("RESEND_API_KEY")
	}
	from := os.Getenv("FROM_EMAIL")
	if from == "" {
		from = "notifications@ops-platform.dev"
	}
	return &ResendEmailDriver{client: resend.NewClient(apiKey), from: from}
}

func (d *ResendEmailDriver) Channel() notification.Channel {
	return notification.ChannelEmail
}

func (d *ResendEmailDriver) Send(ctx context.Context, job *notification.DeliveryJob) error {
	if job.Recipient.Email == "" {
		return fmt.Errorf("recipient %s has no email address", job.UserID)
	}

	html, err := RenderEmail(job)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	params := &resend.SendEmailRequest{
		From:    d.from,
		To:      []string{job.Recipient.Email},
		Subject: job.Title,
		Html:    html,
	}
	if _, err := d.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send email via resend: %w", err)
	}
	return nil
}

// SMSDriver delivers the short message over an SMS provider. The transport is
// a stub until a provider account exists; it validates the job the same way a
// real driver would.
type SMSDriver struct {
	logger *slog.Logger
}

func NewSMSDriver(logger *slog.Logger) *SMSDriver {
	return &SMSDriver{logger: logger}
}

func (d *SMSDriver) Channel() notification.Channel {
	return notification.ChannelSMS
}

func (d *SMSDriver) Send(ctx context.Context, job *notification.DeliveryJob) error {
	if job.Recipient.Phone == "" {
		return fmt.Errorf("recipient %s has no phone number", job.UserID)
	}
	text := job.ShortMessage
	if text == "" {
		text = job.Title
	}
	d.logger.Info("sms sent", "to", job.Recipient.Phone, "text", text)
	return nil
}

// DriverRegistry maps channels to their drivers.
type DriverRegistry struct {
	drivers map[notification.Channel]Driver
}

func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{drivers: make(map[notification.Channel]Driver)}
}

func (r *DriverRegistry) Register(d Driver) {
	r.drivers[d.Channel()] = d
}

func (r *DriverRegistry) Get(c notification.Channel) (Driver, error) {
	d, ok := r.drivers[c]
	if !ok {
		return nil, fmt.Errorf("no driver registered for channel %s", c)
	}
	return d, nil
}
