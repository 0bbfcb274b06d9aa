package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const deliveryMaxRetries = 3

// Dispatcher routes persisted notifications to their configured channels:
// push synchronously through the realtime gateway, email/sms as queued jobs.
// Every failure is isolated to its (recipient, channel) pair and logged; the
// notification row is already durable and is never rolled back here.
type Dispatcher struct {
	gateway RealtimeGateway
	queue   DeliveryQueue
	store   Store
	logger  *slog.Logger
	now     func() time.Time
}

func NewDispatcher(gateway RealtimeGateway, queue DeliveryQueue, store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		gateway: gateway,
		queue:   queue,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Dispatch fans delivery out across recipients concurrently. Recipients are
// independent and commutative; no cross-recipient ordering is guaranteed.
// The call returns once every recipient's dispatch attempt has finished.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *Rule, notifications []*Notification, recipients []Recipient) {
	var wg sync.WaitGroup
	for i := range notifications {
		wg.Add(1)
		go func(n *Notification, rec Recipient) {
			defer wg.Done()
			d.dispatchOne(ctx, rule, n, rec)
		}(notifications[i], recipients[i])
	}
	wg.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, rule *Rule, n *Notification, rec Recipient) {
	now := d.now()

	if rule.HasChannel(ChannelPush) {
		d.dispatchPush(ctx, n, rec, now)
	}

	async := d.asyncChannels(rule, rec, now)
	if len(async) > 0 {
		d.enqueueJob(ctx, n, rec, async)
	}
}

func (d *Dispatcher) dispatchPush(ctx context.Context, n *Notification, rec Recipient, now time.Time) {
	if !rec.Preferences.Allows(ChannelPush, now) {
		d.recordDelivery(ctx, n, ChannelPush, DeliverySkipped, "disabled by preferences")
		return
	}

	if err := d.gateway.SendNotificationToUser(ctx, rec.UserID, n); err != nil {
		// Best effort: the user may simply not be connected. The row is
		// durable and will show up on their next poll or login.
		d.logger.Debug("push delivery failed",
			"notification_id", n.ID, "user_id", rec.UserID, "error", err)
		dispatchFailures.WithLabelValues(string(ChannelPush)).Inc()
		d.recordDelivery(ctx, n, ChannelPush, DeliveryFailed, err.Error())
		return
	}
	d.recordDelivery(ctx, n, ChannelPush, DeliverySent, "")
}

// asyncChannels returns the rule's non-push channels that survive the
// recipient's preference and quiet-hours filtering.
func (d *Dispatcher) asyncChannels(rule *Rule, rec Recipient, now time.Time) []Channel {
	var channels []Channel
	for _, c := range []Channel{ChannelEmail, ChannelSMS} {
		if !rule.HasChannel(c) {
			continue
		}
		if !rec.Preferences.Allows(c, now) {
			continue
		}
		channels = append(channels, c)
	}
	return channels
}

func (d *Dispatcher) enqueueJob(ctx context.Context, n *Notification, rec Recipient, channels []Channel) {
	job := &DeliveryJob{
		ID:             uuid.New().String(),
		NotificationID: n.ID,
		UserID:         rec.UserID,
		Recipient: RecipientContact{
			Name:  rec.Name,
			Email: rec.Email,
			Phone: rec.Phone,
		},
		Channels:     channels,
		Title:        n.Title,
		Message:      n.Message,
		ShortMessage: n.ShortMessage,
		ActionURL:    n.ActionURL,
		EventType:    n.Type,
		MaxRetries:   deliveryMaxRetries,
	}

	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.logger.Error("failed to enqueue delivery job",
			"notification_id", n.ID, "user_id", rec.UserID, "error", err)
		for _, c := range channels {
			dispatchFailures.WithLabelValues(string(c)).Inc()
			d.recordDelivery(ctx, n, c, DeliveryFailed, err.Error())
		}
		return
	}
	for _, c := range channels {
		d.recordDelivery(ctx, n, c, DeliveryQueued, "")
	}
}

func (d *Dispatcher) recordDelivery(ctx context.Context, n *Notification, channel Channel, status DeliveryStatus, errMsg string) {
	entry := &DeliveryLog{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Channel:        channel,
		Status:         status,
		Error:          errMsg,
	}
	if err := d.store.AppendDeliveryLog(ctx, entry); err != nil {
		d.logger.Warn("failed to append delivery log",
			"notification_id", n.ID, "channel", channel, "error", err)
	}
}
