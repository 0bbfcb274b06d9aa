package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RealtimeGateway delivers to connected user sessions. The engine depends on
// this abstraction, never on a concrete transport.
type RealtimeGateway interface {
	SendNotificationToUser(ctx context.Context, userID string, n *Notification) error
	UpdateUnreadCount(ctx context.Context, userID string, count int) error
	BroadcastNotificationDeleted(ctx context.Context, userID, notificationID string) error
}

// DeliveryQueue accepts async delivery jobs for out-of-band processing.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, job *DeliveryJob) error
}

// Deduper claims event fingerprints for rules with a dedupe window. Acquire
// returns false when the fingerprint was already claimed inside the TTL.
type Deduper interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Engine runs the trigger pipeline: rule lookup, condition check, recipient
// resolution, content generation, bulk persistence, then dispatch.
type Engine struct {
	store      Store
	resolver   *Resolver
	dispatcher *Dispatcher
	deduper    Deduper
	logger     *slog.Logger
}

func NewEngine(store Store, resolver *Resolver, dispatcher *Dispatcher, deduper Deduper, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		deduper:    deduper,
		logger:     logger,
	}
}

// Trigger turns one business event into per-recipient notification rows and
// dispatches them. Configuration absence (no rule, failed conditions, empty
// recipient set) is reported via the result, not an error. Persistence is the
// atomicity boundary and strictly precedes dispatch; dispatch failures never
// surface to the caller.
func (e *Engine) Trigger(ctx context.Context, event *Event) (*TriggerResult, error) {
	if event.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	defer FanoutTimer().ObserveDuration()

	rule, err := e.store.GetRuleByEventType(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("rule lookup for %s: %w", event.Type, err)
	}
	if rule == nil || !rule.Enabled {
		triggersTotal.WithLabelValues(event.Type, ReasonNoRule).Inc()
		return &TriggerResult{Reason: ReasonNoRule}, nil
	}

	if rule.Conditions != nil && !rule.Conditions.Evaluate(event.Data) {
		triggersTotal.WithLabelValues(event.Type, ReasonConditionsNotMet).Inc()
		return &TriggerResult{Reason: ReasonConditionsNotMet}, nil
	}

	if suppressed, err := e.checkDedupe(ctx, event, rule); err != nil {
		e.logger.Warn("dedupe check failed, proceeding without dedupe",
			"event_type", event.Type, "error", err)
	} else if suppressed {
		triggersTotal.WithLabelValues(event.Type, ReasonDuplicateSuppressed).Inc()
		return &TriggerResult{Reason: ReasonDuplicateSuppressed}, nil
	}

	recipients, err := e.resolver.Resolve(ctx, event, rule)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients for %s: %w", event.Type, err)
	}
	if len(recipients) == 0 {
		triggersTotal.WithLabelValues(event.Type, ReasonNoRecipients).Inc()
		return &TriggerResult{Reason: ReasonNoRecipients}, nil
	}

	// Content is generated once per event and shared by every recipient.
	content := GenerateContent(event.Type, event.Data, ContentOverrides{
		Title:     event.DataString("title"),
		Message:   event.DataString("message"),
		ActionURL: event.DataString("actionUrl"),
	})

	notifications := make([]*Notification, len(recipients))
	for i, rec := range recipients {
		notifications[i] = e.buildNotification(event, rule, rec.UserID, content)
	}

	if err := e.store.CreateNotifications(ctx, notifications); err != nil {
		triggersTotal.WithLabelValues(event.Type, "error").Inc()
		return nil, fmt.Errorf("persist notifications for %s: %w", event.Type, err)
	}

	triggersTotal.WithLabelValues(event.Type, "created").Inc()
	notificationsCreated.Add(float64(len(notifications)))

	e.logger.Info("notifications created",
		"event_type", event.Type,
		"recipients", len(recipients),
		"channels", rule.Channels,
	)

	// Rows are durable at this point; delivery is best-effort from here on.
	e.dispatcher.Dispatch(ctx, rule, notifications, recipients)

	return &TriggerResult{CreatedCount: len(notifications)}, nil
}

func (e *Engine) buildNotification(event *Event, rule *Rule, userID string, content Content) *Notification {
	priority := event.Priority
	if priority == "" {
		priority = rule.Priority
	}
	if priority == "" {
		priority = PriorityNormal
	}
	return &Notification{
		UserID:            userID,
		Category:          event.Category,
		Type:              event.Type,
		Title:             content.Title,
		Message:           content.Message,
		ShortMessage:      content.ShortMessage,
		Priority:          priority,
		RelatedEntityType: event.DataString("entityType"),
		RelatedEntityID:   event.DataString("entityId"),
		RelatedEntityName: event.DataString("entityName"),
		CreatedBy:         event.Actor(),
		ActionURL:         content.ActionURL,
		AdditionalNotes:   event.DataString("notes"),
	}
}

// checkDedupe claims the event's fingerprint when the rule carries a dedupe
// window. With no window (the default) every trigger fans out, so retrying a
// logical event produces fresh rows.
func (e *Engine) checkDedupe(ctx context.Context, event *Event, rule *Rule) (bool, error) {
	if rule.DedupeWindowSeconds <= 0 || e.deduper == nil {
		return false, nil
	}
	key := fmt.Sprintf("notify:dedupe:%s:%s:%s:%s",
		event.Type, event.DataString("entityType"), event.DataString("entityId"), event.Actor())
	ttl := time.Duration(rule.DedupeWindowSeconds) * time.Second
	acquired, err := e.deduper.Acquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	return !acquired, nil
}
