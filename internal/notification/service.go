package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound covers reads and ownership-scoped mutations that matched no row.
// A cross-user mutation attempt surfaces as this error, never as success.
var ErrNotFound = errors.New("notification not found")

// Service exposes the user-facing and administrative operations around the
// engine: reads, read-state mutations, preferences, rule management,
// delivery-log diagnostics, and scheduled cleanup.
type Service struct {
	store   Store
	gateway RealtimeGateway
	logger  *slog.Logger
}

func NewService(store Store, gateway RealtimeGateway, logger *slog.Logger) *Service {
	return &Service{store: store, gateway: gateway, logger: logger}
}

func (s *Service) GetUserNotifications(ctx context.Context, userID string, page, limit int, filters ListFilters) (*NotificationPage, error) {
	return s.store.GetUserNotifications(ctx, userID, page, limit, filters)
}

func (s *Service) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.GetUnreadCount(ctx, userID)
}

// MarkAsRead flips the read flag for a notification the caller owns and
// pushes the fresh unread count to their live sessions. Marking an already
// read notification is a no-op that still succeeds (idempotent).
func (s *Service) MarkAsRead(ctx context.Context, id, userID string) error {
	matched, err := s.store.MarkAsRead(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	if !matched {
		// Either the row does not exist or it belongs to someone else; the
		// two are indistinguishable on purpose. An owned-but-already-read row
		// still matches the UPDATE, so it lands in the success path.
		return ErrNotFound
	}
	s.broadcastUnreadCount(ctx, userID)
	return nil
}

func (s *Service) MarkAllAsRead(ctx context.Context, userID string) error {
	if _, err := s.store.MarkAllAsRead(ctx, userID); err != nil {
		return fmt.Errorf("mark all as read: %w", err)
	}
	if err := s.gateway.UpdateUnreadCount(ctx, userID, 0); err != nil {
		s.logger.Debug("unread-count broadcast failed", "user_id", userID, "error", err)
	}
	return nil
}

// DeleteNotification soft-deletes a row the caller owns and broadcasts the
// deletion plus the updated unread count.
func (s *Service) DeleteNotification(ctx context.Context, id, userID string) error {
	matched, err := s.store.SoftDeleteNotification(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if !matched {
		return ErrNotFound
	}
	if err := s.gateway.BroadcastNotificationDeleted(ctx, userID, id); err != nil {
		s.logger.Debug("deletion broadcast failed", "user_id", userID, "error", err)
	}
	s.broadcastUnreadCount(ctx, userID)
	return nil
}

// CleanOldNotifications hard-deletes notifications older than daysToKeep days
// and returns the number removed. Meant for an external scheduler, not the
// request path.
func (s *Service) CleanOldNotifications(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = 90
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)
	removed, err := s.store.DeleteNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean old notifications: %w", err)
	}
	s.logger.Info("old notifications cleaned", "days_to_keep", daysToKeep, "removed", removed)
	return removed, nil
}

func (s *Service) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	return s.store.GetPreferences(ctx, userID)
}

func (s *Service) UpdatePreferences(ctx context.Context, userID string, patch PreferencesPatch) (*Preferences, error) {
	if err := validateQuietHours(patch.QuietHoursStart); err != nil {
		return nil, err
	}
	if err := validateQuietHours(patch.QuietHoursEnd); err != nil {
		return nil, err
	}
	return s.store.UpdatePreferences(ctx, userID, patch)
}

func validateQuietHours(v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	if _, err := time.Parse("15:04", *v); err != nil {
		return fmt.Errorf("quiet hours must be HH:MM, got %q", *v)
	}
	return nil
}

// --- rule management ---------------------------------------------------------

func (s *Service) GetAllRules(ctx context.Context) ([]*Rule, error) {
	return s.store.ListRules(ctx)
}

// CreateRule validates the condition tree and recipient policy up front so
// the evaluator never sees a malformed tree at trigger time.
func (s *Service) CreateRule(ctx context.Context, rule *Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.store.CreateRule(ctx, rule)
}

func (s *Service) UpdateRule(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.store.UpdateRule(ctx, rule)
}

func validateRule(rule *Rule) error {
	if rule.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if len(rule.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	for _, c := range rule.Channels {
		switch c {
		case ChannelPush, ChannelEmail, ChannelSMS:
		default:
			return fmt.Errorf("unknown channel %q", c)
		}
	}
	switch rule.Recipients.Strategy {
	case StrategyRoles:
		if len(rule.Recipients.Roles) == 0 {
			return fmt.Errorf("roles strategy requires at least one role")
		}
	case StrategyAssignees:
	case StrategyExplicit:
	default:
		return fmt.Errorf("unknown recipient strategy %q", rule.Recipients.Strategy)
	}
	if rule.DedupeWindowSeconds < 0 {
		return fmt.Errorf("dedupe window must not be negative")
	}
	if rule.Conditions != nil {
		if err := rule.Conditions.Validate(); err != nil {
			return fmt.Errorf("invalid conditions: %w", err)
		}
	}
	return nil
}

// --- diagnostics -------------------------------------------------------------

func (s *Service) GetDeliveryLogs(ctx context.Context, notificationID string) ([]*DeliveryLog, error) {
	return s.store.GetDeliveryLogs(ctx, notificationID)
}

func (s *Service) broadcastUnreadCount(ctx context.Context, userID string) {
	count, err := s.store.GetUnreadCount(ctx, userID)
	if err != nil {
		s.logger.Debug("unread count lookup failed", "user_id", userID, "error", err)
		return
	}
	if err := s.gateway.UpdateUnreadCount(ctx, userID, count); err != nil {
		s.logger.Debug("unread-count broadcast failed", "user_id", userID, "error", err)
	}
}
