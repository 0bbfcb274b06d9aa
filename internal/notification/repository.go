package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrRuleExists is returned when creating a rule for an event type that
// already has one. One rule per event type is the schema's invariant.
var ErrRuleExists = errors.New("a rule already exists for this event type")

// ErrRuleNotFound is returned by rule updates targeting an unknown rule.
var ErrRuleNotFound = errors.New("rule not found")

// ListFilters narrow the user-notification read path.
type ListFilters struct {
	UnreadOnly bool
	Category   string
	Type       string
}

// NotificationPage is one page of a user's notifications.
type NotificationPage struct {
	Notifications []*Notification `json:"notifications"`
	Total         int             `json:"total"`
	Page          int             `json:"page"`
	Limit         int             `json:"limit"`
}

// Store is the durable storage contract the engine and service operate
// against: rules, notifications, preferences, and delivery logs.
type Store interface {
	GetRuleByEventType(ctx context.Context, eventType string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	CreateRule(ctx context.Context, rule *Rule) error
	UpdateRule(ctx context.Context, rule *Rule) error

	// CreateNotifications persists all rows in a single transaction: either
	// every recipient gets a row or none do.
	CreateNotifications(ctx context.Context, notifications []*Notification) error
	GetUserNotifications(ctx context.Context, userID string, page, limit int, filters ListFilters) (*NotificationPage, error)
	GetUnreadCount(ctx context.Context, userID string) (int, error)
	MarkAsRead(ctx context.Context, id, userID string) (bool, error)
	MarkAllAsRead(ctx context.Context, userID string) (int64, error)
	SoftDeleteNotification(ctx context.Context, id, userID string) (bool, error)
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetPreferences(ctx context.Context, userID string) (*Preferences, error)
	GetPreferencesForUsers(ctx context.Context, userIDs []string) (map[string]*Preferences, error)
	UpdatePreferences(ctx context.Context, userID string, patch PreferencesPatch) (*Preferences, error)

	AppendDeliveryLog(ctx context.Context, entry *DeliveryLog) error
	GetDeliveryLogs(ctx context.Context, notificationID string) ([]*DeliveryLog, error)
}

// Repository implements Store on PostgreSQL.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// --- rules -------------------------------------------------------------------

const ruleColumns = `id, event_type, enabled, conditions, recipients, channels,
	priority, exclude_actor, dedupe_window_seconds, created_at, updated_at`

func (r *Repository) GetRuleByEventType(ctx context.Context, eventType string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM notification_rules WHERE event_type = $1`
	row := r.db.QueryRowContext(ctx, query, eventType)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rule, err
}

func (r *Repository) ListRules(ctx context.Context) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM notification_rules ORDER BY event_type`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *Repository) CreateRule(ctx context.Context, rule *Rule) error {
	rule.ID = uuid.New().String()
	rule.CreatedAt = time.Now().UTC()
	rule.UpdatedAt = rule.CreatedAt

	conditions, recipients, err := encodeRule(rule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notification_rules
			(id, event_type, enabled, conditions, recipients, channels,
			 priority, exclude_actor, dedupe_window_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.EventType, rule.Enabled, conditions, recipients,
		pq.Array(channelStrings(rule.Channels)), rule.Priority,
		rule.ExcludeActor, rule.DedupeWindowSeconds, rule.CreatedAt, rule.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrRuleExists
	}
	return err
}

func (r *Repository) UpdateRule(ctx context.Context, rule *Rule) error {
	rule.UpdatedAt = time.Now().UTC()

	conditions, recipients, err := encodeRule(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE notification_rules
		SET enabled = $2, conditions = $3, recipients = $4, channels = $5,
		    priority = $6, exclude_actor = $7, dedupe_window_seconds = $8, updated_at = $9
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.Enabled, conditions, recipients,
		pq.Array(channelStrings(rule.Channels)), rule.Priority,
		rule.ExcludeActor, rule.DedupeWindowSeconds, rule.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func encodeRule(rule *Rule) (conditions, recipients []byte, err error) {
	conditions, err = MarshalCondition(rule.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode conditions: %w", err)
	}
	recipients, err = json.Marshal(rule.Recipients)
	if err != nil {
		return nil, nil, fmt.Errorf("encode recipients: %w", err)
	}
	return conditions, recipients, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var conditions, recipients []byte
	var channels pq.StringArray
	err := row.Scan(
		&rule.ID, &rule.EventType, &rule.Enabled, &conditions, &recipients,
		&channels, &rule.Priority, &rule.ExcludeActor, &rule.DedupeWindowSeconds,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Conditions, err = UnmarshalCondition(conditions)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal(recipients, &rule.Recipients); err != nil {
		return nil, fmt.Errorf("rule %s: decode recipients: %w", rule.ID, err)
	}
	rule.Channels = make([]Channel, len(channels))
	for i, c := range channels {
		rule.Channels[i] = Channel(c)
	}
	return &rule, nil
}

func channelStrings(channels []Channel) []string {
	out := make([]string, len(channels))
	for i, c := range channels {
		out[i] = string(c)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- notifications -----------------------------------------------------------

const notificationColumns = `id, user_id, category, type, title, message,
	short_message, priority, read, related_entity_type, related_entity_id,
	related_entity_name, created_by, action_url, additional_notes, created_at`

// CreateNotifications inserts every row inside one transaction. The bulk write
// is the fan-out atomicity boundary: a failure rolls back all rows.
func (r *Repository) CreateNotifications(ctx context.Context, notifications []*Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fan-out tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notifications
			(id, user_id, category, type, title, message, short_message, priority,
			 read, related_entity_type, related_entity_id, related_entity_name,
			 created_by, action_url, additional_notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, n := range notifications {
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		n.CreatedAt = now
		if _, err := stmt.ExecContext(ctx,
			n.ID, n.UserID, n.Category, n.Type, n.Title, n.Message, n.ShortMessage,
			n.Priority, n.Read, n.RelatedEntityType, n.RelatedEntityID,
			n.RelatedEntityName, n.CreatedBy, n.ActionURL, n.AdditionalNotes, n.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert notification for user %s: %w", n.UserID, err)
		}
	}

	return tx.Commit()
}

func (r *Repository) GetUserNotifications(ctx context.Context, userID string, page, limit int, filters ListFilters) (*NotificationPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	where := `WHERE user_id = $1 AND deleted_at IS NULL`
	args := []interface{}{userID}
	if filters.UnreadOnly {
		where += ` AND read = FALSE`
	}
	if filters.Category != "" {
		args = append(args, filters.Category)
		where += fmt.Sprintf(` AND category = $%d`, len(args))
	}
	if filters.Type != "" {
		args = append(args, filters.Type)
		where += fmt.Sprintf(` AND type = $%d`, len(args))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM notifications ` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, err
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`
		SELECT %s FROM notifications %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, notificationColumns, where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]*Notification, 0, limit)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(
			&n.ID, &n.UserID, &n.Category, &n.Type, &n.Title, &n.Message,
			&n.ShortMessage, &n.Priority, &n.Read, &n.RelatedEntityType,
			&n.RelatedEntityID, &n.RelatedEntityName, &n.CreatedBy,
			&n.ActionURL, &n.AdditionalNotes, &n.CreatedAt,
		); err != nil {
			return nil, err
		}
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &NotificationPage{
		Notifications: notifications,
		Total:         total,
		Page:          page,
		Limit:         limit,
	}, nil
}

func (r *Repository) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE AND deleted_at IS NULL`
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&count)
	return count, err
}

// MarkAsRead flips the read flag, scoped to the owning user. The ownership
// predicate lives in the WHERE clause so a cross-user call can never match.
func (r *Repository) MarkAsRead(ctx context.Context, id, userID string) (bool, error) {
	query := `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (r *Repository) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	query := `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND read = FALSE AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) SoftDeleteNotification(ctx context.Context, id, userID string) (bool, error) {
	query := `UPDATE notifications SET deleted_at = NOW() WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// DeleteNotificationsBefore hard-deletes rows older than the cutoff; the
// scheduled maintenance path, not a user-facing operation.
func (r *Repository) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- preferences -------------------------------------------------------------

func (r *Repository) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	query := `
		SELECT user_id, push_enabled, email_enabled, sms_enabled,
		       COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, ''), updated_at
		FROM notification_preferences WHERE user_id = $1
	`
	var p Preferences
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.PushEnabled, &p.EmailEnabled, &p.SMSEnabled,
		&p.QuietHoursStart, &p.QuietHoursEnd, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) GetPreferencesForUsers(ctx context.Context, userIDs []string) (map[string]*Preferences, error) {
	if len(userIDs) == 0 {
		return map[string]*Preferences{}, nil
	}
	query := `
		SELECT user_id, push_enabled, email_enabled, sms_enabled,
		       COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, ''), updated_at
		FROM notification_preferences WHERE user_id = ANY($1)
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(userIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prefs := make(map[string]*Preferences)
	for rows.Next() {
		var p Preferences
		if err := rows.Scan(
			&p.UserID, &p.PushEnabled, &p.EmailEnabled, &p.SMSEnabled,
			&p.QuietHoursStart, &p.QuietHoursEnd, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		prefs[p.UserID] = &p
	}
	return prefs, rows.Err()
}

func (r *Repository) UpdatePreferences(ctx context.Context, userID string, patch PreferencesPatch) (*Preferences, error) {
	current, err := r.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	if patch.PushEnabled != nil {
		current.PushEnabled = *patch.PushEnabled
	}
	if patch.EmailEnabled != nil {
		current.EmailEnabled = *patch.EmailEnabled
	}
	if patch.SMSEnabled != nil {
		current.SMSEnabled = *patch.SMSEnabled
	}
	if patch.QuietHoursStart != nil {
		current.QuietHoursStart = *patch.QuietHoursStart
	}
	if patch.QuietHoursEnd != nil {
		current.QuietHoursEnd = *patch.QuietHoursEnd
	}
	current.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO notification_preferences
			(user_id, push_enabled, email_enabled, sms_enabled,
			 quiet_hours_start, quiet_hours_end, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		ON CONFLICT (user_id) DO UPDATE SET
			push_enabled = EXCLUDED.push_enabled,
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		current.UserID, current.PushEnabled, current.EmailEnabled, current.SMSEnabled,
		current.QuietHoursStart, current.QuietHoursEnd, current.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return current, nil
}

// --- delivery logs -----------------------------------------------------------

func (r *Repository) AppendDeliveryLog(ctx context.Context, entry *DeliveryLog) error {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now().UTC()
	query := `
		INSERT INTO delivery_logs (id, notification_id, user_id, channel, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.NotificationID, entry.UserID, entry.Channel,
		entry.Status, entry.Error, entry.CreatedAt,
	)
	return err
}

func (r *Repository) GetDeliveryLogs(ctx context.Context, notificationID string) ([]*DeliveryLog, error) {
	query := `
		SELECT id, notification_id, user_id, channel, status, COALESCE(error, ''), created_at
		FROM delivery_logs WHERE notification_id = $1 ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*DeliveryLog
	for rows.Next() {
		var l DeliveryLog
		if err := rows.Scan(&l.ID, &l.NotificationID, &l.UserID, &l.Channel, &l.Status, &l.Error, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
