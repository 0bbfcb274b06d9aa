package notification

import (
	"time"
)

// Channel is a delivery mechanism a notification can be routed through.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Priority levels for events and notifications.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// SystemActor is used as the actor identity for events not triggered by a user.
const SystemActor = "System"

// Event is a business occurrence submitted to the engine. It is transient:
// constructed by the caller, consumed by one Trigger call, never persisted as-is.
type Event struct {
	Type        string                 `json:"type"`
	Category    string                 `json:"category"`
	Priority    Priority               `json:"priority"`
	Data        map[string]interface{} `json:"data"`
	TriggeredBy string                 `json:"triggered_by"`
}

// Actor returns the identity that triggered the event, defaulting to SystemActor.
func (e *Event) Actor() string {
	if e.TriggeredBy == "" {
		return SystemActor
	}
	return e.TriggeredBy
}

// DataString returns a string field from the event payload, or "" if absent.
func (e *Event) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// RecipientStrategy selects how a rule's recipients are resolved.
type RecipientStrategy string

const (
	StrategyRoles     RecipientStrategy = "roles"
	StrategyAssignees RecipientStrategy = "assignees"
	StrategyExplicit  RecipientStrategy = "explicit"
)

// RecipientPolicy is the recipient-resolution configuration carried by a rule.
type RecipientPolicy struct {
	Strategy RecipientStrategy `json:"strategy"`
	Roles    []string          `json:"roles,omitempty"`
	UserIDs  []string          `json:"user_ids,omitempty"`
}

// Rule binds an event type to enablement, conditions, recipients, and channels.
type Rule struct {
	ID                  string          `json:"id"`
	EventType           string          `json:"event_type"`
	Enabled             bool            `json:"enabled"`
	Conditions          ConditionNode   `json:"conditions,omitempty"`
	Recipients          RecipientPolicy `json:"recipients"`
	Channels            []Channel       `json:"channels"`
	Priority            Priority        `json:"priority"`
	ExcludeActor        bool            `json:"exclude_actor"`
	DedupeWindowSeconds int             `json:"dedupe_window_seconds"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// HasChannel reports whether the rule routes to the given channel.
func (r *Rule) HasChannel(c Channel) bool {
	for _, ch := range r.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// Notification is one persisted row, owned exclusively by UserID.
type Notification struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Category          string     `json:"category"`
	Type              string     `json:"type"`
	Title             string     `json:"title"`
	Message           string     `json:"message"`
	ShortMessage      string     `json:"short_message,omitempty"`
	Priority          Priority   `json:"priority"`
	Read              bool       `json:"read"`
	RelatedEntityType string     `json:"related_entity_type,omitempty"`
	RelatedEntityID   string     `json:"related_entity_id,omitempty"`
	RelatedEntityName string     `json:"related_entity_name,omitempty"`
	CreatedBy         string     `json:"created_by"`
	ActionURL         string     `json:"action_url,omitempty"`
	AdditionalNotes   string     `json:"additional_notes,omitempty"`
	DeletedAt         *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Preferences holds a user's per-channel opt-ins and quiet hours.
// Quiet hours are "HH:MM" strings in the service's local time; an empty pair
// means no quiet hours. Quiet hours suppress email and sms, never push.
type Preferences struct {
	UserID          string    `json:"user_id"`
	PushEnabled     bool      `json:"push_enabled"`
	EmailEnabled    bool      `json:"email_enabled"`
	SMSEnabled      bool      `json:"sms_enabled"`
	QuietHoursStart string    `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string    `json:"quiet_hours_end,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultPreferences is what users get before they ever save preferences.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:       userID,
		PushEnabled:  true,
		EmailEnabled: true,
		SMSEnabled:   true,
	}
}

// PreferencesPatch is a partial preferences update; nil fields are left unchanged.
type PreferencesPatch struct {
	PushEnabled     *bool   `json:"push_enabled,omitempty"`
	EmailEnabled    *bool   `json:"email_enabled,omitempty"`
	SMSEnabled      *bool   `json:"sms_enabled,omitempty"`
	QuietHoursStart *string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *string `json:"quiet_hours_end,omitempty"`
}

// Allows reports whether the user's preferences permit the channel at the given time.
func (p *Preferences) Allows(c Channel, now time.Time) bool {
	switch c {
	case ChannelPush:
		return p.PushEnabled
	case ChannelEmail:
		return p.EmailEnabled && !p.inQuietHours(now)
	case ChannelSMS:
		return p.SMSEnabled && !p.inQuietHours(now)
	}
	return false
}

func (p *Preferences) inQuietHours(now time.Time) bool {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return false
	}
	start, err1 := time.Parse("15:04", p.QuietHoursStart)
	end, err2 := time.Parse("15:04", p.QuietHoursEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s <= e {
		return minutes >= s && minutes < e
	}
	// Window crosses midnight, e.g. 22:00-07:00.
	return minutes >= s || minutes < e
}

// Recipient is a resolved delivery target for one trigger. Not persisted.
type Recipient struct {
	UserID      string
	Name        string
	Email       string
	Phone       string
	Preferences *Preferences
}

// DeliveryStatus of a single delivery attempt.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryQueued  DeliveryStatus = "queued"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// DeliveryLog is one append-only record per (notification, channel) attempt.
type DeliveryLog struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	UserID         string         `json:"user_id"`
	Channel        Channel        `json:"channel"`
	Status         DeliveryStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TriggerResult reports the outcome of one Trigger call.
type TriggerResult struct {
	CreatedCount int    `json:"created_count"`
	Reason       string `json:"reason,omitempty"`
}

// Terminal, non-error trigger outcomes.
const (
	ReasonNoRule              = "no_rule"
	ReasonConditionsNotMet    = "conditions_not_met"
	ReasonNoRecipients        = "no_recipients"
	ReasonDuplicateSuppressed = "duplicate_suppressed"
)

// DeliveryJob is the payload enqueued for out-of-band channels (email/sms).
type DeliveryJob struct {
	ID             string           `json:"id"`
	NotificationID string           `json:"notification_id"`
	UserID         string           `json:"user_id"`
	Recipient      RecipientContact `json:"recipient"`
	Channels       []Channel        `json:"channels"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	ShortMessage   string           `json:"short_message,omitempty"`
	ActionURL      string           `json:"action_url,omitempty"`
	EventType      string           `json:"event_type"`
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
}

// RecipientContact carries the addressing info a worker needs without a
// directory lookup on the consumer side.
type RecipientContact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}
