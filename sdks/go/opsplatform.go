package opsplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8086"
)

// Client is the main entry point for the Ops Platform SDK.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client

	Events        *EventsService
	Notifications *NotificationsService
	Preferences   *PreferencesService
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// NewClient creates a new Ops Platform SDK client. userID identifies the
// acting user for ownership-scoped calls; it is sent as the X-User-ID header.
func NewClient(userID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		userID:     userID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Events = &EventsService{client: c}
	c.Notifications = &NotificationsService{client: c}
	c.Preferences = &PreferencesService{client: c}

	return c
}

// WithBaseURL sets the base URL for the client.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("api error: status=%d", resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// EventsService submits business events for rule evaluation and fan-out.
type EventsService struct {
	client *Client
}

type TriggerEventRequest struct {
	Type        string                 `json:"type"`
	Category    string                 `json:"category,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	TriggeredBy string                 `json:"triggered_by,omitempty"`
}

type TriggerEventResponse struct {
	CreatedCount int    `json:"created_count"`
	Reason       string `json:"reason,omitempty"`
}

func (s *EventsService) Trigger(ctx context.Context, req *TriggerEventRequest) (*TriggerEventResponse, error) {
	var res TriggerEventResponse
	err := s.client.do(ctx, http.MethodPost, "/events/trigger", req, &res)
	return &res, err
}

// NotificationsService reads and mutates the acting user's notifications.
type NotificationsService struct {
	client *Client
}

type Notification struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Category          string    `json:"category"`
	Type              string    `json:"type"`
	Title             string    `json:"title"`
	Message           string    `json:"message"`
	ShortMessage      string    `json:"short_message,omitempty"`
	Priority          string    `json:"priority"`
	Read              bool      `json:"read"`
	RelatedEntityType string    `json:"related_entity_type,omitempty"`
	RelatedEntityID   string    `json:"related_entity_id,omitempty"`
	ActionURL         string    `json:"action_url,omitempty"`
	CreatedBy         string    `json:"created_by"`
	CreatedAt         time.Time `json:"created_at"`
}

type NotificationPage struct {
	Notifications []*Notification `json:"notifications"`
	Total         int             `json:"total"`
	Page          int             `json:"page"`
	Limit         int             `json:"limit"`
}

type ListOptions struct {
	Page       int
	Limit      int
	UnreadOnly bool
	Category   string
	Type       string
}

func (s *NotificationsService) List(ctx context.Context, opts ListOptions) (*NotificationPage, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.UnreadOnly {
		q.Set("unread", "true")
	}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}

	path := fmt.Sprintf("/users/%s/notifications", s.client.userID)
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var res NotificationPage
	err := s.client.do(ctx, http.MethodGet, path, nil, &res)
	return &res, err
}

type UnreadCountResponse struct {
	Count int `json:"count"`
}

func (s *NotificationsService) UnreadCount(ctx context.Context) (int, error) {
	var res UnreadCountResponse
	path := fmt.Sprintf("/users/%s/notifications/unread-count", s.client.userID)
	err := s.client.do(ctx, http.MethodGet, path, nil, &res)
	return res.Count, err
}

func (s *NotificationsService) MarkAsRead(ctx context.Context, notificationID string) error {
	path := fmt.Sprintf("/notifications/%s/read", notificationID)
	return s.client.do(ctx, http.MethodPost, path, nil, nil)
}

func (s *NotificationsService) MarkAllAsRead(ctx context.Context) error {
	path := fmt.Sprintf("/users/%s/notifications/read-all", s.client.userID)
	return s.client.do(ctx, http.MethodPost, path, nil, nil)
}

func (s *NotificationsService) Delete(ctx context.Context, notificationID string) error {
	path := fmt.Sprintf("/notifications/%s", notificationID)
	return s.client.do(ctx, http.MethodDelete, path, nil, nil)
}

// PreferencesService reads and updates the acting user's delivery preferences.
type PreferencesService struct {
	client *Client
}

type Preferences struct {
	UserID          string `json:"user_id"`
	PushEnabled     bool   `json:"push_enabled"`
	EmailEnabled    bool   `json:"email_enabled"`
	SMSEnabled      bool   `json:"sms_enabled"`
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`
}

type PreferencesPatch struct {
	PushEnabled     *bool   `json:"push_enabled,omitempty"`
	EmailEnabled    *bool   `json:"email_enabled,omitempty"`
	SMSEnabled      *bool   `json:"sms_enabled,omitempty"`
	QuietHoursStart *string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *string `json:"quiet_hours_end,omitempty"`
}

func (s *PreferencesService) Get(ctx context.Context) (*Preferences, error) {
	var res Preferences
	path := fmt.Sprintf("/users/%s/preferences", s.client.userID)
	err := s.client.do(ctx, http.MethodGet, path, nil, &res)
	return &res, err
}

func (s *PreferencesService) Update(ctx context.Context, patch *PreferencesPatch) (*Preferences, error) {
	var res Preferences
	path := fmt.Sprintf("/users/%s/preferences", s.client.userID)
	err := s.client.do(ctx, http.MethodPut, path, patch, &res)
	return &res, err
}
