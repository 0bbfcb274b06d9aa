package notification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// memoryNotifications is a tiny in-memory row set backing the read-state tests,
// mirroring the SQL predicates the real repository uses.
type memoryNotifications struct {
	rows map[string]*Notification // id -> row
}

func (m *memoryNotifications) markAsRead(id, userID string) bool {
	n, ok := m.rows[id]
	if !ok || n.UserID != userID || n.DeletedAt != nil {
		return false
	}
	n.Read = true
	return true
}

func (m *memoryNotifications) unreadCount(userID string) int {
	count := 0
	for _, n := range m.rows {
		if n.UserID == userID && !n.Read && n.DeletedAt == nil {
			count++
		}
	}
	return count
}

func serviceFixture(mem *memoryNotifications) (*Service, *mockGateway) {
	gateway := newMockGateway()
	store := &mockStore{
		MarkAsReadFunc: func(ctx context.Context, id, userID string) (bool, error) {
			return mem.markAsRead(id, userID), nil
		},
		GetUnreadCountFunc: func(ctx context.Context, userID string) (int, error) {
			return mem.unreadCount(userID), nil
		},
		SoftDeleteFunc: func(ctx context.Context, id, userID string) (bool, error) {
			n, ok := mem.rows[id]
			if !ok || n.UserID != userID || n.DeletedAt != nil {
				return false, nil
			}
			now := time.Now()
			n.DeletedAt = &now
			return true, nil
		},
	}
	return NewService(store, gateway, testLogger()), gateway
}

func TestService_MarkAsRead(t *testing.T) {
	mem := &memoryNotifications{rows: map[string]*Notification{
		"n1": {ID: "n1", UserID: "alice"},
		"n2": {ID: "n2", UserID: "bob"},
	}}
	svc, gateway := serviceFixture(mem)
	ctx := context.Background()

	t.Run("owner marks unread", func(t *testing.T) {
		if err := svc.MarkAsRead(ctx, "n1", "alice"); err != nil {
			t.Fatalf("MarkAsRead() error = %v", err)
		}
		if !mem.rows["n1"].Read {
			t.Error("row should be read")
		}
		counts := gateway.unreadCounts["alice"]
		if len(counts) != 1 || counts[0] != 0 {
			t.Errorf("unread count 0 should be broadcast, got %v", counts)
		}
	})

	t.Run("idempotent on already-read row", func(t *testing.T) {
		if err := svc.MarkAsRead(ctx, "n1", "alice"); err != nil {
			t.Errorf("second MarkAsRead() should succeed, got %v", err)
		}
	})

	t.Run("cross-user attempt", func(t *testing.T) {
		err := svc.MarkAsRead(ctx, "n2", "alice")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if mem.rows["n2"].Read {
			t.Error("bob's row must be untouched")
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if err := svc.MarkAsRead(ctx, "ghost", "alice"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestService_MarkAllAsRead(t *testing.T) {
	var markedUser string
	gateway := newMockGateway()
	store := &mockStore{
		MarkAllAsReadFunc: func(ctx context.Context, userID string) (int64, error) {
			markedUser = userID
			return 3, nil
		},
	}
	svc := NewService(store, gateway, testLogger())

	if err := svc.MarkAllAsRead(context.Background(), "alice"); err != nil {
		t.Fatalf("MarkAllAsRead() error = %v", err)
	}
	if markedUser != "alice" {
		t.Errorf("store should be called for alice, got %q", markedUser)
	}
	counts := gateway.unreadCounts["alice"]
	if len(counts) != 1 || counts[0] != 0 {
		t.Errorf("unread count 0 should be broadcast, got %v", counts)
	}
}

func TestService_DeleteNotification(t *testing.T) {
	mem := &memoryNotifications{rows: map[string]*Notification{
		"n1": {ID: "n1", UserID: "alice"},
	}}
	svc, gateway := serviceFixture(mem)
	ctx := context.Background()

	if err := svc.DeleteNotification(ctx, "n1", "alice"); err != nil {
		t.Fatalf("DeleteNotification() error = %v", err)
	}
	if mem.rows["n1"].DeletedAt == nil {
		t.Error("row should be soft-deleted")
	}
	if got := gateway.deleted["alice"]; len(got) != 1 || got[0] != "n1" {
		t.Errorf("deletion should be broadcast, got %v", got)
	}

	// Deleting again matches nothing.
	if err := svc.DeleteNotification(ctx, "n1", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestService_CleanOldNotifications(t *testing.T) {
	var gotCutoff time.Time
	store := &mockStore{
		DeleteBeforeFunc: func(ctx context.Context, cutoff time.Time) (int64, error) {
			gotCutoff = cutoff
			return 2, nil
		},
	}
	svc := NewService(store, newMockGateway(), testLogger())

	t.Run("explicit retention", func(t *testing.T) {
		removed, err := svc.CleanOldNotifications(context.Background(), 30)
		if err != nil {
			t.Fatalf("CleanOldNotifications() error = %v", err)
		}
		if removed != 2 {
			t.Errorf("removed = %d, want 2", removed)
		}
		want := time.Now().UTC().AddDate(0, 0, -30)
		if diff := want.Sub(gotCutoff); diff < -time.Minute || diff > time.Minute {
			t.Errorf("cutoff %v should be ~30 days ago", gotCutoff)
		}
	})

	t.Run("zero falls back to 90 days", func(t *testing.T) {
		if _, err := svc.CleanOldNotifications(context.Background(), 0); err != nil {
			t.Fatalf("CleanOldNotifications() error = %v", err)
		}
		want := time.Now().UTC().AddDate(0, 0, -90)
		if diff := want.Sub(gotCutoff); diff < -time.Minute || diff > time.Minute {
			t.Errorf("cutoff %v should be ~90 days ago", gotCutoff)
		}
	})
}

func TestService_CleanOldNotifications_FiltersByAge(t *testing.T) {
	aged := func(days int) time.Time {
		return time.Now().UTC().AddDate(0, 0, -days)
	}
	rows := map[string]*Notification{
		"fresh":   {ID: "fresh", UserID: "alice", CreatedAt: aged(10)},
		"stale":   {ID: "stale", UserID: "alice", CreatedAt: aged(91)},
		"ancient": {ID: "ancient", UserID: "bob", CreatedAt: aged(200)},
	}

	// Hard delete older than the cutoff, as the repository does in SQL.
	store := &mockStore{
		DeleteBeforeFunc: func(ctx context.Context, cutoff time.Time) (int64, error) {
			var removed int64
			for id, n := range rows {
				if n.CreatedAt.Before(cutoff) {
					delete(rows, id)
					removed++
				}
			}
			return removed, nil
		},
	}
	svc := NewService(store, newMockGateway(), testLogger())

	removed, err := svc.CleanOldNotifications(context.Background(), 0)
	if err != nil {
		t.Fatalf("CleanOldNotifications() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := rows["fresh"]; !ok {
		t.Error("10-day-old row must survive the default 90-day retention")
	}
	if len(rows) != 1 {
		t.Errorf("only the fresh row should remain, got %d rows", len(rows))
	}
}

func TestService_UpdatePreferences_QuietHoursValidation(t *testing.T) {
	svc := NewService(&mockStore{}, newMockGateway(), testLogger())
	bad := "25:99"
	good := "22:00"

	if _, err := svc.UpdatePreferences(context.Background(), "u1", PreferencesPatch{QuietHoursStart: &bad}); err == nil {
		t.Error("invalid quiet hours should be rejected")
	}
	if _, err := svc.UpdatePreferences(context.Background(), "u1", PreferencesPatch{QuietHoursStart: &good}); err != nil {
		t.Errorf("valid quiet hours rejected: %v", err)
	}
}

func TestValidateRule(t *testing.T) {
	valid := func() *Rule {
		return &Rule{
			EventType: "bid.won",
			Channels:  []Channel{ChannelPush},
			Recipients: RecipientPolicy{
				Strategy: StrategyRoles,
				Roles:    []string{"manager"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantErr string
	}{
		{"valid", func(r *Rule) {}, ""},
		{"missing event type", func(r *Rule) { r.EventType = "" }, "event type"},
		{"no channels", func(r *Rule) { r.Channels = nil }, "channel"},
		{"unknown channel", func(r *Rule) { r.Channels = []Channel{"fax"} }, "unknown channel"},
		{"roles without roles", func(r *Rule) { r.Recipients.Roles = nil }, "at least one role"},
		{"unknown strategy", func(r *Rule) { r.Recipients.Strategy = "everyone" }, "unknown recipient strategy"},
		{"negative dedupe", func(r *Rule) { r.DedupeWindowSeconds = -1 }, "dedupe window"},
		{"bad conditions", func(r *Rule) { r.Conditions = &Comparison{Field: "x", Op: "nope"} }, "invalid conditions"},
		{"assignees needs nothing extra", func(r *Rule) {
			r.Recipients = RecipientPolicy{Strategy: StrategyAssignees}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := valid()
			tt.mutate(rule)
			err := validateRule(rule)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateRule() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPreferences_Allows(t *testing.T) {
	at := func(hhmm string) time.Time {
		parsed, _ := time.Parse("15:04", hhmm)
		return time.Date(2026, 3, 10, parsed.Hour(), parsed.Minute(), 0, 0, time.Local)
	}

	quiet := &Preferences{
		PushEnabled: true, EmailEnabled: true, SMSEnabled: true,
		QuietHoursStart: "22:00", QuietHoursEnd: "07:00",
	}

	tests := []struct {
		name    string
		prefs   *Preferences
		channel Channel
		now     time.Time
		want    bool
	}{
		{"push ignores quiet hours", quiet, ChannelPush, at("23:00"), true},
		{"email inside window", quiet, ChannelEmail, at("23:00"), false},
		{"sms before midnight boundary", quiet, ChannelSMS, at("06:59"), false},
		{"email at window end", quiet, ChannelEmail, at("07:00"), true},
		{"email midday", quiet, ChannelEmail, at("12:00"), true},
		{"email disabled outright", &Preferences{PushEnabled: true}, ChannelEmail, at("12:00"), false},
		{"defaults allow everything", DefaultPreferences("u"), ChannelSMS, at("03:00"), true},
		{"unknown channel", DefaultPreferences("u"), Channel("fax"), at("12:00"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.prefs.Allows(tt.channel, tt.now); got != tt.want {
				t.Errorf("Allows(%s) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}
}
