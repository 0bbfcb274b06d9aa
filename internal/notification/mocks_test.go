package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sapliy/ops-platform/internal/directory"
)

// mockStore implements Store with overridable func fields. Unset funcs return
// zero values so each test only wires what it exercises.
type mockStore struct {
	GetRuleByEventTypeFunc  func(ctx context.Context, eventType string) (*Rule, error)
	ListRulesFunc           func(ctx context.Context) ([]*Rule, error)
	CreateRuleFunc          func(ctx context.Context, rule *Rule) error
	UpdateRuleFunc          func(ctx context.Context, rule *Rule) error
	CreateNotificationsFunc func(ctx context.Context, notifications []*Notification) error
	GetUserNotifsFunc       func(ctx context.Context, userID string, page, limit int, filters ListFilters) (*NotificationPage, error)
	GetUnreadCountFunc      func(ctx context.Context, userID string) (int, error)
	MarkAsReadFunc          func(ctx context.Context, id, userID string) (bool, error)
	MarkAllAsReadFunc       func(ctx context.Context, userID string) (int64, error)
	SoftDeleteFunc          func(ctx context.Context, id, userID string) (bool, error)
	DeleteBeforeFunc        func(ctx context.Context, cutoff time.Time) (int64, error)
	GetPreferencesFunc      func(ctx context.Context, userID string) (*Preferences, error)
	GetPrefsForUsersFunc    func(ctx context.Context, userIDs []string) (map[string]*Preferences, error)
	UpdatePreferencesFunc   func(ctx context.Context, userID string, patch PreferencesPatch) (*Preferences, error)
	GetDeliveryLogsFunc     func(ctx context.Context, notificationID string) ([]*DeliveryLog, error)

	mu           sync.Mutex
	idSeq        int
	created      []*Notification
	deliveryLogs []*DeliveryLog
}

func (m *mockStore) GetRuleByEventType(ctx context.Context, eventType string) (*Rule, error) {
	if m.GetRuleByEventTypeFunc != nil {
		return m.GetRuleByEventTypeFunc(ctx, eventType)
	}
	return nil, nil
}

func (m *mockStore) ListRules(ctx context.Context) ([]*Rule, error) {
	if m.ListRulesFunc != nil {
		return m.ListRulesFunc(ctx)
	}
	return nil, nil
}

func (m *mockStore) CreateRule(ctx context.Context, rule *Rule) error {
	if m.CreateRuleFunc != nil {
		return m.CreateRuleFunc(ctx, rule)
	}
	return nil
}

func (m *mockStore) UpdateRule(ctx context.Context, rule *Rule) error {
	if m.UpdateRuleFunc != nil {
		return m.UpdateRuleFunc(ctx, rule)
	}
	return nil
}

func (m *mockStore) CreateNotifications(ctx context.Context, notifications []*Notification) error {
	if m.CreateNotificationsFunc != nil {
		return m.CreateNotificationsFunc(ctx, notifications)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range notifications {
		if n.ID == "" {
			m.idSeq++
			n.ID = fmt.Sprintf("n-%d", m.idSeq)
		}
	}
	m.created = append(m.created, notifications...)
	return nil
}

func (m *mockStore) createdNotifications() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Notification, len(m.created))
	copy(out, m.created)
	return out
}

func (m *mockStore) GetUserNotifications(ctx context.Context, userID string, page, limit int, filters ListFilters) (*NotificationPage, error) {
	if m.GetUserNotifsFunc != nil {
		return m.GetUserNotifsFunc(ctx, userID, page, limit, filters)
	}
	return &NotificationPage{}, nil
}

func (m *mockStore) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	if m.GetUnreadCountFunc != nil {
		return m.GetUnreadCountFunc(ctx, userID)
	}
	return 0, nil
}

func (m *mockStore) MarkAsRead(ctx context.Context, id, userID string) (bool, error) {
	if m.MarkAsReadFunc != nil {
		return m.MarkAsReadFunc(ctx, id, userID)
	}
	return false, nil
}

func (m *mockStore) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	if m.MarkAllAsReadFunc != nil {
		return m.MarkAllAsReadFunc(ctx, userID)
	}
	return 0, nil
}

func (m *mockStore) SoftDeleteNotification(ctx context.Context, id, userID string) (bool, error) {
	if m.SoftDeleteFunc != nil {
		return m.SoftDeleteFunc(ctx, id, userID)
	}
	return false, nil
}

func (m *mockStore) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.DeleteBeforeFunc != nil {
		return m.DeleteBeforeFunc(ctx, cutoff)
	}
	return 0, nil
}

func (m *mockStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	if m.GetPreferencesFunc != nil {
		return m.GetPreferencesFunc(ctx, userID)
	}
	return DefaultPreferences(userID), nil
}

func (m *mockStore) GetPreferencesForUsers(ctx context.Context, userIDs []string) (map[string]*Preferences, error) {
	if m.GetPrefsForUsersFunc != nil {
		return m.GetPrefsForUsersFunc(ctx, userIDs)
	}
	return map[string]*Preferences{}, nil
}

func (m *mockStore) UpdatePreferences(ctx context.Context, userID string, patch PreferencesPatch) (*Preferences, error) {
	if m.UpdatePreferencesFunc != nil {
		return m.UpdatePreferencesFunc(ctx, userID, patch)
	}
	return DefaultPreferences(userID), nil
}

func (m *mockStore) AppendDeliveryLog(ctx context.Context, entry *DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveryLogs = append(m.deliveryLogs, entry)
	return nil
}

func (m *mockStore) appendedLogs() []*DeliveryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DeliveryLog, len(m.deliveryLogs))
	copy(out, m.deliveryLogs)
	return out
}

func (m *mockStore) GetDeliveryLogs(ctx context.Context, notificationID string) ([]*DeliveryLog, error) {
	if m.GetDeliveryLogsFunc != nil {
		return m.GetDeliveryLogsFunc(ctx, notificationID)
	}
	return nil, nil
}

// mockGateway records realtime pushes.
type mockGateway struct {
	SendFunc func(ctx context.Context, userID string, n *Notification) error

	mu           sync.Mutex
	sent         map[string][]*Notification
	unreadCounts map[string][]int
	deleted      map[string][]string
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		sent:         make(map[string][]*Notification),
		unreadCounts: make(map[string][]int),
		deleted:      make(map[string][]string),
	}
}

func (g *mockGateway) SendNotificationToUser(ctx context.Context, userID string, n *Notification) error {
	if g.SendFunc != nil {
		if err := g.SendFunc(ctx, userID, n); err != nil {
			return err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent[userID] = append(g.sent[userID], n)
	return nil
}

func (g *mockGateway) UpdateUnreadCount(ctx context.Context, userID string, count int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unreadCounts[userID] = append(g.unreadCounts[userID], count)
	return nil
}

func (g *mockGateway) BroadcastNotificationDeleted(ctx context.Context, userID, notificationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted[userID] = append(g.deleted[userID], notificationID)
	return nil
}

func (g *mockGateway) sentTo(userID string) []*Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent[userID]
}

// mockQueue records enqueued delivery jobs.
type mockQueue struct {
	EnqueueFunc func(ctx context.Context, job *DeliveryJob) error

	mu   sync.Mutex
	jobs []*DeliveryJob
}

func (q *mockQueue) Enqueue(ctx context.Context, job *DeliveryJob) error {
	if q.EnqueueFunc != nil {
		if err := q.EnqueueFunc(ctx, job); err != nil {
			return err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *mockQueue) enqueued() []*DeliveryJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*DeliveryJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// mockDeduper claims keys in-process the way the redis deduper does over SETNX.
type mockDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMockDeduper() *mockDeduper {
	return &mockDeduper{seen: make(map[string]bool)}
}

func (d *mockDeduper) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

// mockDirectory serves identities from in-memory maps.
type mockDirectory struct {
	byRole     map[string][]directory.User
	byEntity   map[string][]directory.User // key: entityType + "/" + entityID
	byID       map[string]directory.User
	rolesErr   error
	entityErr  error
	usersIDErr error
}

func (d *mockDirectory) UsersByRoles(ctx context.Context, roles []string) ([]directory.User, error) {
	if d.rolesErr != nil {
		return nil, d.rolesErr
	}
	seen := make(map[string]bool)
	var users []directory.User
	for _, role := range roles {
		for _, u := range d.byRole[role] {
			if !seen[u.ID] {
				seen[u.ID] = true
				users = append(users, u)
			}
		}
	}
	return users, nil
}

func (d *mockDirectory) UsersAssignedTo(ctx context.Context, entityType, entityID string) ([]directory.User, error) {
	if d.entityErr != nil {
		return nil, d.entityErr
	}
	return d.byEntity[entityType+"/"+entityID], nil
}

func (d *mockDirectory) UsersByIDs(ctx context.Context, ids []string) ([]directory.User, error) {
	if d.usersIDErr != nil {
		return nil, d.usersIDErr
	}
	var users []directory.User
	for _, id := range ids {
		if u, ok := d.byID[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}
