package notification

import (
	"context"
	"fmt"

	"github.com/sapliy/ops-platform/internal/directory"
)

// PreferencesReader loads delivery preferences for resolved recipients.
type PreferencesReader interface {
	// GetPreferencesForUsers returns stored preferences keyed by user ID.
	// Users without a stored row are simply absent from the map.
	GetPreferencesForUsers(ctx context.Context, userIDs []string) (map[string]*Preferences, error)
}

// Resolver computes the ordered, de-duplicated recipient set for an
// (event, rule) pair.
type Resolver struct {
	dir   directory.Directory
	prefs PreferencesReader
}

func NewResolver(dir directory.Directory, prefs PreferencesReader) *Resolver {
	return &Resolver{dir: dir, prefs: prefs}
}

// Resolve applies the rule's recipient policy. An empty result is a normal,
// non-error outcome. The triggering actor is excluded only when the rule opts
// into self-exclusion.
func (r *Resolver) Resolve(ctx context.Context, event *Event, rule *Rule) ([]Recipient, error) {
	users, err := r.lookupUsers(ctx, event, rule)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(users))
	recipients := make([]Recipient, 0, len(users))
	for _, u := range users {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		if rule.ExcludeActor && u.ID == event.Actor() {
			continue
		}
		recipients = append(recipients, Recipient{
			UserID: u.ID,
			Name:   u.Name,
			Email:  u.Email,
			Phone:  u.Phone,
		})
	}

	if len(recipients) == 0 {
		return nil, nil
	}
	return r.attachPreferences(ctx, recipients)
}

func (r *Resolver) lookupUsers(ctx context.Context, event *Event, rule *Rule) ([]directory.User, error) {
	switch rule.Recipients.Strategy {
	case StrategyRoles:
		return r.dir.UsersByRoles(ctx, rule.Recipients.Roles)

	case StrategyAssignees:
		entityType := event.DataString("entityType")
		entityID := event.DataString("entityId")
		if entityType == "" || entityID == "" {
			return nil, nil
		}
		return r.dir.UsersAssignedTo(ctx, entityType, entityID)

	case StrategyExplicit:
		ids := rule.Recipients.UserIDs
		if eventIDs := explicitEventRecipients(event); len(eventIDs) > 0 {
			ids = eventIDs
		}
		return r.dir.UsersByIDs(ctx, ids)
	}
	return nil, fmt.Errorf("unknown recipient strategy %q", rule.Recipients.Strategy)
}

// explicitEventRecipients reads a literal recipient list off the event payload.
func explicitEventRecipients(event *Event) []string {
	if event.Data == nil {
		return nil
	}
	raw, ok := event.Data["recipients"].([]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		if id, ok := item.(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Resolver) attachPreferences(ctx context.Context, recipients []Recipient) ([]Recipient, error) {
	ids := make([]string, len(recipients))
	for i, rec := range recipients {
		ids[i] = rec.UserID
	}

	stored, err := r.prefs.GetPreferencesForUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	for i := range recipients {
		if p, ok := stored[recipients[i].UserID]; ok {
			recipients[i].Preferences = p
		} else {
			recipients[i].Preferences = DefaultPreferences(recipients[i].UserID)
		}
	}
	return recipients, nil
}
