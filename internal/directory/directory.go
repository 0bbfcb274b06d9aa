// Package directory is the read model over the identity tables the recipient
// resolver consumes: users, their roles, and entity assignments. The tables are
// owned by the wider operations backend; this package only reads them.
package directory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// User is an active identity that can receive notifications.
type User struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// Directory resolves identities for recipient resolution.
type Directory interface {
	// UsersByRoles returns active users holding any of the given roles,
	// ordered by user ID for a stable fan-out order.
	UsersByRoles(ctx context.Context, roles []string) ([]User, error)

	// UsersAssignedTo returns active users assigned to the given entity,
	// ordered by user ID.
	UsersAssignedTo(ctx context.Context, entityType, entityID string) ([]User, error)

	// UsersByIDs returns the active users among the given IDs, ordered by
	// user ID. Unknown or inactive IDs are silently dropped.
	UsersByIDs(ctx context.Context, ids []string) ([]User, error)
}

// PostgresDirectory implements Directory over the backend's identity tables.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) UsersByRoles(ctx context.Context, roles []string) ([]User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT u.id, u.name, u.email, COALESCE(u.phone, '')
		FROM users u
		JOIN user_roles r ON r.user_id = u.id
		WHERE u.active AND r.role = ANY($1)
		ORDER BY u.id
	`
	return d.queryUsers(ctx, query, pq.Array(roles))
}

func (d *PostgresDirectory) UsersAssignedTo(ctx context.Context, entityType, entityID string) ([]User, error) {
	query := `
		SELECT DISTINCT u.id, u.name, u.email, COALESCE(u.phone, '')
		FROM users u
		JOIN entity_assignments a ON a.user_id = u.id
		WHERE u.active AND a.entity_type = $1 AND a.entity_id = $2
		ORDER BY u.id
	`
	return d.queryUsers(ctx, query, entityType, entityID)
}

func (d *PostgresDirectory) UsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT u.id, u.name, u.email, COALESCE(u.phone, '')
		FROM users u
		WHERE u.active AND u.id = ANY($1)
		ORDER BY u.id
	`
	return d.queryUsers(ctx, query, pq.Array(ids))
}

func (d *PostgresDirectory) queryUsers(ctx context.Context, query string, args ...interface{}) ([]User, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("directory query: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Phone); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
