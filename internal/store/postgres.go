package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devan1shX/metaverse/models"
	"github.com/devan1shX/metaverse/pkg/database"
)

// PostgresStore is the Store implementation backed by database/sql +
// lib/pq: parameterized queries, wrapped errors, ErrNotFound on missing
// rows.
type PostgresStore struct {
	db database.PostgresConn
}

// NewPostgresStore wraps an already-connected *sql.DB.
func NewPostgresStore(db database.PostgresConn) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	const q = `
		SELECT id, user_name, email, role, user_avatar_url, user_designation,
		       user_about, user_is_active, user_created_at, user_updated_at
		FROM users WHERE id = $1`

	var u models.User
	err := s.db.QueryRowContext(ctx, q, userID).Scan(
		&u.ID, &u.Name, &u.Email, &u.Role, &u.AvatarURL, &u.Designation,
		&u.About, &u.IsActive, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUsersInSpace(ctx context.Context, spaceID string) ([]models.UserSnapshot, error) {
	const q = `
		SELECT u.id, u.user_name, u.user_avatar_url, u.user_designation
		FROM users u
		JOIN user_spaces us ON us.user_id = u.id
		WHERE us.space_id = $1 AND u.user_is_active = true`

	rows, err := s.db.QueryContext(ctx, q, spaceID)
	if err != nil {
		return nil, fmt.Errorf("get users in space: %w", err)
	}
	defer rows.Close()

	var out []models.UserSnapshot
	for rows.Next() {
		var snap models.UserSnapshot
		if err := rows.Scan(&snap.ID, &snap.Name, &snap.AvatarURL, &snap.Designation); err != nil {
			return nil, fmt.Errorf("scan user snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSpace(ctx context.Context, spaceID string) (*models.Space, error) {
	const q = `
		SELECT id, name, description, map_image_url, admin_user_id, is_public,
		       max_users, is_active, created_at, updated_at
		FROM spaces WHERE id = $1`

	var sp models.Space
	err := s.db.QueryRowContext(ctx, q, spaceID).Scan(
		&sp.ID, &sp.Name, &sp.Description, &sp.MapImageURL, &sp.AdminUserID,
		&sp.IsPublic, &sp.MaxUsers, &sp.IsActive, &sp.CreatedAt, &sp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get space: %w", err)
	}
	return &sp, nil
}

func (s *PostgresStore) CountSpaceMembers(ctx context.Context, spaceID string) (int, error) {
	const q = `SELECT COUNT(*) FROM user_spaces WHERE space_id = $1`
	var n int
	if err := s.db.QueryRowContext(ctx, q, spaceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count space members: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) IsSpaceMember(ctx context.Context, spaceID, userID string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM user_spaces WHERE space_id = $1 AND user_id = $2)`
	var ok bool
	if err := s.db.QueryRowContext(ctx, q, spaceID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("is space member: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) AddSpaceMember(ctx context.Context, spaceID, userID string) error {
	const q = `
		INSERT INTO user_spaces (user_id, space_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, space_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, userID, spaceID, time.Now()); err != nil {
		return fmt.Errorf("add space member: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertMessage(ctx context.Context, msg *models.Message) error {
	const q = `
		INSERT INTO messages (message_id, sender_id, message_type, content, timestamp, space_id, receiver_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO UPDATE SET status = $8`
	_, err := s.db.ExecContext(ctx, q,
		msg.MessageID, msg.SenderID, string(msg.Kind), msg.Content, msg.Timestamp,
		nullable(msg.SpaceID), nullable(msg.ReceiverID), string(msg.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateInvite(ctx context.Context, inv *models.Invite) error {
	data, err := json.Marshal(inv.Payload)
	if err != nil {
		return fmt.Errorf("marshal invite payload: %w", err)
	}
	const q = `
		INSERT INTO notifications (user_id, type, title, message, data, status, expires_at, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id`
	now := time.Now()
	return s.db.QueryRowContext(ctx, q,
		inv.UserID, inv.Type, inv.Title, inv.Message, data,
		string(models.NotificationUnread), inv.ExpiresAt, true, now,
	).Scan(&inv.ID)
}

func (s *PostgresStore) GetPendingInvite(ctx context.Context, recipientID, spaceID string) (*models.Invite, error) {
	const q = `
		SELECT id, user_id, type, title, message, data, status, expires_at, is_active, created_at, updated_at
		FROM notifications
		WHERE user_id = $1 AND type = 'invites' AND status = 'unread'
		  AND is_active = true AND expires_at > now()
		  AND data->>'spaceId' = $2
		LIMIT 1`
	return scanInvite(s.db.QueryRowContext(ctx, q, recipientID, spaceID))
}

func (s *PostgresStore) GetInvite(ctx context.Context, inviteID string) (*models.Invite, error) {
	const q = `
		SELECT id, user_id, type, title, message, data, status, expires_at, is_active, created_at, updated_at
		FROM notifications WHERE id = $1`
	return scanInvite(s.db.QueryRowContext(ctx, q, inviteID))
}

func (s *PostgresStore) ListUserInvites(ctx context.Context, userID string, includeExpired bool) ([]models.Invite, error) {
	q := `
		SELECT id, user_id, type, title, message, data, status, expires_at, is_active, created_at, updated_at
		FROM notifications
		WHERE user_id = $1 AND type = 'invites' AND status = 'unread' AND is_active = true`
	if !includeExpired {
		q += ` AND expires_at > now()`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list user invites: %w", err)
	}
	defer rows.Close()

	var out []models.Invite
	for rows.Next() {
		inv, err := scanInviteRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateInviteStatus(ctx context.Context, inviteID string, status models.NotificationStatus) error {
	const q = `UPDATE notifications SET status = $2, updated_at = now() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, inviteID, string(status))
	if err != nil {
		return fmt.Errorf("update invite status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveUsersExcept(ctx context.Context, requesterID, excludeSpaceID string) ([]models.UserSnapshot, error) {
	q := `
		SELECT u.id, u.user_name, u.user_avatar_url, u.user_designation
		FROM users u
		WHERE u.user_is_active = true AND u.id != $1`
	args := []interface{}{requesterID}
	if excludeSpaceID != "" {
		q += `
		AND NOT EXISTS (SELECT 1 FROM user_spaces us WHERE us.user_id = u.id AND us.space_id = $2)`
		args = append(args, excludeSpaceID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var out []models.UserSnapshot
	for rows.Next() {
		var snap models.UserSnapshot
		if err := rows.Scan(&snap.ID, &snap.Name, &snap.AvatarURL, &snap.Designation); err != nil {
			return nil, fmt.Errorf("scan user snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetInviteForUpdate(ctx context.Context, inviteID string) (*models.Invite, error) {
	const q = `
		SELECT id, user_id, type, title, message, data, status, expires_at, is_active, created_at, updated_at
		FROM notifications WHERE id = $1 FOR UPDATE`
	return scanInvite(t.tx.QueryRowContext(ctx, q, inviteID))
}

func (t *postgresTx) UpdateInviteStatus(ctx context.Context, inviteID string, status models.NotificationStatus) error {
	const q = `UPDATE notifications SET status = $2, updated_at = now() WHERE id = $1`
	_, err := t.tx.ExecContext(ctx, q, inviteID, string(status))
	if err != nil {
		return fmt.Errorf("update invite status (tx): %w", err)
	}
	return nil
}

func (t *postgresTx) GetSpace(ctx context.Context, spaceID string) (*models.Space, error) {
	const q = `
		SELECT id, name, description, map_image_url, admin_user_id, is_public,
		       max_users, is_active, created_at, updated_at
		FROM spaces WHERE id = $1 FOR UPDATE`
	var sp models.Space
	err := t.tx.QueryRowContext(ctx, q, spaceID).Scan(
		&sp.ID, &sp.Name, &sp.Description, &sp.MapImageURL, &sp.AdminUserID,
		&sp.IsPublic, &sp.MaxUsers, &sp.IsActive, &sp.CreatedAt, &sp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get space (tx): %w", err)
	}
	return &sp, nil
}

func (t *postgresTx) CountSpaceMembers(ctx context.Context, spaceID string) (int, error) {
	const q = `SELECT COUNT(*) FROM user_spaces WHERE space_id = $1`
	var n int
	if err := t.tx.QueryRowContext(ctx, q, spaceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count space members (tx): %w", err)
	}
	return n, nil
}

func (t *postgresTx) IsSpaceMember(ctx context.Context, spaceID, userID string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM user_spaces WHERE space_id = $1 AND user_id = $2)`
	var ok bool
	if err := t.tx.QueryRowContext(ctx, q, spaceID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("is space member (tx): %w", err)
	}
	return ok, nil
}

func (t *postgresTx) AddSpaceMember(ctx context.Context, spaceID, userID string) error {
	const q = `
		INSERT INTO user_spaces (user_id, space_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, space_id) DO NOTHING`
	if _, err := t.tx.ExecContext(ctx, q, userID, spaceID, time.Now()); err != nil {
		return fmt.Errorf("add space member (tx): %w", err)
	}
	return nil
}

func (t *postgresTx) Commit() error   { return t.tx.Commit() }
func (t *postgresTx) Rollback() error { return t.tx.Rollback() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvite(row rowScanner) (*models.Invite, error) {
	var inv models.Invite
	var data []byte
	var status string
	err := row.Scan(
		&inv.ID, &inv.UserID, &inv.Type, &inv.Title, &inv.Message, &data,
		&status, &inv.ExpiresAt, &inv.IsActive, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invite: %w", err)
	}
	inv.Status = models.NotificationStatus(status)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &inv.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal invite payload: %w", err)
		}
	}
	return &inv, nil
}

func scanInviteRow(rows *sql.Rows) (*models.Invite, error) {
	return scanInvite(rows)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
