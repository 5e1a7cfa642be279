// Package invite implements the space-invitation state machine:
// send/accept/decline/list plus the invitable-users listing, with
// acceptance's read-then-write run inside a single database transaction.
package invite

import (
	"context"
	"fmt"
	"time"

	"github.com/devan1shX/metaverse/internal/store"
	"github.com/devan1shX/metaverse/models"
)

const defaultExpiryHours = 24

// Manager runs invite operations against Store.
type Manager struct {
	store       store.Store
	expiryHours int
}

// New builds a Manager. expiryHours <= 0 falls back to the default of 24.
func New(st store.Store, expiryHours int) *Manager {
	if expiryHours <= 0 {
		expiryHours = defaultExpiryHours
	}
	return &Manager{store: st, expiryHours: expiryHours}
}

// SendInvite checks every admission precondition (space active, sender
// has access, space not full, recipient active and not already a member,
// no duplicate pending invite) and inserts an unread invite notification.
func (m *Manager) SendInvite(ctx context.Context, fromUserID, toUserID, spaceID string) (*models.Invite, error) {
	space, err := m.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("space not found")
	}
	if !space.IsActive {
		return nil, fmt.Errorf("space is not active")
	}

	isMember, err := m.store.IsSpaceMember(ctx, spaceID, fromUserID)
	if err != nil {
		return nil, err
	}
	if space.AdminUserID != fromUserID && !isMember {
		return nil, fmt.Errorf("you do not have access to this space")
	}

	count, err := m.store.CountSpaceMembers(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if count >= space.MaxUsers {
		return nil, fmt.Errorf("space is full")
	}

	recipient, err := m.store.GetUser(ctx, toUserID)
	if err != nil || !recipient.IsActive {
		return nil, fmt.Errorf("recipient user does not exist")
	}

	alreadyMember, err := m.store.IsSpaceMember(ctx, spaceID, toUserID)
	if err != nil {
		return nil, err
	}
	if alreadyMember {
		return nil, fmt.Errorf("user is already a member of this space")
	}

	existing, err := m.store.GetPendingInvite(ctx, toUserID, spaceID)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("a pending invite already exists for this user and space")
	}

	sender, err := m.store.GetUser(ctx, fromUserID)
	if err != nil {
		return nil, fmt.Errorf("sender not found")
	}

	inv := &models.Invite{
		UserID:  toUserID,
		Type:    "invites",
		Title:   fmt.Sprintf("Space Invite from %s", sender.Name),
		Message: fmt.Sprintf("%s has invited you to join the space '%s'", sender.Name, space.Name),
		Payload: models.InvitePayload{
			SpaceID:      spaceID,
			SpaceName:    space.Name,
			FromUserID:   fromUserID,
			FromUsername: sender.Name,
			InviteType:   "space_invite",
		},
		Status:    models.NotificationUnread,
		ExpiresAt: time.Now().Add(time.Duration(m.expiryHours) * time.Hour),
		IsActive:  true,
	}
	if err := m.store.CreateInvite(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to send invite: %w", err)
	}
	return inv, nil
}

// AcceptResult distinguishes a fresh acceptance from an idempotent replay.
type AcceptResult struct {
	AlreadyMember bool
	SpaceID       string
	SpaceName     string
}

// AcceptInvite runs the full read-validate-write sequence inside one
// transaction. An expired invite is flipped to dismissed and the call
// fails; an already-member acceptance succeeds idempotently.
func (m *Manager) AcceptInvite(ctx context.Context, userID, inviteID string) (*AcceptResult, error) {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	inv, err := tx.GetInviteForUpdate(ctx, inviteID)
	if err != nil {
		return nil, fmt.Errorf("invite not found")
	}
	if inv.UserID != userID {
		return nil, fmt.Errorf("invite not found")
	}
	if inv.Status != models.NotificationUnread {
		return nil, fmt.Errorf("invite has already been processed")
	}
	if !inv.ExpiresAt.IsZero() && inv.ExpiresAt.Before(time.Now()) {
		_ = tx.UpdateInviteStatus(ctx, inviteID, models.NotificationDismissed)
		_ = tx.Commit()
		return nil, fmt.Errorf("invite has expired")
	}

	spaceID := inv.Payload.SpaceID
	if spaceID == "" {
		return nil, fmt.Errorf("invalid invite data")
	}

	space, err := tx.GetSpace(ctx, spaceID)
	if err != nil || !space.IsActive {
		return nil, fmt.Errorf("space no longer exists or is inactive")
	}

	count, err := tx.CountSpaceMembers(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if count >= space.MaxUsers {
		return nil, fmt.Errorf("space is now full")
	}

	isMember, err := tx.IsSpaceMember(ctx, spaceID, userID)
	if err != nil {
		return nil, err
	}
	if isMember {
		if err := tx.UpdateInviteStatus(ctx, inviteID, models.NotificationRead); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &AcceptResult{AlreadyMember: true, SpaceID: spaceID, SpaceName: space.Name}, nil
	}

	if err := tx.AddSpaceMember(ctx, spaceID, userID); err != nil {
		return nil, err
	}
	if err := tx.UpdateInviteStatus(ctx, inviteID, models.NotificationRead); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &AcceptResult{SpaceID: spaceID, SpaceName: space.Name}, nil
}

// DeclineInvite flips an unread invite to dismissed.
func (m *Manager) DeclineInvite(ctx context.Context, userID, inviteID string) (string, error) {
	inv, err := m.store.GetInvite(ctx, inviteID)
	if err != nil || inv.UserID != userID {
		return "", fmt.Errorf("invite not found")
	}
	if inv.Status != models.NotificationUnread {
		return "", fmt.Errorf("invite has already been processed")
	}
	if err := m.store.UpdateInviteStatus(ctx, inviteID, models.NotificationDismissed); err != nil {
		return "", err
	}
	return inv.Payload.SpaceName, nil
}

// GetUserInvites lists a user's unread invites, newest first.
func (m *Manager) GetUserInvites(ctx context.Context, userID string, includeExpired bool) ([]models.Invite, error) {
	return m.store.ListUserInvites(ctx, userID, includeExpired)
}

// GetAllUsers lists invitable users, optionally excluding existing
// members of spaceID.
func (m *Manager) GetAllUsers(ctx context.Context, requesterID, spaceID string) ([]models.UserSnapshot, error) {
	return m.store.ListActiveUsersExcept(ctx, requesterID, spaceID)
}
