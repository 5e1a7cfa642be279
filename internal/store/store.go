// Package store is the relational home for users, spaces, memberships,
// messages, and notifications. The core packages depend only on the
// Store and Tx interfaces here, never on database/sql directly.
package store

import (
	"context"
	"errors"

	"github.com/devan1shX/metaverse/models"
)

// ErrNotFound is returned when a lookup finds no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract the core depends on.
type Store interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetUsersInSpace(ctx context.Context, spaceID string) ([]models.UserSnapshot, error)
	GetSpace(ctx context.Context, spaceID string) (*models.Space, error)
	CountSpaceMembers(ctx context.Context, spaceID string) (int, error)
	IsSpaceMember(ctx context.Context, spaceID, userID string) (bool, error)
	AddSpaceMember(ctx context.Context, spaceID, userID string) error

	UpsertMessage(ctx context.Context, msg *models.Message) error

	CreateInvite(ctx context.Context, inv *models.Invite) error
	GetPendingInvite(ctx context.Context, recipientID, spaceID string) (*models.Invite, error)
	GetInvite(ctx context.Context, inviteID string) (*models.Invite, error)
	ListUserInvites(ctx context.Context, userID string, includeExpired bool) ([]models.Invite, error)
	UpdateInviteStatus(ctx context.Context, inviteID string, status models.NotificationStatus) error
	ListActiveUsersExcept(ctx context.Context, requesterID, excludeSpaceID string) ([]models.UserSnapshot, error)

	BeginTx(ctx context.Context) (Tx, error)

	Close() error
}

// Tx is a transactional view of Store used by InviteManager.AcceptInvite,
// which must read-then-write the invite and the membership row atomically.
type Tx interface {
	GetInviteForUpdate(ctx context.Context, inviteID string) (*models.Invite, error)
	UpdateInviteStatus(ctx context.Context, inviteID string, status models.NotificationStatus) error
	GetSpace(ctx context.Context, spaceID string) (*models.Space, error)
	CountSpaceMembers(ctx context.Context, spaceID string) (int, error)
	IsSpaceMember(ctx context.Context, spaceID, userID string) (bool, error)
	AddSpaceMember(ctx context.Context, spaceID, userID string) error
	Commit() error
	Rollback() error
}
