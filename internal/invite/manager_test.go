package invite

import (
	"context"
	"testing"
	"time"

	"github.com/devan1shX/metaverse/internal/store"
	"github.com/devan1shX/metaverse/models"
)

// fakeStore and fakeTx back the invite scenarios: send, accept (fresh and
// already-a-member), decline, and the full preconditions SendInvite must
// check before inserting a notification row.
type fakeStore struct {
	users   map[string]*models.User
	spaces  map[string]*models.Space
	members map[string]map[string]bool
	invites map[string]*models.Invite
	pending map[string]*models.Invite // key: spaceID+"|"+recipientID

	tx *fakeTx
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[string]*models.User{},
		spaces:  map[string]*models.Space{},
		members: map[string]map[string]bool{},
		invites: map[string]*models.Invite{},
		pending: map[string]*models.Invite{},
	}
}

func (s *fakeStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}
func (s *fakeStore) GetUsersInSpace(ctx context.Context, spaceID string) ([]models.UserSnapshot, error) {
	return nil, nil
}
func (s *fakeStore) GetSpace(ctx context.Context, spaceID string) (*models.Space, error) {
	sp, ok := s.spaces[spaceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sp, nil
}
func (s *fakeStore) CountSpaceMembers(ctx context.Context, spaceID string) (int, error) {
	return len(s.members[spaceID]), nil
}
func (s *fakeStore) IsSpaceMember(ctx context.Context, spaceID, userID string) (bool, error) {
	return s.members[spaceID][userID], nil
}
func (s *fakeStore) AddSpaceMember(ctx context.Context, spaceID, userID string) error {
	if s.members[spaceID] == nil {
		s.members[spaceID] = map[string]bool{}
	}
	s.members[spaceID][userID] = true
	return nil
}
func (s *fakeStore) UpsertMessage(ctx context.Context, msg *models.Message) error { return nil }
func (s *fakeStore) CreateInvite(ctx context.Context, inv *models.Invite) error {
	inv.ID = "invite-" + inv.UserID
	s.invites[inv.ID] = inv
	s.pending[inv.Payload.SpaceID+"|"+inv.UserID] = inv
	return nil
}
func (s *fakeStore) GetPendingInvite(ctx context.Context, recipientID, spaceID string) (*models.Invite, error) {
	inv, ok := s.pending[spaceID+"|"+recipientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inv, nil
}
func (s *fakeStore) GetInvite(ctx context.Context, inviteID string) (*models.Invite, error) {
	inv, ok := s.invites[inviteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inv, nil
}
func (s *fakeStore) ListUserInvites(ctx context.Context, userID string, includeExpired bool) ([]models.Invite, error) {
	return nil, nil
}
func (s *fakeStore) UpdateInviteStatus(ctx context.Context, inviteID string, status models.NotificationStatus) error {
	inv, ok := s.invites[inviteID]
	if !ok {
		return store.ErrNotFound
	}
	inv.Status = status
	return nil
}
func (s *fakeStore) ListActiveUsersExcept(ctx context.Context, requesterID, excludeSpaceID string) ([]models.UserSnapshot, error) {
	return nil, nil
}
func (s *fakeStore) BeginTx(ctx context.Context) (store.Tx, error) {
	return &fakeTx{s: s}, nil
}
func (s *fakeStore) Close() error { return nil }

// fakeTx mutates the same backing maps as fakeStore; Rollback is a no-op
// since the test doesn't need isolation, only Commit/Rollback call counts.
type fakeTx struct {
	s          *fakeStore
	committed  bool
	rolledBack bool
}

func (t *fakeTx) GetInviteForUpdate(ctx context.Context, inviteID string) (*models.Invite, error) {
	return t.s.GetInvite(ctx, inviteID)
}
func (t *fakeTx) UpdateInviteStatus(ctx context.Context, inviteID string, status models.NotificationStatus) error {
	return t.s.UpdateInviteStatus(ctx, inviteID, status)
}
func (t *fakeTx) GetSpace(ctx context.Context, spaceID string) (*models.Space, error) {
	return t.s.GetSpace(ctx, spaceID)
}
func (t *fakeTx) CountSpaceMembers(ctx context.Context, spaceID string) (int, error) {
	return t.s.CountSpaceMembers(ctx, spaceID)
}
func (t *fakeTx) IsSpaceMember(ctx context.Context, spaceID, userID string) (bool, error) {
	return t.s.IsSpaceMember(ctx, spaceID, userID)
}
func (t *fakeTx) AddSpaceMember(ctx context.Context, spaceID, userID string) error {
	return t.s.AddSpaceMember(ctx, spaceID, userID)
}
func (t *fakeTx) Commit() error {
	t.committed = true
	return nil
}
func (t *fakeTx) Rollback() error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func seedSpace(s *fakeStore) {
	s.spaces["space-1"] = &models.Space{ID: "space-1", Name: "HQ", AdminUserID: "admin", IsActive: true, MaxUsers: 10}
	s.users["admin"] = &models.User{ID: "admin", Name: "Admin", IsActive: true}
	s.users["bob"] = &models.User{ID: "bob", Name: "Bob", IsActive: true}
	s.members["space-1"] = map[string]bool{"admin": true}
}

func TestSendInviteSucceeds(t *testing.T) {
	s := newFakeStore()
	seedSpace(s)
	m := New(s, 24)

	inv, err := m.SendInvite(context.Background(), "admin", "bob", "space-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.UserID != "bob" || inv.Payload.SpaceID != "space-1" {
		t.Fatalf("unexpected invite: %+v", inv)
	}
}

func TestSendInviteRejectsWhenSpaceFull(t *testing.T) {
	s := newFakeStore()
	seedSpace(s)
	s.spaces["space-1"].MaxUsers = 1
	m := New(s, 24)

	if _, err := m.SendInvite(context.Background(), "admin", "bob", "space-1"); err == nil {
		t.Fatalf("expected an error when the space is full")
	}
}

func TestSendInviteRejectsDuplicatePending(t *testing.T) {
	s := newFakeStore()
	seedSpace(s)
	m := New(s, 24)

	if _, err := m.SendInvite(context.Background(), "admin", "bob", "space-1"); err != nil {
		t.Fatalf("unexpected error on first invite: %v", err)
	}
	if _, err := m.SendInvite(context.Background(), "admin", "bob", "space-1"); err == nil {
		t.Fatalf("expected second invite to the same user/space to be rejected")
	}
}

func TestAcceptInviteAddsMembership(t *testing.T) {
	s := newFakeStore()
	seedSpace(s)
	m := New(s, 24)

	inv, err := m.SendInvite(context.Background(), "admin", "bob", "space-1")
	if err != nil {
		t.Fatalf("unexpected error sending invite: %v", err)
	}

	result, err := m.AcceptInvite(context.Background(), "bob", inv.ID)
	if err != nil {
		t.Fatalf("unexpected error accepting invite: %v", err)
	}
	if result.AlreadyMember {
		t.Fatalf("expected a fresh acceptance, got AlreadyMember=true")
	}
	if !s.members["space-1"]["bob"] {
		t.Fatalf("expected bob to be added as a space member")
	}
	if s.invites[inv.ID].Status != models.NotificationRead {
		t.Fatalf("expected invite status to become read, got %q", s.invites[inv.ID].Status)
	}
}

func TestAcceptInviteIsIdempotentForExistingMember(t *testing.T) {
	s := newFakeStore()
	seedSpace(s)
	m := New(s, 24)

	inv, err := m.SendInvite(context.Background(), "admin", "bob", "space-1")
	if err != nil {
		t.Fatalf("unexpected error sending invite: %v", err)
	}
	s.members["space-1"]["bob"] = true // already a member via another path

	result, err := m.AcceptInvite(context.Background(), "bob", inv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyMember {
		t.Fatalf("expected AlreadyMember=true")
	}
}

func TestAcceptInviteRejectsExpired(t *testing.T) {
	s := newFakeStore()
	seedSpace(s)
	m := New(s, 24)

	inv, err := m.SendInvite(context.Background(), "admin", "bob", "space-1")
	if err != nil {
		t.Fatalf("unexpected error sending invite: %v", err)
	}
	s.invites[inv.ID].ExpiresAt = time.Now().Add(-time.Hour)

	if _, err := m.AcceptInvite(context.Background(), "bob", inv.ID); err == nil {
		t.Fatalf("expected an error for an expired invite")
	}
	if s.invites[inv.ID].Status != models.NotificationDismissed {
		t.Fatalf("expected an expired invite to be dismissed, got %q", s.invites[inv.ID].Status)
	}
}

func TestDeclineInvite(t *testing.T) {
	s := newFakeStore()
	seedSpace(s)
	m := New(s, 24)

	inv, err := m.SendInvite(context.Background(), "admin", "bob", "space-1")
	if err != nil {
		t.Fatalf("unexpected error sending invite: %v", err)
	}

	if _, err := m.DeclineInvite(context.Background(), "bob", inv.ID); err != nil {
		t.Fatalf("unexpected error declining invite: %v", err)
	}
	if s.invites[inv.ID].Status != models.NotificationDismissed {
		t.Fatalf("expected status dismissed, got %q", s.invites[inv.ID].Status)
	}

	if _, err := m.DeclineInvite(context.Background(), "bob", inv.ID); err == nil {
		t.Fatalf("expected declining an already-processed invite to fail")
	}
}
