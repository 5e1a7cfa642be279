package router

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/devan1shX/metaverse/internal/store"
	"github.com/devan1shX/metaverse/internal/wire"
	"github.com/devan1shX/metaverse/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// storeStub satisfies store.Store with no behavior; the router never
// reads from it directly, only passes it through to lazily-built
// broadcasters.
type storeStub struct{}

func (storeStub) GetUser(ctx context.Context, userID string) (*models.User, error) { return nil, nil }
func (storeStub) GetUsersInSpace(ctx context.Context, spaceID string) ([]models.UserSnapshot, error) {
	return nil, nil
}
func (storeStub) GetSpace(ctx context.Context, spaceID string) (*models.Space, error) {
	return nil, nil
}
func (storeStub) CountSpaceMembers(ctx context.Context, spaceID string) (int, error) { return 0, nil }
func (storeStub) IsSpaceMember(ctx context.Context, spaceID, userID string) (bool, error) {
	return false, nil
}
func (storeStub) AddSpaceMember(ctx context.Context, spaceID, userID string) error { return nil }
func (storeStub) UpsertMessage(ctx context.Context, msg *models.Message) error     { return nil }
func (storeStub) CreateInvite(ctx context.Context, inv *models.Invite) error       { return nil }
func (storeStub) GetPendingInvite(ctx context.Context, recipientID, spaceID string) (*models.Invite, error) {
	return nil, nil
}
func (storeStub) GetInvite(ctx context.Context, inviteID string) (*models.Invite, error) {
	return nil, nil
}
func (storeStub) ListUserInvites(ctx context.Context, userID string, includeExpired bool) ([]models.Invite, error) {
	return nil, nil
}
func (storeStub) UpdateInviteStatus(ctx context.Context, inviteID string, status models.NotificationStatus) error {
	return nil
}
func (storeStub) ListActiveUsersExcept(ctx context.Context, requesterID, excludeSpaceID string) ([]models.UserSnapshot, error) {
	return nil, nil
}
func (storeStub) BeginTx(ctx context.Context) (store.Tx, error) { return nil, nil }
func (storeStub) Close() error                                  { return nil }

type fakeConn struct {
	id     string
	closed bool
	sent   []wire.Frame
}

func (c *fakeConn) ConnID() string { return c.id }
func (c *fakeConn) SendFrame(f wire.Frame) error {
	c.sent = append(c.sent, f)
	return nil
}
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestGetOrCreateSpaceReturnsSameInstance(t *testing.T) {
	r := New(storeStub{}, testLogger())

	a := r.GetOrCreateSpace("space-1")
	b := r.GetOrCreateSpace("space-1")
	if a != b {
		t.Fatalf("expected GetOrCreateSpace to return the same broadcaster for the same id")
	}

	if _, ok := r.GetSpace("space-2"); ok {
		t.Fatalf("GetSpace should not create a new space")
	}
}

func TestBindUserClosesSupersededConnection(t *testing.T) {
	r := New(storeStub{}, testLogger())
	first := &fakeConn{id: "conn-1"}
	second := &fakeConn{id: "conn-2"}

	r.BindUser("user-1", first)
	r.BindUser("user-1", second)

	if !first.closed {
		t.Fatalf("expected the superseded connection to be closed")
	}
	if second.closed {
		t.Fatalf("did not expect the winning connection to be closed")
	}

	got, ok := r.LookupUser("user-1")
	if !ok || got != second {
		t.Fatalf("expected LookupUser to return the latest bound connection")
	}
}

func TestSpaceSubscriberCounts(t *testing.T) {
	r := New(storeStub{}, testLogger())
	b := r.GetOrCreateSpace("space-1")
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error starting broadcaster: %v", err)
	}
	defer b.Stop()

	b.AddSubscriber(&fakeConn{id: "conn-1"})
	b.AddSubscriber(&fakeConn{id: "conn-2"})

	counts := r.SpaceSubscriberCounts()
	if counts["space-1"] != 2 {
		t.Fatalf("expected 2 subscribers for space-1, got %d", counts["space-1"])
	}
	if _, ok := counts["space-2"]; ok {
		t.Fatalf("did not expect an entry for a space that was never created")
	}
}

func TestUnbindUserIsCompareAndSwap(t *testing.T) {
	r := New(storeStub{}, testLogger())
	stale := &fakeConn{id: "conn-stale"}
	current := &fakeConn{id: "conn-current"}

	r.BindUser("user-1", stale)
	r.BindUser("user-1", current)

	if r.UnbindUser("user-1", stale) {
		t.Fatalf("unbind with a stale connection must not succeed")
	}
	if _, ok := r.LookupUser("user-1"); !ok {
		t.Fatalf("stale unbind must not remove the current binding")
	}

	if !r.UnbindUser("user-1", current) {
		t.Fatalf("unbind with the current connection must succeed")
	}
	if _, ok := r.LookupUser("user-1"); ok {
		t.Fatalf("expected the binding to be gone after a successful unbind")
	}
}
