package space

import (
	"context"
	"io"
	"testing"
	"time"

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

type fakeStore struct {
	store.Store
	users []models.UserSnapshot
}

func (f fakeStore) GetUsersInSpace(ctx context.Context, spaceID string) ([]models.UserSnapshot, error) {
	return f.users, nil
}

type fakeSubscriber struct {
	id       string
	received []wire.Frame
	failNext bool
	closed   bool
}

func (s *fakeSubscriber) ConnID() string { return s.id }
func (s *fakeSubscriber) SendFrame(f wire.Frame) error {
	if s.failNext {
		return errSend
	}
	s.received = append(s.received, f)
	return nil
}
func (s *fakeSubscriber) Close() error {
	s.closed = true
	return nil
}

type sendErr struct{}

func (sendErr) Error() string { return "send failed" }

var errSend = sendErr{}

func TestAddSubscriberIsIdempotent(t *testing.T) {
	b := New("space-1", fakeStore{}, testLogger(), nil)
	sub := &fakeSubscriber{id: "conn-1"}

	if already := b.AddSubscriber(sub); already {
		t.Fatalf("first add should not report already present")
	}
	if already := b.AddSubscriber(sub); !already {
		t.Fatalf("second add of the same connection should report already present")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
}

func TestStartLoadsExistingUsersAtOrigin(t *testing.T) {
	b := New("space-1", fakeStore{users: []models.UserSnapshot{{ID: "u1", Name: "Ada"}}}, testLogger(), nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer b.Stop()

	if !b.HasUser("u1") {
		t.Fatalf("expected u1 to be present after Start")
	}
	snap := b.Snapshot()
	if pos, ok := snap.Positions["u1"]; !ok || pos.X != 0 || pos.Y != 0 {
		t.Fatalf("expected u1 at origin, got %+v ok=%v", pos, ok)
	}
}

func TestEnqueueExcludesSenderAndDropsDeadSubscribers(t *testing.T) {
	b := New("space-1", fakeStore{}, testLogger(), nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer b.Stop()

	sender := &fakeSubscriber{id: "sender"}
	other := &fakeSubscriber{id: "other"}
	dead := &fakeSubscriber{id: "dead", failNext: true}
	b.AddSubscriber(sender)
	b.AddSubscriber(other)
	b.AddSubscriber(dead)

	b.Enqueue(wire.NewFrame("TEST_EVENT", nil), "sender")

	deadline := time.After(2 * time.Second)
	for {
		if len(other.received) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if len(sender.received) != 0 {
		t.Fatalf("sender should have been excluded from delivery")
	}
	if b.SubscriberCount() != 2 {
		t.Fatalf("expected the failing subscriber to be dropped, count=%d", b.SubscriberCount())
	}
}

func TestAddUserAndRemoveUser(t *testing.T) {
	b := New("space-1", fakeStore{}, testLogger(), nil)
	b.AddUser(models.UserSnapshot{ID: "u1", Name: "Ada"})

	if !b.HasUser("u1") {
		t.Fatalf("expected u1 present after AddUser")
	}
	snap, ok := b.GetUser("u1")
	if !ok || snap.Name != "Ada" {
		t.Fatalf("expected to retrieve u1's snapshot, got %+v ok=%v", snap, ok)
	}

	b.SetPosition("u1", models.Position{X: 5, Y: 7})
	state := b.Snapshot()
	if state.Positions["u1"].X != 5 || state.Positions["u1"].Y != 7 {
		t.Fatalf("expected updated position, got %+v", state.Positions["u1"])
	}

	b.RemoveUser("u1")
	if b.HasUser("u1") {
		t.Fatalf("expected u1 to be gone after RemoveUser")
	}
}

func TestEnsureMapIDResolvesOnce(t *testing.T) {
	b := New("space-1", fakeStore{}, testLogger(), nil)
	calls := 0
	loader := func() (string, error) {
		calls++
		return "map-42", nil
	}

	first, err := b.EnsureMapID(loader)
	if err != nil || first != "map-42" {
		t.Fatalf("unexpected result from EnsureMapID: %q err=%v", first, err)
	}
	second, err := b.EnsureMapID(loader)
	if err != nil || second != "map-42" {
		t.Fatalf("unexpected result from second EnsureMapID: %q err=%v", second, err)
	}
	if calls != 1 {
		t.Fatalf("expected the loader to run exactly once, ran %d times", calls)
	}
}

func TestStopClosesSubscribersAndInvokesOnStop(t *testing.T) {
	stoppedID := ""
	b := New("space-1", fakeStore{}, testLogger(), func(id string, self *Broadcaster) {
		stoppedID = id
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	sub := &fakeSubscriber{id: "conn-1"}
	b.AddSubscriber(sub)

	b.Stop()

	if stoppedID != "space-1" {
		t.Fatalf("expected onStop to be invoked with the space id, got %q", stoppedID)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected subscribers to be cleared on stop")
	}
	if !sub.closed {
		t.Fatalf("expected the remaining subscriber to be closed on stop")
	}
}
