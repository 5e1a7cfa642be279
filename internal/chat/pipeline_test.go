package chat

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devan1shX/metaverse/internal/cache"
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
	users  map[string]*models.User
	spaces map[string]*models.Space
	saved  []*models.Message
}

func (s *fakeStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}
func (s *fakeStore) GetSpace(ctx context.Context, spaceID string) (*models.Space, error) {
	sp, ok := s.spaces[spaceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sp, nil
}
func (s *fakeStore) UpsertMessage(ctx context.Context, msg *models.Message) error {
	s.saved = append(s.saved, msg)
	return nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]*models.User{
			"alice": {ID: "alice", Name: "Alice", IsActive: true},
			"bob":   {ID: "bob", Name: "Bob", IsActive: true},
		},
		spaces: map[string]*models.Space{
			"space-1": {ID: "space-1", Name: "HQ", IsActive: true},
		},
	}
}

type fakeEnqueuer struct {
	frames []wire.Frame
}

func (e *fakeEnqueuer) Enqueue(frame wire.Frame, excludeConnID string) {
	e.frames = append(e.frames, frame)
}

type fakeTarget struct {
	id   string
	sent []wire.Frame
}

func (t *fakeTarget) ConnID() string { return t.id }
func (t *fakeTarget) SendFrame(f wire.Frame) error {
	t.sent = append(t.sent, f)
	return nil
}

func newPipeline(st *fakeStore, space SpaceEnqueuer, targets map[string]Target) *Pipeline {
	lookupSpace := func(spaceID string) (SpaceEnqueuer, bool) {
		if space == nil {
			return nil, false
		}
		return space, true
	}
	lookupConn := func(userID string) (Target, bool) {
		t, ok := targets[userID]
		return t, ok
	}
	return New(st, cache.NewMemory(), testLogger(), lookupSpace, lookupConn)
}

func waitForStats(t *testing.T, p *Pipeline, want func(Stats) bool) Stats {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s := p.Stats()
		if want(s) {
			return s
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for pipeline stats to settle, last seen %+v", s)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleSpaceMessageRejectsEmptyContent(t *testing.T) {
	p := newPipeline(newFakeStore(), &fakeEnqueuer{}, nil)
	if _, err := p.HandleSpaceMessage(context.Background(), Input{SenderID: "alice", Content: "", SpaceID: "space-1"}); err == nil {
		t.Fatalf("expected an error for empty content")
	}
}

func TestHandleSpaceMessageRejectsUnknownSender(t *testing.T) {
	p := newPipeline(newFakeStore(), &fakeEnqueuer{}, nil)
	if _, err := p.HandleSpaceMessage(context.Background(), Input{SenderID: "ghost", Content: "hi", SpaceID: "space-1"}); err == nil {
		t.Fatalf("expected an error for an unknown sender")
	}
}

func TestHandleSpaceMessageBroadcastsAndPersists(t *testing.T) {
	st := newFakeStore()
	enq := &fakeEnqueuer{}
	p := newPipeline(st, enq, nil)

	id, err := p.HandleSpaceMessage(context.Background(), Input{SenderID: "alice", Content: "hello", SpaceID: "space-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty message id")
	}
	if len(enq.frames) != 1 {
		t.Fatalf("expected exactly one broadcast frame, got %d", len(enq.frames))
	}
	if enq.frames[0]["event"] != wire.EventChatMessage {
		t.Fatalf("unexpected event: %v", enq.frames[0]["event"])
	}

	waitForStats(t, p, func(s Stats) bool { return s.Successful == 1 })

	deadline := time.After(2 * time.Second)
	for len(st.saved) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the message to be persisted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if st.saved[0].MessageID != id {
		t.Fatalf("expected the persisted message to match the returned id")
	}
}

func TestHandleSpaceMessageFailsWhenSpaceNotRunning(t *testing.T) {
	p := newPipeline(newFakeStore(), nil, nil)
	if _, err := p.HandleSpaceMessage(context.Background(), Input{SenderID: "alice", Content: "hello", SpaceID: "space-1"}); err == nil {
		t.Fatalf("expected an error when the space broadcaster is not running")
	}
	waitForStats(t, p, func(s Stats) bool { return s.Failed == 1 })
}

func TestHandlePrivateMessageDeliversToReceiverAndSender(t *testing.T) {
	st := newFakeStore()
	receiver := &fakeTarget{id: "conn-bob"}
	sender := &fakeTarget{id: "conn-alice"}
	p := newPipeline(st, nil, map[string]Target{"bob": receiver, "alice": sender})

	if _, err := p.HandlePrivateMessage(context.Background(), Input{SenderID: "alice", Content: "hi bob", ReceiverID: "bob"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(receiver.sent) != 1 {
		t.Fatalf("expected exactly one frame delivered to the receiver, got %d", len(receiver.sent))
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one confirmation delivered to the sender, got %d", len(sender.sent))
	}
}

func TestHandlePrivateMessageRequiresReceiverID(t *testing.T) {
	p := newPipeline(newFakeStore(), nil, nil)
	if _, err := p.HandlePrivateMessage(context.Background(), Input{SenderID: "alice", Content: "hi"}); err == nil {
		t.Fatalf("expected an error when receiver_id is missing")
	}
}

func TestHandlePrivateMessageRejectsUnknownReceiver(t *testing.T) {
	p := newPipeline(newFakeStore(), nil, nil)
	if _, err := p.HandlePrivateMessage(context.Background(), Input{SenderID: "alice", Content: "hi", ReceiverID: "ghost"}); err == nil {
		t.Fatalf("expected an error for an unknown receiver")
	}
}
