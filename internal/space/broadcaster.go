// Package space owns the per-space fan-out engine: one Broadcaster per
// active space, holding its subscriber set and present-user state and
// running a single serial loop that drains an outbound event queue.
package space

import (
	"context"
	"sync"
	"time"

	"github.com/devan1shX/metaverse/internal/store"
	"github.com/devan1shX/metaverse/internal/wire"
	"github.com/devan1shX/metaverse/models"
	"github.com/devan1shX/metaverse/pkg/logging"
)

const drainWait = 1 * time.Second

// Subscriber is the capability a Broadcaster needs from a connection: the
// ability to identify and address it. Satisfied structurally by
// *conn.Connection without importing conn, keeping this package
// independently testable with an in-process fake.
type Subscriber interface {
	ConnID() string
	SendFrame(f wire.Frame) error
	Close() error
}

type update struct {
	frame         wire.Frame
	excludeConnID string
}

// Broadcaster owns one space's presence state and fan-out queue.
type Broadcaster struct {
	id     string
	store  store.Store
	logger logging.Logger
	onStop func(spaceID string, self *Broadcaster)

	mu          sync.Mutex
	mapID       string
	mapIDLoaded bool
	users       map[string]models.UserSnapshot
	positions   map[string]models.Position
	subscribers map[string]Subscriber
	running     bool

	updates chan update
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Broadcaster for the given space id. onStop is invoked
// from Stop() so the owning router can deregister this instance
// CAS-style (only if the registry still points at it).
func New(spaceID string, st store.Store, logger logging.Logger, onStop func(string, *Broadcaster)) *Broadcaster {
	return &Broadcaster{
		id:          spaceID,
		store:       st,
		logger:      logger,
		onStop:      onStop,
		users:       make(map[string]models.UserSnapshot),
		positions:   make(map[string]models.Position),
		subscribers: make(map[string]Subscriber),
		updates:     make(chan update, 256),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (b *Broadcaster) ID() string { return b.id }

// AddSubscriber admits a connection to the fan-out set. Idempotent: a
// connection already present is a no-op, reported via the bool result.
func (b *Broadcaster) AddSubscriber(sub Subscriber) (alreadyPresent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.ConnID()]; ok {
		return true
	}
	b.subscribers[sub.ConnID()] = sub
	return false
}

// RemoveSubscriber drops a connection from the fan-out set.
func (b *Broadcaster) RemoveSubscriber(connID string) {
	b.mu.Lock()
	delete(b.subscribers, connID)
	b.mu.Unlock()
}

// SubscriberCount reports the current fan-out set size.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Start is idempotent: on first call it loads the space's present users
// from Store into users/positions (at {0,0}) and starts the broadcast
// loop. Later calls are no-ops. Chat and media are process-wide
// collaborators, not constructed here.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	snaps, err := b.store.GetUsersInSpace(ctx, b.id)
	if err != nil {
		b.logger.WithError(err).WithFields(logging.Fields{"space_id": b.id}).Warn("failed to load initial space users")
	}

	b.mu.Lock()
	for _, s := range snaps {
		b.users[s.ID] = s
		b.positions[s.ID] = models.Position{X: 0, Y: 0}
	}
	b.mu.Unlock()

	go b.run()
	return nil
}

func (b *Broadcaster) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(drainWait)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case u := <-b.updates:
			b.deliver(u)
		case <-ticker.C:
			// bounded wait keeps shutdown responsive even if the queue is idle.
		}
	}
}

func (b *Broadcaster) deliver(u update) {
	b.mu.Lock()
	targets := make([]Subscriber, 0, len(b.subscribers))
	for connID, sub := range b.subscribers {
		if connID == u.excludeConnID {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	var dead []string
	for _, sub := range targets {
		if err := sub.SendFrame(u.frame); err != nil {
			dead = append(dead, sub.ConnID())
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		for _, id := range dead {
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	}
}

// Enqueue is a non-blocking FIFO put. excludeConnID, if non-empty,
// suppresses delivery to that one connection (sender-exclusion semantics).
func (b *Broadcaster) Enqueue(frame wire.Frame, excludeConnID string) {
	select {
	case b.updates <- update{frame: frame, excludeConnID: excludeConnID}:
	default:
		b.logger.WithFields(logging.Fields{"space_id": b.id}).Warn("broadcast queue full, dropping event")
	}
}

// Stop flips running false, halts the broadcast loop, closes every
// remaining subscriber, clears state, and deregisters from the router if
// it still points at this instance.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]Subscriber)
	b.users = make(map[string]models.UserSnapshot)
	b.positions = make(map[string]models.Position)
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh

	for _, sub := range subs {
		_ = sub.Close()
	}
	if b.onStop != nil {
		b.onStop(b.id, b)
	}
}

// HasUser reports whether userID is present in this space.
func (b *Broadcaster) HasUser(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.users[userID]
	return ok
}

// AddUser admits a user (on join) with an initial position.
func (b *Broadcaster) AddUser(snap models.UserSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[snap.ID] = snap
	if _, ok := b.positions[snap.ID]; !ok {
		b.positions[snap.ID] = models.Position{X: 0, Y: 0}
	}
}

// GetUser returns a present user's snapshot.
func (b *Broadcaster) GetUser(userID string) (models.UserSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.users[userID]
	return snap, ok
}

// RemoveUser drops a user's presence and position (on leave/disconnect).
func (b *Broadcaster) RemoveUser(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, userID)
	delete(b.positions, userID)
}

// SetPosition updates a present user's position.
func (b *Broadcaster) SetPosition(userID string, pos models.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[userID]; ok {
		b.positions[userID] = pos
	}
}

// MapID returns the space's lazily-resolved map id.
func (b *Broadcaster) MapID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapID
}

// EnsureMapID resolves and caches the map id on first call using the
// supplied loader (the space's Store-backed map_image_url).
func (b *Broadcaster) EnsureMapID(loader func() (string, error)) (string, error) {
	b.mu.Lock()
	if b.mapIDLoaded {
		defer b.mu.Unlock()
		return b.mapID, nil
	}
	b.mu.Unlock()

	id, err := loader()
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.mapID = id
	b.mapIDLoaded = true
	b.mu.Unlock()
	return id, nil
}

// State is a point-in-time snapshot of the space's presence, used to
// build the space_state frame sent to a joining connection.
type State struct {
	MapID     string
	Users     map[string]models.UserSnapshot
	Positions map[string]models.Position
}

// Snapshot copies the current presence state.
func (b *Broadcaster) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	users := make(map[string]models.UserSnapshot, len(b.users))
	for k, v := range b.users {
		users[k] = v
	}
	positions := make(map[string]models.Position, len(b.positions))
	for k, v := range b.positions {
		positions[k] = v
	}
	return State{MapID: b.mapID, Users: users, Positions: positions}
}
