// Package router holds the two process-wide mappings every parser and
// sub-component reads and writes: space-id → Broadcaster and user-id →
// connection. A single Router value is injected into its callers; there
// are no package-level singletons.
package router

import (
	"sync"

	"github.com/devan1shX/metaverse/internal/space"
	"github.com/devan1shX/metaverse/internal/store"
	"github.com/devan1shX/metaverse/internal/wire"
	"github.com/devan1shX/metaverse/pkg/logging"
)

// Conn is the capability the router needs from a connection: addressable,
// and closeable when superseded by a newer bind_user call.
type Conn interface {
	ConnID() string
	SendFrame(f wire.Frame) error
	Close() error
}

// Router is the shared registry. All fields are guarded independently
// since spaces and userConns are logically unrelated process-wide tables.
type Router struct {
	store  store.Store
	logger logging.Logger

	spacesMu sync.RWMutex
	spaces   map[string]*space.Broadcaster

	usersMu sync.RWMutex
	users   map[string]Conn
}

// New builds an empty Router bound to the given Store for lazily
// constructing new space broadcasters.
func New(st store.Store, logger logging.Logger) *Router {
	return &Router{
		store:  st,
		logger: logger,
		spaces: make(map[string]*space.Broadcaster),
		users:  make(map[string]Conn),
	}
}

// GetOrCreateSpace returns the existing broadcaster for id, or atomically
// creates one. The new broadcaster's onStop callback deregisters it from
// this exact slot, which is a no-op if a newer broadcaster has since
// replaced it (e.g. a subscriber arrived again mid-shutdown).
func (r *Router) GetOrCreateSpace(id string) *space.Broadcaster {
	r.spacesMu.RLock()
	if b, ok := r.spaces[id]; ok {
		r.spacesMu.RUnlock()
		return b
	}
	r.spacesMu.RUnlock()

	r.spacesMu.Lock()
	defer r.spacesMu.Unlock()
	if b, ok := r.spaces[id]; ok {
		return b
	}
	b := space.New(id, r.store, r.logger, r.removeSpaceIfCurrent)
	r.spaces[id] = b
	return b
}

// GetSpace looks up an already-existing broadcaster without creating one.
func (r *Router) GetSpace(id string) (*space.Broadcaster, bool) {
	r.spacesMu.RLock()
	defer r.spacesMu.RUnlock()
	b, ok := r.spaces[id]
	return b, ok
}

// SpaceSubscriberCounts reports each currently-tracked space's live
// subscriber count, used by cmd/metaversed to drive the per-space
// connection gauge.
func (r *Router) SpaceSubscriberCounts() map[string]int {
	r.spacesMu.RLock()
	defer r.spacesMu.RUnlock()
	counts := make(map[string]int, len(r.spaces))
	for id, b := range r.spaces {
		counts[id] = b.SubscriberCount()
	}
	return counts
}

func (r *Router) removeSpaceIfCurrent(id string, self *space.Broadcaster) {
	r.spacesMu.Lock()
	defer r.spacesMu.Unlock()
	if cur, ok := r.spaces[id]; ok && cur == self {
		delete(r.spaces, id)
	}
}

// BindUser sets the user's connection, last-writer-wins: any previously
// bound connection is superseded and closed.
func (r *Router) BindUser(userID string, c Conn) {
	r.usersMu.Lock()
	prev, existed := r.users[userID]
	r.users[userID] = c
	r.usersMu.Unlock()

	if existed && prev != c {
		_ = prev.Close()
	}
}

// UnbindUser deletes the mapping only if it currently equals c (CAS
// semantics), so a stale disconnect cannot clobber a newer bind.
func (r *Router) UnbindUser(userID string, c Conn) bool {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if cur, ok := r.users[userID]; ok && cur == c {
		delete(r.users, userID)
		return true
	}
	return false
}

// LookupUser returns the connection currently bound to userID, if any.
func (r *Router) LookupUser(userID string) (Conn, bool) {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	c, ok := r.users[userID]
	return c, ok
}
