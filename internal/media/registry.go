// Package media is the process-wide WebRTC signaling relay and per-space
// stream registry: per-kind stream tables (audio/video/screen), a
// peer-connection tracking set, and the start/stop/mute/unmute and relay
// operations. One registry serves every space, keyed by space-id.
package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/devan1shX/metaverse/internal/wire"
	"github.com/devan1shX/metaverse/models"
	"github.com/devan1shX/metaverse/pkg/logging"
)

// Target is the capability needed to deliver a point-to-point signaling
// frame to one connection.
type Target interface {
	ConnID() string
	SendFrame(f wire.Frame) error
}

// SpaceView is the capability the registry needs from a space broadcaster:
// presence lookup (for the "both users in space" guard) and the ability
// to enqueue stream lifecycle events.
type SpaceView interface {
	HasUser(userID string) bool
	GetUser(userID string) (models.UserSnapshot, bool)
	Enqueue(frame wire.Frame, excludeConnID string)
}

// SpaceLookup resolves an existing space by id without creating one.
type SpaceLookup func(spaceID string) (SpaceView, bool)

// ConnLookup resolves a user's current connection, if any.
type ConnLookup func(userID string) (Target, bool)

type streamKey struct {
	spaceID string
	userID  string
	kind    models.StreamKind
}

// Registry is the process-wide stream table plus peer tracking set.
type Registry struct {
	logger      logging.Logger
	lookupSpace SpaceLookup
	lookupConn  ConnLookup

	mu      sync.Mutex
	streams map[streamKey]*models.MediaStream
	peers   map[string]map[string]struct{}

	totalAudio, totalVideo, totalScreen int
	webrtcSignals                       int
}

// New builds a Registry. lookupSpace and lookupConn are supplied by the
// wiring in cmd/metaversed so this package never imports router or space
// directly.
func New(logger logging.Logger, lookupSpace SpaceLookup, lookupConn ConnLookup) *Registry {
	return &Registry{
		logger:      logger,
		lookupSpace: lookupSpace,
		lookupConn:  lookupConn,
		streams:     make(map[streamKey]*models.MediaStream),
		peers:       make(map[string]map[string]struct{}),
	}
}

// StartStream rejects if the user is absent from the space or already
// streaming that kind; otherwise creates the stream and announces it.
func (r *Registry) StartStream(spaceID, userID string, kind models.StreamKind, metadata map[string]interface{}) (*models.MediaStream, error) {
	sp, ok := r.lookupSpace(spaceID)
	if !ok || !sp.HasUser(userID) {
		return nil, fmt.Errorf("user not in space")
	}

	key := streamKey{spaceID, userID, kind}
	r.mu.Lock()
	if _, exists := r.streams[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("already streaming %s", kind)
	}
	stream := &models.MediaStream{
		StreamID:    fmt.Sprintf("%s_%s_%s_%d", kind, userID, spaceID, time.Now().UnixMilli()),
		OwnerUserID: userID,
		SpaceID:     spaceID,
		Kind:        kind,
		State:       models.StreamEnabled,
		CreatedAt:   time.Now(),
		Metadata:    metadata,
	}
	r.streams[key] = stream
	r.bumpTotal(kind)
	r.mu.Unlock()

	r.announce(sp, spaceID, userID, wire.StreamStartedEvent(string(kind)), stream.StreamID)
	return stream, nil
}

// StopStream is the symmetric delete.
func (r *Registry) StopStream(spaceID, userID string, kind models.StreamKind) error {
	key := streamKey{spaceID, userID, kind}
	r.mu.Lock()
	stream, exists := r.streams[key]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("not streaming %s", kind)
	}
	delete(r.streams, key)
	r.mu.Unlock()

	sp, _ := r.lookupSpace(spaceID)
	r.announce(sp, spaceID, userID, wire.StreamStoppedEvent(string(kind)), stream.StreamID)
	return nil
}

// MuteAudio transitions an audio stream to muted and announces it.
func (r *Registry) MuteAudio(spaceID, userID string) error {
	return r.setAudioState(spaceID, userID, models.StreamMuted, wire.EventAudioMuted)
}

// UnmuteAudio transitions an audio stream back to enabled.
func (r *Registry) UnmuteAudio(spaceID, userID string) error {
	return r.setAudioState(spaceID, userID, models.StreamEnabled, wire.EventAudioUnmuted)
}

func (r *Registry) setAudioState(spaceID, userID string, state models.StreamState, event string) error {
	key := streamKey{spaceID, userID, models.StreamAudio}
	r.mu.Lock()
	stream, exists := r.streams[key]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("user not streaming audio")
	}
	stream.State = state
	r.mu.Unlock()

	sp, _ := r.lookupSpace(spaceID)
	r.announce(sp, spaceID, userID, event, stream.StreamID)
	return nil
}

func (r *Registry) announce(sp SpaceView, spaceID, userID, event, streamID string) {
	userName := "Unknown"
	if sp != nil {
		if snap, ok := sp.GetUser(userID); ok {
			userName = snap.Name
		}
	}
	frame := wire.NewFrame(event, map[string]interface{}{
		"user_id":   userID,
		"user_name": userName,
		"space_id":  spaceID,
		"stream_id": streamID,
	})
	if sp != nil {
		sp.Enqueue(frame, "")
	}
}

func (r *Registry) bumpTotal(kind models.StreamKind) {
	switch kind {
	case models.StreamAudio:
		r.totalAudio++
	case models.StreamVideo:
		r.totalVideo++
	case models.StreamScreen:
		r.totalScreen++
	}
}

// RelaySignal forwards a WebRTC negotiation frame directly to the target
// user's connection. Guards that both users are present in the space;
// fails without queueing if the target has no live connection.
func (r *Registry) RelaySignal(spaceID, signalType, fromUserID, toUserID string, data map[string]interface{}) error {
	sp, ok := r.lookupSpace(spaceID)
	if !ok || !sp.HasUser(fromUserID) || !sp.HasUser(toUserID) {
		return fmt.Errorf("users not in same space")
	}

	target, ok := r.lookupConn(toUserID)
	if !ok {
		return fmt.Errorf("target user is not connected")
	}

	r.mu.Lock()
	if r.peers[fromUserID] == nil {
		r.peers[fromUserID] = make(map[string]struct{})
	}
	r.peers[fromUserID][toUserID] = struct{}{}
	r.webrtcSignals++
	r.mu.Unlock()

	frame := wire.NewFrame(wire.EventWebRTCSignalOut, map[string]interface{}{
		"signal_type":  signalType,
		"from_user_id": fromUserID,
		"space_id":     spaceID,
		"data":         data,
		"timestamp":    time.Now().UTC(),
	})
	return target.SendFrame(frame)
}

// CleanupUser stops every stream owned by userID across every space the
// registry knows about, removes it from the peer-tracking set, and drops
// its per-kind state. Called from the connection parser's cleanup path.
func (r *Registry) CleanupUser(userID string) {
	r.mu.Lock()
	var toStop []streamKey
	for key := range r.streams {
		if key.userID == userID {
			toStop = append(toStop, key)
		}
	}
	delete(r.peers, userID)
	for _, peers := range r.peers {
		delete(peers, userID)
	}
	r.mu.Unlock()

	for _, key := range toStop {
		if err := r.StopStream(key.spaceID, key.userID, key.kind); err != nil {
			r.logger.WithError(err).WithFields(logging.Fields{"user_id": userID}).Warn("failed to stop stream during cleanup")
		}
	}
}

// ActiveStreamsForSpace lists every live stream in a space, used to build
// the "active media" section of the space_state frame sent on join.
func (r *Registry) ActiveStreamsForSpace(spaceID string) []models.MediaStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MediaStream
	for key, stream := range r.streams {
		if key.spaceID == spaceID {
			out = append(out, *stream)
		}
	}
	return out
}

// Stats mirrors get_stats: point-in-time counters for operator visibility.
type Stats struct {
	TotalAudioStreams    int
	TotalVideoStreams    int
	TotalScreenStreams   int
	ActiveStreams        int
	TotalPeerConnections int
	WebRTCSignalsRelayed int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := 0
	for _, set := range r.peers {
		peers += len(set)
	}
	return Stats{
		TotalAudioStreams:    r.totalAudio,
		TotalVideoStreams:    r.totalVideo,
		TotalScreenStreams:   r.totalScreen,
		ActiveStreams:        len(r.streams),
		TotalPeerConnections: peers,
		WebRTCSignalsRelayed: r.webrtcSignals,
	}
}
