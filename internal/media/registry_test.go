package media

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/devan1shX/metaverse/internal/wire"
	"github.com/devan1shX/metaverse/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeSpace struct {
	users    map[string]models.UserSnapshot
	enqueued []wire.Frame
}

func newFakeSpace(userIDs ...string) *fakeSpace {
	s := &fakeSpace{users: map[string]models.UserSnapshot{}}
	for _, id := range userIDs {
		s.users[id] = models.UserSnapshot{ID: id, Name: "user-" + id}
	}
	return s
}

func (s *fakeSpace) HasUser(userID string) bool { _, ok := s.users[userID]; return ok }
func (s *fakeSpace) GetUser(userID string) (models.UserSnapshot, bool) {
	snap, ok := s.users[userID]
	return snap, ok
}
func (s *fakeSpace) Enqueue(frame wire.Frame, excludeConnID string) {
	s.enqueued = append(s.enqueued, frame)
}

type fakeTarget struct {
	id   string
	sent []wire.Frame
	err  error
}

func (t *fakeTarget) ConnID() string { return t.id }
func (t *fakeTarget) SendFrame(f wire.Frame) error {
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, f)
	return nil
}

func newRegistry(sp SpaceView, target Target) *Registry {
	lookupSpace := func(spaceID string) (SpaceView, bool) {
		if sp == nil {
			return nil, false
		}
		return sp, true
	}
	lookupConn := func(userID string) (Target, bool) {
		if target == nil {
			return nil, false
		}
		return target, true
	}
	return New(testLogger(), lookupSpace, lookupConn)
}

func TestStartStreamRejectsUserNotInSpace(t *testing.T) {
	sp := newFakeSpace("other-user")
	r := newRegistry(sp, nil)

	if _, err := r.StartStream("space-1", "u1", models.StreamAudio, nil); err == nil {
		t.Fatalf("expected an error starting a stream for a user not in the space")
	}
}

func TestStartStreamRejectsDuplicate(t *testing.T) {
	sp := newFakeSpace("u1")
	r := newRegistry(sp, nil)

	if _, err := r.StartStream("space-1", "u1", models.StreamAudio, nil); err != nil {
		t.Fatalf("unexpected error on first start: %v", err)
	}
	if _, err := r.StartStream("space-1", "u1", models.StreamAudio, nil); err == nil {
		t.Fatalf("expected an error starting the same stream kind twice")
	}
	if len(sp.enqueued) != 1 {
		t.Fatalf("expected exactly one announcement, got %d", len(sp.enqueued))
	}
}

func TestStopStreamRequiresActiveStream(t *testing.T) {
	sp := newFakeSpace("u1")
	r := newRegistry(sp, nil)

	if err := r.StopStream("space-1", "u1", models.StreamVideo); err == nil {
		t.Fatalf("expected an error stopping a stream that was never started")
	}

	if _, err := r.StartStream("space-1", "u1", models.StreamVideo, nil); err != nil {
		t.Fatalf("unexpected error starting stream: %v", err)
	}
	if err := r.StopStream("space-1", "u1", models.StreamVideo); err != nil {
		t.Fatalf("unexpected error stopping stream: %v", err)
	}
	if len(r.ActiveStreamsForSpace("space-1")) != 0 {
		t.Fatalf("expected no active streams after stop")
	}
}

func TestMuteAndUnmuteAudio(t *testing.T) {
	sp := newFakeSpace("u1")
	r := newRegistry(sp, nil)

	if err := r.MuteAudio("space-1", "u1"); err == nil {
		t.Fatalf("expected an error muting audio before a stream exists")
	}

	if _, err := r.StartStream("space-1", "u1", models.StreamAudio, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.MuteAudio("space-1", "u1"); err != nil {
		t.Fatalf("unexpected error muting audio: %v", err)
	}
	if err := r.UnmuteAudio("space-1", "u1"); err != nil {
		t.Fatalf("unexpected error unmuting audio: %v", err)
	}
}

func TestRelaySignalRequiresBothUsersPresent(t *testing.T) {
	sp := newFakeSpace("u1")
	target := &fakeTarget{id: "conn-2"}
	r := newRegistry(sp, target)

	if err := r.RelaySignal("space-1", "offer", "u1", "u2", nil); err == nil {
		t.Fatalf("expected an error when the target user is not in the space")
	}
}

func TestRelaySignalDeliversToTarget(t *testing.T) {
	sp := newFakeSpace("u1", "u2")
	target := &fakeTarget{id: "conn-2"}
	r := newRegistry(sp, target)

	if err := r.RelaySignal("space-1", "offer", "u1", "u2", map[string]interface{}{"sdp": "..."}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(target.sent) != 1 {
		t.Fatalf("expected exactly one frame delivered to the target, got %d", len(target.sent))
	}
	if target.sent[0]["event"] != wire.EventWebRTCSignalOut {
		t.Fatalf("unexpected event: %v", target.sent[0]["event"])
	}
}

func TestRelaySignalFailsWhenTargetDisconnected(t *testing.T) {
	sp := newFakeSpace("u1", "u2")
	r := newRegistry(sp, nil)

	if err := r.RelaySignal("space-1", "offer", "u1", "u2", nil); err == nil {
		t.Fatalf("expected an error when the target has no live connection")
	}
}

func TestCleanupUserStopsAllStreams(t *testing.T) {
	sp := newFakeSpace("u1")
	r := newRegistry(sp, nil)

	if _, err := r.StartStream("space-1", "u1", models.StreamAudio, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.StartStream("space-1", "u1", models.StreamVideo, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.CleanupUser("u1")

	if len(r.ActiveStreamsForSpace("space-1")) != 0 {
		t.Fatalf("expected all of u1's streams to be stopped")
	}
}

func TestStatsTracksCountersAcrossOperations(t *testing.T) {
	sp := newFakeSpace("u1", "u2")
	target := &fakeTarget{id: "conn-2"}
	r := newRegistry(sp, target)

	if _, err := r.StartStream("space-1", "u1", models.StreamAudio, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RelaySignal("space-1", "offer", "u1", "u2", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := r.Stats()
	if stats.TotalAudioStreams != 1 {
		t.Fatalf("expected 1 total audio stream, got %d", stats.TotalAudioStreams)
	}
	if stats.ActiveStreams != 1 {
		t.Fatalf("expected 1 active stream, got %d", stats.ActiveStreams)
	}
	if stats.WebRTCSignalsRelayed != 1 {
		t.Fatalf("expected 1 relayed signal, got %d", stats.WebRTCSignalsRelayed)
	}
	if stats.TotalPeerConnections != 1 {
		t.Fatalf("expected 1 tracked peer connection, got %d", stats.TotalPeerConnections)
	}
}
