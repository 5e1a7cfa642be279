// Package parser implements the per-connection ingress state machine:
// Opened → Subscribed → Joined → Closed. One session is spawned per
// accepted connection and runs entirely on that connection's own read
// goroutine, so the state fields below need no locking beyond what
// conn.Connection already provides for its own identity fields. Cleanup
// runs from a single exit path rather than being driven by a raised
// disconnect error.
package parser

import (
	"context"
	"fmt"

	"github.com/devan1shX/metaverse/internal/chat"
	"github.com/devan1shX/metaverse/internal/conn"
	"github.com/devan1shX/metaverse/internal/media"
	"github.com/devan1shX/metaverse/internal/router"
	"github.com/devan1shX/metaverse/internal/space"
	"github.com/devan1shX/metaverse/internal/store"
	"github.com/devan1shX/metaverse/internal/wire"
	"github.com/devan1shX/metaverse/models"
	"github.com/devan1shX/metaverse/pkg/logging"
)

type state int

const (
	stateOpened state = iota
	stateSubscribed
	stateJoined
	stateClosed
)

// Parser owns the shared collaborators every connection's state machine
// dispatches into.
type Parser struct {
	router *router.Router
	chat   *chat.Pipeline
	media  *media.Registry
	store  store.Store
	logger logging.Logger
}

// New builds a Parser bound to the process-wide collaborators.
func New(r *router.Router, c *chat.Pipeline, m *media.Registry, st store.Store, logger logging.Logger) *Parser {
	return &Parser{router: r, chat: c, media: m, store: st, logger: logger}
}

// Run drives one connection's state machine to completion. It blocks
// until the transport closes, then runs the unconditional cleanup path.
func (p *Parser) Run(ctx context.Context, c *conn.Connection) {
	s := &session{
		parser: p,
		conn:   c,
		state:  stateOpened,
	}
	c.ReadPump(func(in wire.Inbound) { s.dispatch(ctx, in) })
	s.cleanup()
}

// session is the per-connection mutable state the dispatch closure reads
// and writes. It is only ever touched from the connection's single
// ReadPump goroutine, so it needs no mutex of its own.
type session struct {
	parser      *Parser
	conn        *conn.Connection
	state       state
	broadcaster *space.Broadcaster
	cleaned     bool
}

func (s *session) dispatch(ctx context.Context, in wire.Inbound) {
	switch s.state {
	case stateOpened:
		s.handleOpened(ctx, in)
	case stateSubscribed:
		s.handleSubscribed(ctx, in)
	case stateJoined:
		s.handleJoined(ctx, in)
	default:
		s.sendError("connection closed")
	}
}

func (s *session) sendError(message string) {
	_ = s.conn.SendFrame(wire.ErrorFrame(message))
}

func (s *session) handleOpened(ctx context.Context, in wire.Inbound) {
	if in.Event != wire.EventSubscribe {
		s.sendError("subscribe first")
		return
	}
	if in.SpaceID == "" {
		s.sendError("space_id is required")
		return
	}

	b := s.parser.router.GetOrCreateSpace(in.SpaceID)
	if err := b.Start(ctx); err != nil {
		s.sendError("failed to start space")
		return
	}
	b.AddSubscriber(s.conn)
	s.conn.SetSpaceID(in.SpaceID)
	s.broadcaster = b
	s.state = stateSubscribed

	_ = s.conn.SendFrame(wire.NewFrame(wire.EventSubscribed, map[string]interface{}{"space_id": in.SpaceID}))
}

func (s *session) handleSubscribed(ctx context.Context, in wire.Inbound) {
	if in.Event != wire.EventJoin {
		s.sendError("join required")
		return
	}
	if in.SpaceID != s.conn.SpaceID() {
		s.sendError("space_id mismatch")
		return
	}
	if in.UserID == "" {
		s.sendError("user_id is required")
		return
	}

	user, err := s.parser.store.GetUser(ctx, in.UserID)
	if err != nil {
		s.sendError("user not found")
		return
	}

	sp, err := s.parser.store.GetSpace(ctx, in.SpaceID)
	if err != nil {
		s.sendError("space not found")
		return
	}

	// Capacity is enforced against the membership table; a user already
	// counted there can always rejoin.
	isMember, err := s.parser.store.IsSpaceMember(ctx, in.SpaceID, in.UserID)
	if err != nil {
		s.sendError("failed to join space")
		return
	}
	if !isMember && sp.AdminUserID != in.UserID && sp.MaxUsers > 0 {
		count, err := s.parser.store.CountSpaceMembers(ctx, in.SpaceID)
		if err != nil {
			s.sendError("failed to join space")
			return
		}
		if count >= sp.MaxUsers {
			s.sendError("space is full")
			return
		}
	}

	s.parser.router.BindUser(in.UserID, s.conn)
	s.conn.SetUserID(in.UserID)
	s.conn.SetAuthenticated(true)

	mapID, err := s.broadcaster.EnsureMapID(func() (string, error) {
		return sp.MapImageURL, nil
	})
	if err != nil {
		s.parser.logger.WithError(err).Warn("failed to resolve space map id")
	}

	s.broadcaster.AddUser(user.Snapshot())
	if in.Position != nil {
		s.broadcaster.SetPosition(in.UserID, models.Position{X: in.Position.X, Y: in.Position.Y})
	}

	snapshot := s.broadcaster.Snapshot()
	streams := s.parser.media.ActiveStreamsForSpace(in.SpaceID)
	_ = s.conn.SendFrame(wire.NewFrame(wire.EventSpaceState, map[string]interface{}{
		"space_id":     in.SpaceID,
		"map_id":       mapID,
		"users":        snapshot.Users,
		"positions":    snapshot.Positions,
		"active_media": streams,
	}))

	s.broadcaster.Enqueue(wire.NewFrame(wire.EventUserJoined, map[string]interface{}{
		"user_id": in.UserID,
	}), s.conn.ConnID())

	s.state = stateJoined
}

func (s *session) handleJoined(ctx context.Context, in wire.Inbound) {
	userID := s.conn.UserID()
	spaceID := s.conn.SpaceID()

	switch in.Event {
	case wire.EventPositionMove:
		if in.NX == nil || in.NY == nil {
			s.sendError("nx and ny are required")
			return
		}
		pos := models.Position{X: *in.NX, Y: *in.NY}
		s.broadcaster.SetPosition(userID, pos)

		_ = s.conn.SendFrame(wire.NewFrame(wire.EventPositionMoveAck, map[string]interface{}{
			"nx": pos.X, "ny": pos.Y,
		}))
		s.broadcaster.Enqueue(wire.NewFrame(wire.EventPositionUpdate, map[string]interface{}{
			"user_id":   userID,
			"nx":        pos.X,
			"ny":        pos.Y,
			"direction": in.Direction,
			"isMoving":  in.IsMoving,
		}), "")

	case wire.EventSendChatMessage:
		content, _ := stringField(in.Data, "content")
		msgID, err := s.parser.chat.HandleSpaceMessage(ctx, chat.Input{
			SenderID: userID,
			Content:  content,
			SpaceID:  spaceID,
		})
		if err != nil {
			s.sendError(err.Error())
			return
		}
		_ = msgID

	case wire.EventSendPrivateMsg:
		content, _ := stringField(in.Data, "content")
		receiverID, _ := stringField(in.Data, "receiver_id")
		if receiverID == "" {
			s.sendError("receiver_id is required")
			return
		}
		if _, err := s.parser.chat.HandlePrivateMessage(ctx, chat.Input{
			SenderID:   userID,
			Content:    content,
			ReceiverID: receiverID,
		}); err != nil {
			s.sendError(err.Error())
		}

	case wire.EventWebRTCSignal:
		if err := s.parser.media.RelaySignal(spaceID, in.SignalType, userID, in.ToUserID, in.Data); err != nil {
			s.sendError(err.Error())
		}

	case wire.EventStartAudioStream:
		s.handleStreamStart(models.StreamAudio, in)
	case wire.EventStopAudioStream:
		s.handleStreamStop(models.StreamAudio)
	case wire.EventStartVideoStream:
		s.handleStreamStart(models.StreamVideo, in)
	case wire.EventStopVideoStream:
		s.handleStreamStop(models.StreamVideo)
	case wire.EventStartScreenStream:
		s.handleStreamStart(models.StreamScreen, in)
	case wire.EventStopScreenStream:
		s.handleStreamStop(models.StreamScreen)
	case wire.EventMuteAudio:
		if err := s.parser.media.MuteAudio(spaceID, userID); err != nil {
			s.sendError(err.Error())
		}
	case wire.EventUnmuteAudio:
		if err := s.parser.media.UnmuteAudio(spaceID, userID); err != nil {
			s.sendError(err.Error())
		}

	case wire.EventLeft:
		s.cleanup()

	default:
		s.sendError(fmt.Sprintf("unknown event %q", in.Event))
	}
}

func (s *session) handleStreamStart(kind models.StreamKind, in wire.Inbound) {
	userID, spaceID := s.conn.UserID(), s.conn.SpaceID()
	if _, err := s.parser.media.StartStream(spaceID, userID, kind, in.Metadata); err != nil {
		s.sendError(err.Error())
	}
}

func (s *session) handleStreamStop(kind models.StreamKind) {
	userID, spaceID := s.conn.UserID(), s.conn.SpaceID()
	if err := s.parser.media.StopStream(spaceID, userID, kind); err != nil {
		s.sendError(err.Error())
	}
}

// cleanup is the single unconditional exit path: unbind the user from the
// router, remove them from the space's presence state, clean up their
// media streams, emit user_left, and stop the broadcaster if this was the
// last subscriber. Idempotent — safe to call once from an explicit "left"
// event and again when the transport actually closes.
func (s *session) cleanup() {
	if s.cleaned {
		return
	}
	s.cleaned = true
	s.state = stateClosed

	userID := s.conn.UserID()

	if userID != "" {
		s.parser.router.UnbindUser(userID, s.conn)
	}
	if s.broadcaster != nil {
		if userID != "" {
			s.broadcaster.RemoveUser(userID)
			s.parser.media.CleanupUser(userID)
			s.broadcaster.Enqueue(wire.NewFrame(wire.EventUserLeft, map[string]interface{}{
				"user_id": userID,
			}), s.conn.ConnID())
		}
		s.broadcaster.RemoveSubscriber(s.conn.ConnID())
		if s.broadcaster.SubscriberCount() == 0 {
			s.broadcaster.Stop()
		}
	}
}

func stringField(data map[string]interface{}, key string) (string, bool) {
	if data == nil {
		return "", false
	}
	v, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
