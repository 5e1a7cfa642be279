// Package wire defines the JSON envelopes exchanged over the space
// WebSocket channel: the inbound event taxonomy parsed by the connection
// parser, and the outbound frame builders used by the broadcaster, the
// chat pipeline, and the media registry.
package wire

import "encoding/json"

// Inbound event names (lowercase, matched exactly against the "event" field).
const (
	EventSubscribe         = "subscribe"
	EventJoin              = "join"
	EventPositionMove      = "position_move"
	EventSendChatMessage   = "send_chat_message"
	EventSendPrivateMsg    = "send_private_message"
	EventWebRTCSignal      = "webrtc_signal"
	EventStartAudioStream  = "start_audio_stream"
	EventStopAudioStream   = "stop_audio_stream"
	EventStartVideoStream  = "start_video_stream"
	EventStopVideoStream   = "stop_video_stream"
	EventStartScreenStream = "start_screen_stream"
	EventStopScreenStream  = "stop_screen_stream"
	EventMuteAudio         = "mute_audio"
	EventUnmuteAudio       = "unmute_audio"
	EventLeft              = "left"
)

// Outbound event names.
const (
	EventUserJoined        = "USER_JOINED"
	EventUserLeft          = "USER_LEFT"
	EventPositionUpdate    = "position_update"
	EventUserStateChanged  = "USER_STATE_CHANGED"
	EventChatMessage       = "CHAT_MESSAGE"
	EventVideoToggled      = "VIDEO_TOGGLED"
	EventAudioToggled      = "AUDIO_TOGGLED"
	EventAudioMuted        = "AUDIO_MUTED"
	EventAudioUnmuted      = "AUDIO_UNMUTED"
	EventUserCountChanged  = "USER_COUNT_CHANGED"
	EventSpaceUpdated      = "SPACE_UPDATED"
	EventNotificationRecvd = "NOTIFICATION_RECEIVED"
	EventPrivateMessage    = "PRIVATE_MESSAGE"
	EventInviteReceived    = "INVITE_RECEIVED"
	EventSpaceInviteAccept = "SPACE_INVITE_ACCEPTED"
	EventSpaceInviteDeclin = "SPACE_INVITE_DECLINED"
	EventConnectionStatus  = "CONNECTION_STATUS"
	EventError             = "ERROR"
	EventWebRTCSignalOut   = "WEBRTC_SIGNAL"
	EventSpaceState        = "space_state"
	EventPositionMoveAck   = "position_move_ack"
	EventSubscribed        = "subscribed"
)

func streamStartedEvent(kind string) string { return kind + "_STREAM_STARTED" }
func streamStoppedEvent(kind string) string { return kind + "_STREAM_STOPPED" }

// StreamStartedEvent returns the outbound event name for a stream of the
// given kind (audio/video/screen) starting.
func StreamStartedEvent(kind string) string { return streamStartedEvent(upper(kind)) }

// StreamStoppedEvent returns the outbound event name for a stream of the
// given kind stopping.
func StreamStoppedEvent(kind string) string { return streamStoppedEvent(upper(kind)) }

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// Inbound is the envelope a client sends on the space channel. Not every
// field applies to every event; ConnectionParser validates per the state
// transition table.
type Inbound struct {
	Event      string                 `json:"event"`
	SpaceID    string                 `json:"space_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	NX         *float64               `json:"nx,omitempty"`
	NY         *float64               `json:"ny,omitempty"`
	Direction  string                 `json:"direction,omitempty"`
	IsMoving   *bool                  `json:"isMoving,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	SignalType string                 `json:"signal_type,omitempty"`
	ToUserID   string                 `json:"to_user_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Position   *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"position,omitempty"`
}

// Frame is an outbound event frame. It is a plain map so that
// encoding/json's deterministic (alphabetically sorted) key ordering for
// maps gives byte-equal output across repeated serializations of the same
// logical event, satisfying the canonical-encoder round-trip property.
type Frame map[string]interface{}

// NewFrame builds a Frame with the given event name and extra fields.
func NewFrame(event string, fields map[string]interface{}) Frame {
	f := make(Frame, len(fields)+1)
	for k, v := range fields {
		f[k] = v
	}
	f["event"] = event
	return f
}

// Marshal encodes a frame using the canonical encoder.
func Marshal(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// ErrorFrame builds the synchronous error reply sent on the originating
// connection for validation/auth/authz/not-found/conflict failures.
func ErrorFrame(message string) Frame {
	return NewFrame(EventError, map[string]interface{}{"message": message})
}
