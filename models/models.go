// Package models holds the plain domain structs shared by the store,
// the chat pipeline, the media registry, and the invite manager. None of
// these carry behavior; persistence and transport concerns live in their
// own packages.
package models

import "time"

// UserSnapshot is the projection of a user row carried in a space's
// broadcast state. Refreshed on join; not authoritative.
type UserSnapshot struct {
	ID          string `json:"id"`
	Name        string `json:"user_name"`
	AvatarURL   string `json:"user_avatar_url"`
	Designation string `json:"user_designation"`
}

// Position is a user's location within a space's map.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User is the canonical user row.
type User struct {
	ID          string
	Name        string
	Email       string
	Role        string
	AvatarURL   string
	Designation string
	About       string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Snapshot projects a User down to the fields a space broadcasts.
func (u *User) Snapshot() UserSnapshot {
	return UserSnapshot{
		ID:          u.ID,
		Name:        u.Name,
		AvatarURL:   u.AvatarURL,
		Designation: u.Designation,
	}
}

// Space is the canonical space row.
type Space struct {
	ID          string
	Name        string
	Description string
	MapImageURL string
	AdminUserID string
	IsPublic    bool
	MaxUsers    int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MessageKind distinguishes space-broadcast chat from private chat.
type MessageKind string

const (
	MessageKindSpace   MessageKind = "space"
	MessageKindPrivate MessageKind = "private"
)

// MessageStatus tracks a chat message through the pipeline.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusValidated  MessageStatus = "validated"
	MessageStatusCached     MessageStatus = "cached"
	MessageStatusBroadcast  MessageStatus = "broadcast"
	MessageStatusPersisted  MessageStatus = "persisted"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusRolledBack MessageStatus = "rolled_back"
)

// Message is immutable once created, save for its Status and RetryCount
// as it moves through the chat pipeline.
type Message struct {
	MessageID  string        `json:"message_id"`
	SenderID   string        `json:"sender_id"`
	Kind       MessageKind   `json:"message_type"`
	Content    string        `json:"content"`
	Timestamp  time.Time     `json:"timestamp"`
	SpaceID    string        `json:"space_id,omitempty"`
	ReceiverID string        `json:"receiver_id,omitempty"`
	Status     MessageStatus `json:"status"`
	RetryCount int           `json:"retry_count"`
}

// NotificationStatus is the invite lifecycle state.
type NotificationStatus string

const (
	NotificationUnread    NotificationStatus = "unread"
	NotificationRead      NotificationStatus = "read"
	NotificationDismissed NotificationStatus = "dismissed"
)

// InvitePayload is the JSON blob stored in notifications.data for an
// invite-type notification.
type InvitePayload struct {
	SpaceID      string `json:"spaceId"`
	SpaceName    string `json:"spaceName"`
	FromUserID   string `json:"fromUserId"`
	FromUsername string `json:"fromUsername"`
	InviteType   string `json:"inviteType"`
}

// Invite is a notification of type "invites".
type Invite struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	Payload   InvitePayload
	Status    NotificationStatus
	ExpiresAt time.Time
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StreamKind is the media kind of a stream.
type StreamKind string

const (
	StreamAudio  StreamKind = "audio"
	StreamVideo  StreamKind = "video"
	StreamScreen StreamKind = "screen"
)

// StreamState is the lifecycle state of a media stream.
type StreamState string

const (
	StreamEnabled  StreamState = "enabled"
	StreamDisabled StreamState = "disabled"
	StreamMuted    StreamState = "muted"
)

// MediaStream is one (user, space, kind) WebRTC signaling stream.
type MediaStream struct {
	StreamID    string                 `json:"stream_id"`
	OwnerUserID string                 `json:"owner_user_id"`
	SpaceID     string                 `json:"space_id"`
	Kind        StreamKind             `json:"kind"`
	State       StreamState            `json:"state"`
	CreatedAt   time.Time              `json:"created_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
