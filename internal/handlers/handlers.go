// Package handlers implements the secondary command surface: a closed,
// request-reply {type, payload} → {status, message, data, broadcast,
// broadcastType, broadcastTo} envelope set. Unlike the streaming parser
// in internal/parser, this surface never owns a connection — ConnInfo is
// supplied by the caller and carries whatever identity the caller has
// already established.
package handlers

import (
	"context"

	"github.com/devan1shX/metaverse/internal/invite"
	"github.com/devan1shX/metaverse/internal/metrics"
	"github.com/devan1shX/metaverse/internal/store"
	"github.com/devan1shX/metaverse/pkg/logging"
)

// Request is the inbound envelope.
type Request struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Response is the outbound envelope.
type Response struct {
	Status        string      `json:"status"`
	Message       string      `json:"message,omitempty"`
	Error         string      `json:"error,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Broadcast     bool        `json:"broadcast,omitempty"`
	BroadcastType string      `json:"broadcastType,omitempty"`
	BroadcastTo   string      `json:"broadcastTo,omitempty"`
}

func failed(message string) Response { return Response{Status: "failed", Error: message} }

// ConnInfo is the connection-scoped state the handler reads; JOIN_SPACE
// and LEAVE_SPACE are the only handlers permitted to mutate it.
type ConnInfo struct {
	UserID        string
	SpaceID       string
	Authenticated bool
}

// validEvents is the closed set request types are checked against.
var validEvents = map[string]bool{
	"JOIN_SPACE": true, "LEAVE_SPACE": true, "MOVE": true, "ACTION": true,
	"CHAT": true, "SEND_INVITE": true, "ACCEPT_INVITE": true,
	"DECLINE_INVITE": true, "GET_USERS": true, "GET_INVITES": true,
}

// Handler routes a Request to the operation matching its type.
type Handler struct {
	store   store.Store
	invites *invite.Manager
	logger  logging.Logger
	metrics *metrics.Metrics
}

// New builds a Handler bound to the same Store the streaming parser uses
// and to an InviteManager. m may be nil, in which case outcome recording is
// skipped (used by unit tests that don't need a live metric registry).
func New(st store.Store, invites *invite.Manager, logger logging.Logger, m *metrics.Metrics) *Handler {
	return &Handler{store: st, invites: invites, logger: logger, metrics: m}
}

func (h *Handler) recordInviteOutcome(operation, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordInviteOutcome(operation, outcome)
	}
}

// Handle dispatches req against conn, mutating conn in place for
// JOIN_SPACE/LEAVE_SPACE.
func (h *Handler) Handle(ctx context.Context, req Request, conn *ConnInfo) Response {
	if req.Type == "" {
		return failed("Message type is required")
	}
	if !validEvents[req.Type] {
		return failed("Invalid message type: " + req.Type)
	}

	switch req.Type {
	case "JOIN_SPACE":
		return h.handleJoinSpace(ctx, req, conn)
	case "LEAVE_SPACE":
		return h.handleLeaveSpace(conn)
	case "MOVE":
		return h.handleMove(req, conn)
	case "ACTION":
		return h.handleAction(req, conn)
	case "CHAT":
		return h.handleChat(req, conn)
	case "SEND_INVITE":
		return h.handleSendInvite(ctx, req, conn)
	case "ACCEPT_INVITE":
		return h.handleAcceptInvite(ctx, req, conn)
	case "DECLINE_INVITE":
		return h.handleDeclineInvite(ctx, req, conn)
	case "GET_USERS":
		return h.handleGetUsers(ctx, req, conn)
	case "GET_INVITES":
		return h.handleGetInvites(ctx, req, conn)
	default:
		h.logger.WithFields(logging.Fields{"type": req.Type}).Warn("no handler implemented for message type")
		return failed("Handler not implemented for type: " + req.Type)
	}
}

func stringPayload(payload map[string]interface{}, key string) string {
	v, _ := payload[key].(string)
	return v
}

func (h *Handler) handleJoinSpace(ctx context.Context, req Request, conn *ConnInfo) Response {
	if req.Payload == nil {
		return failed("Payload is required")
	}
	userID := stringPayload(req.Payload, "userId")
	spaceID := stringPayload(req.Payload, "spaceId")
	position := req.Payload["initialPosition"]
	if userID == "" || spaceID == "" {
		return failed("userId and spaceId are required")
	}

	user, err := h.store.GetUser(ctx, userID)
	if err != nil || user == nil {
		return failed("User not found")
	}

	space, err := h.store.GetSpace(ctx, spaceID)
	if err != nil || space == nil {
		return failed("Space not found")
	}

	isMember, err := h.store.IsSpaceMember(ctx, spaceID, userID)
	if err != nil {
		return failed("Failed to join space")
	}
	if !isMember && space.AdminUserID != userID {
		return failed("Access denied to this space")
	}

	conn.UserID = userID
	conn.SpaceID = spaceID
	conn.Authenticated = true

	h.logger.WithFields(logging.Fields{"user_id": userID, "space_id": spaceID}).Info("user joined space")

	return Response{
		Status:  "success",
		Message: "Join space successful",
		Data: map[string]interface{}{
			"user":     user,
			"space":    space,
			"position": position,
		},
	}
}

func (h *Handler) handleLeaveSpace(conn *ConnInfo) Response {
	if conn.SpaceID == "" {
		return failed("Not in any space")
	}
	spaceID, userID := conn.SpaceID, conn.UserID
	conn.SpaceID = ""

	h.logger.WithFields(logging.Fields{"user_id": userID, "space_id": spaceID}).Info("user left space")

	return Response{
		Status:  "success",
		Message: "Left space successfully",
		Data:    map[string]interface{}{"spaceId": spaceID, "userId": userID},
	}
}

func (h *Handler) handleMove(req Request, conn *ConnInfo) Response {
	if !conn.Authenticated {
		return failed("Not authenticated")
	}
	position := req.Payload["position"]

	return Response{
		Status:  "success",
		Message: "Move processed",
		Data: map[string]interface{}{
			"userId": conn.UserID, "spaceId": conn.SpaceID, "position": position,
		},
		Broadcast:     true,
		BroadcastType: "USER_MOVED",
	}
}

func (h *Handler) handleAction(req Request, conn *ConnInfo) Response {
	if !conn.Authenticated {
		return failed("Not authenticated")
	}
	action := stringPayload(req.Payload, "action")

	return Response{
		Status:  "success",
		Message: "Action processed",
		Data: map[string]interface{}{
			"userId": conn.UserID, "spaceId": conn.SpaceID, "action": action,
		},
		Broadcast:     true,
		BroadcastType: "USER_ACTION",
	}
}

func (h *Handler) handleChat(req Request, conn *ConnInfo) Response {
	if !conn.Authenticated {
		return failed("Not authenticated")
	}
	message := stringPayload(req.Payload, "message")
	if message == "" {
		return failed("Message is required")
	}

	return Response{
		Status:  "success",
		Message: "Chat message sent",
		Data: map[string]interface{}{
			"userId": conn.UserID, "spaceId": conn.SpaceID, "message": message,
		},
		Broadcast:     true,
		BroadcastType: "CHAT_MESSAGE",
	}
}

func (h *Handler) handleSendInvite(ctx context.Context, req Request, conn *ConnInfo) Response {
	if !conn.Authenticated {
		return failed("Not authenticated")
	}
	toUserID := stringPayload(req.Payload, "toUserId")
	spaceID := stringPayload(req.Payload, "spaceId")
	if toUserID == "" || spaceID == "" {
		return failed("toUserId and spaceId are required")
	}

	inv, err := h.invites.SendInvite(ctx, conn.UserID, toUserID, spaceID)
	if err != nil {
		h.recordInviteOutcome("send", "failed")
		return failed(err.Error())
	}
	h.recordInviteOutcome("send", "sent")

	return Response{
		Status:        "success",
		Message:       "Invite sent successfully",
		Data:          inv,
		Broadcast:     true,
		BroadcastType: "INVITE_RECEIVED",
		BroadcastTo:   toUserID,
	}
}

func (h *Handler) handleAcceptInvite(ctx context.Context, req Request, conn *ConnInfo) Response {
	if !conn.Authenticated {
		return failed("Not authenticated")
	}
	notificationID := stringPayload(req.Payload, "notificationId")
	if notificationID == "" {
		return failed("notificationId is required")
	}

	result, err := h.invites.AcceptInvite(ctx, conn.UserID, notificationID)
	if err != nil {
		h.recordInviteOutcome("accept", "failed")
		return failed(err.Error())
	}

	message := "Space joined successfully"
	outcome := "accepted"
	if result.AlreadyMember {
		message = "You are already a member of this space"
		outcome = "already_member"
	}
	h.recordInviteOutcome("accept", outcome)
	return Response{
		Status:  "success",
		Message: message,
		Data:    map[string]interface{}{"spaceId": result.SpaceID, "spaceName": result.SpaceName},
	}
}

func (h *Handler) handleDeclineInvite(ctx context.Context, req Request, conn *ConnInfo) Response {
	if !conn.Authenticated {
		return failed("Not authenticated")
	}
	notificationID := stringPayload(req.Payload, "notificationId")
	if notificationID == "" {
		return failed("notificationId is required")
	}

	if _, err := h.invites.DeclineInvite(ctx, conn.UserID, notificationID); err != nil {
		h.recordInviteOutcome("decline", "failed")
		return failed(err.Error())
	}
	h.recordInviteOutcome("decline", "declined")
	return Response{Status: "success", Message: "Invite declined"}
}

func (h *Handler) handleGetUsers(ctx context.Context, req Request, conn *ConnInfo) Response {
	if !conn.Authenticated {
		return failed("Not authenticated")
	}
	spaceID := stringPayload(req.Payload, "spaceId")

	users, err := h.invites.GetAllUsers(ctx, conn.UserID, spaceID)
	if err != nil {
		return failed(err.Error())
	}
	return Response{
		Status: "success",
		Data:   map[string]interface{}{"users": users, "count": len(users)},
	}
}

func (h *Handler) handleGetInvites(ctx context.Context, req Request, conn *ConnInfo) Response {
	if !conn.Authenticated {
		return failed("Not authenticated")
	}
	includeExpired, _ := req.Payload["includeExpired"].(bool)

	invites, err := h.invites.GetUserInvites(ctx, conn.UserID, includeExpired)
	if err != nil {
		return failed(err.Error())
	}
	return Response{
		Status: "success",
		Data:   map[string]interface{}{"invites": invites, "count": len(invites)},
	}
}
