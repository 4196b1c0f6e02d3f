package hub

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/parlorlabs/parlor/internal/v1/identity"
	"github.com/parlorlabs/parlor/internal/v1/logging"
	"github.com/parlorlabs/parlor/internal/v1/metrics"
	"github.com/parlorlabs/parlor/internal/v1/push"
)

// route dispatches one inbound frame for s. Protocol violations answer
// with an error frame and keep the channel open; only a panic tears the
// session down. Push subscription frames are legal in any state, setName
// is the only other frame an anonymous session may send.
func (h *Hub) route(s *Session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "Panic while handling frame",
				zap.String("sessionId", s.id),
				zap.Any("panic", r))
			h.disconnect(s)
		}
	}()

	ctx := context.Background()

	if !h.gate.Allow(ctx, s.id) {
		metrics.RateLimitExceeded.WithLabelValues("ws").Inc()
		s.sendError(CodeRateLimit, "too many frames, slow down")
		return
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		s.sendError(CodeBadJSON, "frame is not valid JSON")
		return
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		s.sendError(CodeBadMessage, "frame must be a JSON object")
		return
	}
	frameType, ok := obj["type"].(string)
	if !ok {
		s.sendError(CodeBadMessage, "frame needs a string type")
		return
	}

	metricType := frameType
	if !knownFrameTypes[metricType] {
		metricType = "unknown"
	}
	metrics.FramesTotal.WithLabelValues(metricType).Inc()
	start := time.Now()
	defer func() {
		metrics.FrameHandleDuration.WithLabelValues(metricType).Observe(time.Since(start).Seconds())
	}()

	h.mu.Lock()
	s.lastFrameAt = time.Now()
	named := s.name != ""
	h.mu.Unlock()

	switch frameType {
	case typePushSubscribe:
		h.handlePushSubscribe(s, data)
	case typePushUnsubscribe:
		h.handlePushUnsubscribe(s)
	case typeSetName:
		h.handleSetName(s, data)
	default:
		if !named {
			s.sendError(CodeNoName, "claim a name first")
			return
		}
		switch frameType {
		case typeCallStart:
			h.handleCallStart(s, data)
		case typeCallAccept:
			h.handleCallAccept(s, data)
		case typeCallReject:
			h.handleCallReject(s, data)
		case typeCallHangup:
			h.handleCallHangup(s)
		case typeSignal:
			h.handleSignal(s, data)
		case typeChatSend:
			h.handleChatSend(s, data)
		default:
			s.sendError(CodeUnknownType, "unrecognized frame type")
		}
	}
}

// handlePushSubscribe stores the subscription blob for this session. No
// reply in either direction; a disabled sink silently ignores it.
func (h *Hub) handlePushSubscribe(s *Session, data []byte) {
	var f pushSubscribeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError(CodeBadMessage, "malformed pushSubscribe frame")
		return
	}
	if !h.sink.Enabled() || len(f.Subscription) == 0 {
		return
	}

	h.mu.Lock()
	h.subs[s.id] = f.Subscription
	metrics.PushSubscriptions.Set(float64(len(h.subs)))
	h.mu.Unlock()
}

// handlePushUnsubscribe forgets the stored blob. A no-op without one.
func (h *Hub) handlePushUnsubscribe(s *Session) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		metrics.PushSubscriptions.Set(float64(len(h.subs)))
	}
	h.mu.Unlock()
}

// handleSetName claims a display name. A session may rename; the old
// binding is released in the same critical section so no instant exists
// where both names resolve to it.
func (h *Hub) handleSetName(s *Session, data []byte) {
	var f setNameFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError(CodeBadMessage, "malformed setName frame")
		return
	}

	name, ok := identity.ValidateName(f.Name)
	if !ok {
		s.TrySend(encodeFrame(nameResultFrame{Type: frameNameResult, OK: false, Reason: "invalid"}))
		return
	}

	h.mu.Lock()
	if ownerID, taken := h.names[name]; taken && ownerID != s.id {
		h.mu.Unlock()
		s.TrySend(encodeFrame(nameResultFrame{Type: frameNameResult, OK: false, Reason: "taken"}))
		return
	}

	changed := s.name != name
	if s.name != "" && s.name != name {
		delete(h.names, s.name)
	}
	h.names[name] = s.id
	s.name = name
	metrics.NamedSessions.Set(float64(len(h.names)))

	s.TrySend(encodeFrame(nameResultFrame{Type: frameNameResult, OK: true, Name: name}))
	if changed {
		h.broadcastSystemChatLocked(name + " joined.")
	}
	h.broadcastPresenceLocked()
	h.mu.Unlock()

	logging.Info(context.Background(), "Name claimed",
		zap.String("sessionId", s.id),
		zap.String("name", name))
}

// handleCallStart invites another session into a call. A caller already
// in a room reuses it, pulling the callee into the existing conference.
func (h *Hub) handleCallStart(s *Session, data []byte) {
	var f callStartFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError(CodeBadMessage, "malformed callStart frame")
		return
	}

	h.mu.Lock()
	target, found := h.sessions[f.To]

	var reason string
	switch {
	case !found:
		reason = "not_found"
	case f.To == s.id:
		reason = "self"
	case target.name == "":
		reason = "not_ready"
	case target.roomID != "":
		reason = "busy"
	}
	if reason != "" {
		h.mu.Unlock()
		metrics.CallEvents.WithLabelValues("start_rejected").Inc()
		s.TrySend(encodeFrame(callStartResultFrame{Type: frameCallStartResult, OK: false, Reason: reason}))
		return
	}

	roomID := s.roomID
	if roomID == "" {
		roomID = identity.NewID()
	}
	h.joinRoomLocked(s, roomID)
	h.joinRoomLocked(target, roomID)
	h.syncRoomMetricsLocked()
	metrics.CallEvents.WithLabelValues("started").Inc()

	target.TrySend(encodeFrame(incomingCallFrame{
		Type:     frameIncomingCall,
		From:     s.id,
		FromName: s.name,
		RoomID:   roomID,
	}))
	s.TrySend(encodeFrame(callStartResultFrame{Type: frameCallStartResult, OK: true}))
	h.broadcastPresenceLocked()

	fromName := s.name
	sub := h.subs[target.id]
	h.mu.Unlock()

	if payload, err := push.CallPayload(fromName, roomID); err == nil {
		h.notify(target.id, sub, payload)
	}

	logging.Info(context.Background(), "Call started",
		zap.String("sessionId", s.id),
		zap.String("targetId", target.id),
		zap.String("roomId", roomID))
}

// handleCallAccept completes the ring: the callee confirms the room the
// caller invited it into. Existing members learn about the joiner via
// roomPeerJoined and the joiner receives the member list; by convention
// the existing members send the offers.
func (h *Hub) handleCallAccept(s *Session, data []byte) {
	var f callAcceptFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError(CodeBadMessage, "malformed callAccept frame")
		return
	}

	h.mu.Lock()
	caller, callerFound := h.sessions[f.From]
	if f.RoomID == "" || !callerFound || caller.roomID != f.RoomID || s.roomID != f.RoomID {
		// The ring is stale: the caller hung up, disconnected, or the
		// accept named the wrong room. Detach and resync the roster.
		h.leaveRoomLocked(s, false)
		h.syncRoomMetricsLocked()
		h.broadcastPresenceLocked()
		h.mu.Unlock()
		return
	}

	metrics.CallEvents.WithLabelValues("accepted").Inc()

	peers := h.roomPeersLocked(f.RoomID, s.id)
	joined := encodeFrame(roomPeerJoinedFrame{
		Type:   frameRoomPeerJoined,
		RoomID: f.RoomID,
		Peer:   roomPeer{ID: s.id, Name: s.name},
	})
	for _, peer := range peers {
		if member, ok := h.sessions[peer.ID]; ok {
			member.TrySend(joined)
		}
	}
	s.TrySend(encodeFrame(roomPeersFrame{Type: frameRoomPeers, RoomID: f.RoomID, Peers: peers}))
	h.mu.Unlock()

	logging.Info(context.Background(), "Call accepted",
		zap.String("sessionId", s.id),
		zap.String("roomId", f.RoomID))
}

// handleCallReject declines a ring. Only the rejecter leaves; when the
// invite pulled it into a pre-existing conference the other members keep
// the room.
func (h *Hub) handleCallReject(s *Session, data []byte) {
	var f callRejectFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError(CodeBadMessage, "malformed callReject frame")
		return
	}

	h.mu.Lock()
	if caller, ok := h.sessions[f.From]; ok {
		caller.TrySend(encodeFrame(callRejectedFrame{Type: frameCallRejected, Reason: "rejected"}))
	}
	if s.roomID != "" {
		h.leaveRoomLocked(s, false)
		h.syncRoomMetricsLocked()
	}
	metrics.CallEvents.WithLabelValues("rejected").Inc()
	h.broadcastPresenceLocked()
	h.mu.Unlock()
}

// handleCallHangup leaves the current room, telling the remaining
// members who left. Harmless outside a room.
func (h *Hub) handleCallHangup(s *Session) {
	h.mu.Lock()
	if s.roomID != "" {
		h.leaveRoomLocked(s, true)
		h.syncRoomMetricsLocked()
		metrics.CallEvents.WithLabelValues("hangup").Inc()
	}
	h.broadcastPresenceLocked()
	h.mu.Unlock()
}

// handleSignal relays an opaque session-description or candidate blob.
// Signaling is confined to the sender's room: anything else is dropped
// without a reply, so probing sessions learn nothing.
func (h *Hub) handleSignal(s *Session, data []byte) {
	var f signalInFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError(CodeBadMessage, "malformed signal frame")
		return
	}

	h.mu.Lock()
	target, found := h.sessions[f.To]
	if !found || !sameRoomLocked(s, target) {
		h.mu.Unlock()
		metrics.SignalsDropped.Inc()
		return
	}

	target.TrySend(encodeFrame(signalOutFrame{
		Type:     frameSignal,
		From:     s.id,
		FromName: s.name,
		Payload:  f.Payload,
	}))
	metrics.SignalsRelayed.Inc()
	h.mu.Unlock()
}

// handleChatSend validates chat text and routes it public or private.
// A quoted reply starts with "@reply [" and stays public even though it
// begins with '@'.
func (h *Hub) handleChatSend(s *Session, data []byte) {
	var f chatSendFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError(CodeBadMessage, "malformed chatSend frame")
		return
	}

	text, ok := identity.ValidateChat(f.Text)
	if !ok {
		s.sendError(CodeBadChat, "chat text is empty, too long, or carries control characters")
		return
	}

	if !identity.IsReply(text) {
		if name, body, private := identity.ParsePrivatePrefix(text); private {
			h.deliverPrivateChat(s, name, body)
			return
		}
	}
	h.deliverPublicChat(s, text)
}

// deliverPrivateChat sends a private line to the named recipient and
// echoes it to the sender. Nobody else sees it.
func (h *Hub) deliverPrivateChat(s *Session, targetName, body string) {
	h.mu.Lock()
	targetID, found := h.names[targetName]
	if !found {
		h.mu.Unlock()
		s.sendError(CodePMNotFound, "no one is named "+targetName)
		return
	}
	if targetID == s.id {
		h.mu.Unlock()
		s.sendError(CodePMSelf, "cannot send a private message to yourself")
		return
	}
	target, found := h.sessions[targetID]
	if !found {
		h.mu.Unlock()
		s.sendError(CodePMNotFound, "no one is named "+targetName)
		return
	}

	from := s.id
	frame := encodeFrame(chatFrame{
		Type:     frameChat,
		AtISO:    nowISO(),
		From:     &from,
		FromName: s.name,
		To:       target.id,
		ToName:   target.name,
		Text:     body,
		Private:  true,
	})
	s.TrySend(frame)
	target.TrySend(frame)
	metrics.ChatMessages.WithLabelValues("private").Inc()

	fromName := s.name
	sub := h.subs[target.id]
	h.mu.Unlock()

	if payload, err := push.ChatPayload(fromName, body, true); err == nil {
		h.notify(target.id, sub, payload)
	}
}

// deliverPublicChat broadcasts a line to every named session and
// push-notifies everyone but the sender.
func (h *Hub) deliverPublicChat(s *Session, text string) {
	type pushTarget struct {
		id  string
		sub json.RawMessage
	}

	h.mu.Lock()
	from := s.id
	frame := encodeFrame(chatFrame{
		Type:     frameChat,
		AtISO:    nowISO(),
		From:     &from,
		FromName: s.name,
		Text:     text,
		Private:  false,
	})

	var targets []pushTarget
	for _, peer := range h.sessions {
		if peer.name == "" {
			continue
		}
		peer.TrySend(frame)
		if peer.id == s.id {
			continue
		}
		if sub, ok := h.subs[peer.id]; ok {
			targets = append(targets, pushTarget{id: peer.id, sub: sub})
		}
	}
	metrics.ChatMessages.WithLabelValues("public").Inc()
	fromName := s.name
	h.mu.Unlock()

	payload, err := push.ChatPayload(fromName, text, false)
	if err != nil {
		return
	}
	for _, t := range targets {
		h.notify(t.id, t.sub, payload)
	}
}
