// Package hub implements the signaling and presence core: one process-wide
// registry of sessions, claimed names, rooms, and push subscriptions,
// plus the frame router that moves clients between them. All state is
// ephemeral; a restart forgets everything.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/parlorlabs/parlor/internal/v1/identity"
	"github.com/parlorlabs/parlor/internal/v1/logging"
	"github.com/parlorlabs/parlor/internal/v1/metrics"
	"github.com/parlorlabs/parlor/internal/v1/push"
	"github.com/parlorlabs/parlor/internal/v1/turn"
)

// systemName labels hub-originated chat lines such as joins and leaves.
const systemName = "System"

// turnLoopbackWarning is sent in hello when the relay is configured for
// loopback but the client is remote.
const turnLoopbackWarning = "TURN is configured for a loopback address; remote peers will not be able to relay media."

// notifyTimeout bounds one push delivery attempt.
const notifyTimeout = 10 * time.Second

// Gate answers whether a session may dispatch another inbound frame.
type Gate interface {
	Allow(ctx context.Context, key string) bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Names are first-come-first-served and unauthenticated, so there is
	// nothing an origin check would protect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the four shared tables and serializes every mutation behind
// one mutex. Handlers hold the lock while they mutate and enqueue
// outbound frames; actual socket writes and push deliveries happen
// outside it.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session        // session id -> session
	names    map[string]string          // display name -> session id
	rooms    map[string]set.Set[string] // room id -> member session ids
	subs     map[string]json.RawMessage // session id -> push subscription blob

	gate Gate
	sink push.Sink
	ice  *turn.Provider

	https           bool
	relayPortsTotal int

	closed bool
	wg     sync.WaitGroup
}

// New creates a hub. The gate meters inbound frames per session, the
// sink delivers push notifications, and ice mints client ICE configs.
func New(gate Gate, sink push.Sink, ice *turn.Provider, https bool, relayPortsTotal int) *Hub {
	return &Hub{
		sessions:        make(map[string]*Session),
		names:           make(map[string]string),
		rooms:           make(map[string]set.Set[string]),
		subs:            make(map[string]json.RawMessage),
		gate:            gate,
		sink:            sink,
		ice:             ice,
		https:           https,
		relayPortsTotal: relayPortsTotal,
	}
}

// ServeWS upgrades the request and runs the session until its channel
// closes. The calling goroutine becomes the read pump.
func (h *Hub) ServeWS(c *gin.Context) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	s := newSession(identity.NewID(), c.ClientIP(), conn)
	h.attach(s)

	metrics.IncConnection()
	logging.Info(c.Request.Context(), "Session connected",
		zap.String("sessionId", s.id),
		zap.String("clientIp", s.clientIP))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()

	h.readPump(s)
}

// attach registers the session and enqueues its hello frame. The hello
// must be built before any other frame can be queued for this session.
func (h *Hub) attach(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s

	hello := helloFrame{
		Type:     frameHello,
		ID:       s.id,
		TURN:     h.ice.IceConfig(),
		HTTPS:    h.https,
		ClientIP: s.clientIP,
		Voice:    h.voiceStatsLocked(),
	}
	if turn.LoopbackMismatch(h.ice.URLs(), s.clientIP) {
		hello.TURNWarning = turnLoopbackWarning
	}
	frame := encodeFrame(hello)
	h.mu.Unlock()

	s.TrySend(frame)
}

// readPump reads frames until the connection dies, then runs the
// disconnect path exactly once.
func (h *Hub) readPump(s *Session) {
	defer func() {
		h.disconnect(s)
		_ = s.conn.Close()
		metrics.DecConnection()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(context.Background(), "Unexpected close", zap.String("sessionId", s.id), zap.Error(err))
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.route(s, data)
	}
}

// disconnect tears a session out of every table: synthesized hangup,
// subscription removal, name release, departure broadcasts, deletion.
// Safe to call from any goroutine and idempotent.
func (h *Hub) disconnect(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		s.close()
		return
	}

	if s.roomID != "" {
		h.leaveRoomLocked(s, true)
		h.syncRoomMetricsLocked()
	}

	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		metrics.PushSubscriptions.Set(float64(len(h.subs)))
	}

	name := s.name
	if name != "" {
		delete(h.names, name)
		s.name = ""
		metrics.NamedSessions.Set(float64(len(h.names)))
	}

	delete(h.sessions, s.id)

	if name != "" {
		h.broadcastSystemChatLocked(name + " left.")
		h.broadcastPresenceLocked()
	}
	h.mu.Unlock()

	s.close()
	logging.Info(context.Background(), "Session disconnected", zap.String("sessionId", s.id))
}

// Shutdown disconnects every session and waits for in-flight pumps and
// push deliveries, or gives up when the context expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all sessions...")

	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.disconnect(s)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info(ctx, "All sessions closed", zap.Int("count", len(sessions)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcastPresenceLocked rebuilds the roster and enqueues it to every
// named session. Anonymous sessions receive presence only after they
// claim a name.
func (h *Hub) broadcastPresenceLocked() {
	frame := encodeFrame(h.presenceLocked())
	for _, s := range h.sessions {
		if s.name != "" {
			s.TrySend(frame)
		}
	}
}

// presenceLocked snapshots the roster ordered by name then id.
func (h *Hub) presenceLocked() presenceFrame {
	users := make([]presenceUser, 0, len(h.names))
	for _, s := range h.sessions {
		if s.name == "" {
			continue
		}
		users = append(users, presenceUser{
			ID:   s.id,
			Name: s.name,
			Busy: s.roomID != "",
		})
	}
	sortPresence(users)

	return presenceFrame{
		Type:  framePresence,
		Users: users,
		Voice: h.voiceStatsLocked(),
	}
}

// broadcastSystemChatLocked sends a public System line to every named
// session.
func (h *Hub) broadcastSystemChatLocked(text string) {
	frame := encodeFrame(chatFrame{
		Type:     frameChat,
		AtISO:    nowISO(),
		From:     nil,
		FromName: systemName,
		Text:     text,
		Private:  false,
	})
	for _, s := range h.sessions {
		if s.name != "" {
			s.TrySend(frame)
		}
	}
}

// notify delivers a push payload in the background. The subscription
// blob must have been copied out under the lock; the sink call itself
// never runs under it.
func (h *Hub) notify(sessionID string, subscription json.RawMessage, payload []byte) {
	if !h.sink.Enabled() || subscription == nil {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		err := h.sink.Send(ctx, subscription, payload)
		switch {
		case err == nil:
			metrics.PushSends.WithLabelValues("ok").Inc()
		case errors.Is(err, push.ErrSubscriptionGone):
			metrics.PushSends.WithLabelValues("gone").Inc()
			h.evictSubscription(sessionID)
		default:
			metrics.PushSends.WithLabelValues("error").Inc()
			logging.Warn(ctx, "Push delivery failed",
				zap.String("sessionId", sessionID),
				zap.Error(err))
		}
	}()
}

// evictSubscription drops a subscription the gateway declared dead.
func (h *Hub) evictSubscription(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sessionID]; ok {
		delete(h.subs, sessionID)
		metrics.PushSubscriptions.Set(float64(len(h.subs)))
	}
}

// sortPresence orders the roster by name, then id.
func sortPresence(users []presenceUser) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
}

// encodeFrame marshals an outbound frame, returning nil (which TrySend
// ignores) if marshaling somehow fails.
func encodeFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame", zap.Error(err))
		return nil
	}
	return data
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
