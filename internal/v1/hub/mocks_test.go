package hub

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/parlorlabs/parlor/internal/v1/identity"
	"github.com/parlorlabs/parlor/internal/v1/turn"
)

// fakeConn implements wsConnection. Inbound frames are scripted through
// a channel; outbound writes are recorded.
type fakeConn struct {
	inbound chan []byte

	mu        sync.Mutex
	written   [][]byte
	closed    bool
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 32)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.TextMessage {
		c.written = append(c.written, data)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.inbound)
	})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetPongHandler(func(string) error) {}

// recordedSend captures one push delivery attempt.
type recordedSend struct {
	subscription string
	payload      string
}

// recordingSink implements push.Sink and remembers every delivery.
type recordingSink struct {
	mu        sync.Mutex
	enabled   bool
	publicKey string
	sendErr   error
	sends     []recordedSend
}

func (r *recordingSink) Enabled() bool     { return r.enabled }
func (r *recordingSink) PublicKey() string { return r.publicKey }

func (r *recordingSink) Send(_ context.Context, subscription json.RawMessage, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, recordedSend{
		subscription: string(subscription),
		payload:      string(payload),
	})
	return r.sendErr
}

func (r *recordingSink) recorded() []recordedSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedSend, len(r.sends))
	copy(out, r.sends)
	return out
}

// stubGate implements Gate. A negative budget allows everything.
type stubGate struct {
	mu     sync.Mutex
	budget int
	seen   int
}

func (g *stubGate) Allow(context.Context, string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen++
	if g.budget < 0 {
		return true
	}
	return g.seen <= g.budget
}

// testEnv wires a hub with recording collaborators and cleans it up.
type testEnv struct {
	h    *Hub
	sink *recordingSink
	gate *stubGate
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithPorts(t, 0)
}

func newTestEnvWithPorts(t *testing.T, relayPortsTotal int) *testEnv {
	t.Helper()

	gate := &stubGate{budget: -1}
	sink := &recordingSink{enabled: true, publicKey: "test-vapid-key"}
	ice := turn.NewProvider([]string{"turn:relay.example.com:3478?transport=udp"}, "relay-secret", time.Hour)

	h := New(gate, sink, ice, false, relayPortsTotal)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})

	return &testEnv{h: h, sink: sink, gate: gate}
}

// connect attaches an anonymous session and consumes its hello frame.
func (e *testEnv) connect(t *testing.T) *Session {
	t.Helper()

	s := newSession(identity.NewID(), "203.0.113.7", newFakeConn())
	e.h.attach(s)
	recvFrameOfType(t, s, frameHello)
	return s
}

// named connects a session and claims a display name, consuming the
// frames the claim produces on this session.
func (e *testEnv) named(t *testing.T, name string) *Session {
	t.Helper()

	s := e.connect(t)
	e.h.route(s, []byte(`{"type":"setName","name":"`+name+`"}`))
	result := recvFrameOfType(t, s, frameNameResult)
	require.Equal(t, true, result["ok"], "claiming %q should succeed", name)
	drainFrames(s)
	return s
}

// recvFrame pops the next queued outbound frame, failing when none is
// waiting. Frames are queued synchronously by route, so no waiting is
// involved.
func recvFrame(t *testing.T, s *Session) map[string]any {
	t.Helper()

	select {
	case data := <-s.send:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	default:
		t.Fatalf("session %s has no queued frame", s.id)
		return nil
	}
}

// recvFrameOfType discards queued frames until one of the wanted type
// turns up.
func recvFrameOfType(t *testing.T, s *Session, frameType string) map[string]any {
	t.Helper()

	for {
		frame := recvFrame(t, s)
		if frame["type"] == frameType {
			return frame
		}
	}
}

// requireNoFrame asserts the session's queue is empty.
func requireNoFrame(t *testing.T, s *Session) {
	t.Helper()

	select {
	case data := <-s.send:
		t.Fatalf("session %s unexpectedly received: %s", s.id, data)
	default:
	}
}

// requireNoFrameOfType asserts no queued frame carries the given type,
// discarding everything it inspects.
func requireNoFrameOfType(t *testing.T, s *Session, frameType string) {
	t.Helper()

	for {
		select {
		case data := <-s.send:
			var frame map[string]any
			require.NoError(t, json.Unmarshal(data, &frame))
			require.NotEqual(t, frameType, frame["type"], "session %s received: %s", s.id, data)
		default:
			return
		}
	}
}

// drainFrames discards everything queued for the given sessions.
func drainFrames(sessions ...*Session) {
	for _, s := range sessions {
		for drained := false; !drained; {
			select {
			case <-s.send:
			default:
				drained = true
			}
		}
	}
}

// roomOf reads a session's room id under the hub lock.
func roomOf(h *Hub, s *Session) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.roomID
}

// startCall runs callStart+callAccept between two named sessions and
// drains the frames it produced, returning the room id.
func startCall(t *testing.T, e *testEnv, caller, callee *Session) string {
	t.Helper()

	e.h.route(caller, []byte(`{"type":"callStart","to":"`+callee.id+`"}`))
	incoming := recvFrameOfType(t, callee, frameIncomingCall)
	roomID, _ := incoming["roomId"].(string)
	require.NotEmpty(t, roomID)

	e.h.route(callee, []byte(`{"type":"callAccept","from":"`+caller.id+`","roomId":"`+roomID+`"}`))
	drainFrames(caller, callee)
	return roomID
}
