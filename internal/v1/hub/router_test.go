package hub

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireNameIndexConsistent checks both directions of the name index
// under the hub lock: every named session is indexed under its name and
// every index entry points at a live session holding that name.
func requireNameIndexConsistent(t *testing.T, h *Hub) {
	t.Helper()

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.sessions {
		if s.name == "" {
			continue
		}
		require.Equal(t, s.id, h.names[s.name], "session %s not indexed under %q", s.id, s.name)
	}
	for name, id := range h.names {
		s, ok := h.sessions[id]
		require.True(t, ok, "name %q points at missing session %s", name, id)
		require.Equal(t, name, s.name)
	}
}

func TestSetName_ClaimsAndBroadcasts(t *testing.T) {
	e := newTestEnv(t)
	s := e.connect(t)

	e.h.route(s, []byte(`{"type":"setName","name":"  Alice  "}`))

	result := recvFrameOfType(t, s, frameNameResult)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "Alice", result["name"], "name should be canonicalized")

	joined := recvFrameOfType(t, s, frameChat)
	assert.Equal(t, "Alice joined.", joined["text"])
	assert.Equal(t, systemName, joined["fromName"])
	assert.Nil(t, joined["from"])
	assert.Equal(t, false, joined["private"])

	presence := recvFrameOfType(t, s, framePresence)
	users := presence["users"].([]any)
	require.Len(t, users, 1)
	user := users[0].(map[string]any)
	assert.Equal(t, s.id, user["id"])
	assert.Equal(t, "Alice", user["name"])
	assert.Equal(t, false, user["busy"])

	requireNameIndexConsistent(t, e.h)
}

func TestSetName_Invalid(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		testName string
		payload  string
	}{
		{"empty", `{"type":"setName","name":""}`},
		{"whitespace only", `{"type":"setName","name":"   "}`},
		{"too long", `{"type":"setName","name":"` + strings.Repeat("a", 33) + `"}`},
		{"illegal characters", `{"type":"setName","name":"al<ice>"}`},
		{"missing field", `{"type":"setName"}`},
	}

	for _, tt := range tests {
		t.Run(tt.testName, func(t *testing.T) {
			s := e.connect(t)
			e.h.route(s, []byte(tt.payload))

			result := recvFrameOfType(t, s, frameNameResult)
			assert.Equal(t, false, result["ok"])
			assert.Equal(t, "invalid", result["reason"])
		})
	}
}

func TestSetName_Taken(t *testing.T) {
	e := newTestEnv(t)
	a := e.named(t, "Alice")
	b := e.connect(t)
	drainFrames(a)

	e.h.route(b, []byte(`{"type":"setName","name":"Alice"}`))

	result := recvFrameOfType(t, b, frameNameResult)
	assert.Equal(t, false, result["ok"])
	assert.Equal(t, "taken", result["reason"])

	// The failed claim leaves b anonymous and produces no broadcast.
	requireNoFrame(t, a)
	requireNameIndexConsistent(t, e.h)
}

func TestSetName_UniqueNameScenario(t *testing.T) {
	e := newTestEnv(t)

	a := e.connect(t)
	b := e.connect(t)

	e.h.route(a, []byte(`{"type":"setName","name":"Alice"}`))
	result := recvFrameOfType(t, a, frameNameResult)
	require.Equal(t, true, result["ok"])
	require.Equal(t, "Alice", result["name"])
	drainFrames(a)

	e.h.route(b, []byte(`{"type":"setName","name":"Alice"}`))
	result = recvFrameOfType(t, b, frameNameResult)
	require.Equal(t, false, result["ok"])
	require.Equal(t, "taken", result["reason"])

	e.h.route(b, []byte(`{"type":"setName","name":"Bob"}`))
	result = recvFrameOfType(t, b, frameNameResult)
	require.Equal(t, true, result["ok"])

	// Both now see a roster carrying both users, not busy.
	for _, s := range []*Session{a, b} {
		presence := recvFrameOfType(t, s, framePresence)
		users := presence["users"].([]any)
		require.Len(t, users, 2)

		alice := users[0].(map[string]any)
		bob := users[1].(map[string]any)
		assert.Equal(t, "Alice", alice["name"])
		assert.Equal(t, a.id, alice["id"])
		assert.Equal(t, false, alice["busy"])
		assert.Equal(t, "Bob", bob["name"])
		assert.Equal(t, b.id, bob["id"])
		assert.Equal(t, false, bob["busy"])
	}
}

func TestSetName_RenameReleasesOldBinding(t *testing.T) {
	e := newTestEnv(t)
	a := e.named(t, "Alice")
	b := e.connect(t)

	e.h.route(a, []byte(`{"type":"setName","name":"Alicia"}`))
	result := recvFrameOfType(t, a, frameNameResult)
	require.Equal(t, true, result["ok"])
	require.Equal(t, "Alicia", result["name"])

	joined := recvFrameOfType(t, a, frameChat)
	assert.Equal(t, "Alicia joined.", joined["text"])

	// The old name is free again.
	e.h.route(b, []byte(`{"type":"setName","name":"Alice"}`))
	result = recvFrameOfType(t, b, frameNameResult)
	assert.Equal(t, true, result["ok"])

	requireNameIndexConsistent(t, e.h)
}

func TestSetName_RepeatIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	s := e.named(t, "Alice")

	e.h.route(s, []byte(`{"type":"setName","name":"Alice"}`))

	result := recvFrameOfType(t, s, frameNameResult)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "Alice", result["name"])

	// No second join broadcast; only the refreshed presence follows.
	requireNoFrameOfType(t, s, frameChat)
	requireNameIndexConsistent(t, e.h)
}

func TestRoute_AnonymousGetsNoName(t *testing.T) {
	e := newTestEnv(t)

	frames := []string{
		`{"type":"callStart","to":"whoever"}`,
		`{"type":"callAccept","from":"x","roomId":"y"}`,
		`{"type":"callReject","from":"x"}`,
		`{"type":"callHangup"}`,
		`{"type":"signal","to":"x","payload":{}}`,
		`{"type":"chatSend","text":"hi"}`,
		`{"type":"bogus"}`,
	}

	for _, payload := range frames {
		s := e.connect(t)
		e.h.route(s, []byte(payload))

		frame := recvFrameOfType(t, s, frameError)
		assert.Equal(t, CodeNoName, frame["code"], "payload %s", payload)
	}
}

func TestRoute_MalformedFrames(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{"broken JSON", `{"type":`, CodeBadJSON},
		{"not JSON at all", `hello there`, CodeBadJSON},
		{"array", `[1,2,3]`, CodeBadMessage},
		{"string", `"setName"`, CodeBadMessage},
		{"missing type", `{"name":"Alice"}`, CodeBadMessage},
		{"numeric type", `{"type":42}`, CodeBadMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := e.connect(t)
			e.h.route(s, []byte(tt.payload))

			frame := recvFrameOfType(t, s, frameError)
			assert.Equal(t, tt.wantCode, frame["code"])
		})
	}
}

func TestRoute_UnknownTypeWhenNamed(t *testing.T) {
	e := newTestEnv(t)
	s := e.named(t, "Alice")

	e.h.route(s, []byte(`{"type":"teleport","to":"mars"}`))

	frame := recvFrameOfType(t, s, frameError)
	assert.Equal(t, CodeUnknownType, frame["code"])
}

func TestRoute_RateLimit(t *testing.T) {
	e := newTestEnv(t)
	s := e.named(t, "Alice")

	// Budget covers the frames spent so far plus three more.
	e.gate.mu.Lock()
	e.gate.budget = e.gate.seen + 3
	e.gate.mu.Unlock()

	for i := 0; i < 3; i++ {
		e.h.route(s, []byte(`{"type":"chatSend","text":"hello"}`))
		recvFrameOfType(t, s, frameChat)
	}

	// The frame over budget is consumed, not dispatched: no chat goes
	// out, only the error.
	e.h.route(s, []byte(`{"type":"chatSend","text":"over budget"}`))
	frame := recvFrame(t, s)
	assert.Equal(t, frameError, frame["type"])
	assert.Equal(t, CodeRateLimit, frame["code"])
	requireNoFrame(t, s)
}

func TestPushSubscribe_StoresBlob(t *testing.T) {
	e := newTestEnv(t)
	s := e.connect(t)

	// Accepted while anonymous, with no reply.
	e.h.route(s, []byte(`{"type":"pushSubscribe","subscription":{"endpoint":"https://push.example/abc"}}`))
	requireNoFrame(t, s)

	e.h.mu.Lock()
	blob := string(e.h.subs[s.id])
	e.h.mu.Unlock()
	assert.Contains(t, blob, "push.example")
}

func TestPushSubscribe_IgnoredWhenSinkDisabled(t *testing.T) {
	e := newTestEnv(t)
	e.sink.enabled = false
	s := e.connect(t)

	e.h.route(s, []byte(`{"type":"pushSubscribe","subscription":{"endpoint":"https://push.example/abc"}}`))
	requireNoFrame(t, s)

	e.h.mu.Lock()
	_, stored := e.h.subs[s.id]
	e.h.mu.Unlock()
	assert.False(t, stored)
}

func TestPushUnsubscribe(t *testing.T) {
	e := newTestEnv(t)
	s := e.connect(t)

	// Without a prior subscribe it is a no-op.
	e.h.route(s, []byte(`{"type":"pushUnsubscribe"}`))
	requireNoFrame(t, s)

	e.h.route(s, []byte(`{"type":"pushSubscribe","subscription":{"endpoint":"https://push.example/abc"}}`))
	e.h.route(s, []byte(`{"type":"pushUnsubscribe"}`))
	requireNoFrame(t, s)

	e.h.mu.Lock()
	_, stored := e.h.subs[s.id]
	e.h.mu.Unlock()
	assert.False(t, stored)
}
