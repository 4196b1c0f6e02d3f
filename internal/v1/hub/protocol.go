package hub

import (
	"encoding/json"

	"github.com/parlorlabs/parlor/internal/v1/turn"
)

// Error codes carried by error frames. The channel stays open after any
// of these; only transport faults terminate a session.
const (
	CodeRateLimit   = "RATE_LIMIT"
	CodeBadJSON     = "BAD_JSON"
	CodeBadMessage  = "BAD_MESSAGE"
	CodeNoName      = "NO_NAME"
	CodeBadChat     = "BAD_CHAT"
	CodePMNotFound  = "PM_NOT_FOUND"
	CodePMSelf      = "PM_SELF"
	CodeUnknownType = "UNKNOWN_TYPE"
)

// Inbound frame types.
const (
	typeSetName         = "setName"
	typeCallStart       = "callStart"
	typeCallAccept      = "callAccept"
	typeCallReject      = "callReject"
	typeCallHangup      = "callHangup"
	typeSignal          = "signal"
	typeChatSend        = "chatSend"
	typePushSubscribe   = "pushSubscribe"
	typePushUnsubscribe = "pushUnsubscribe"
)

// knownFrameTypes bounds the cardinality of the per-type frame metric;
// anything else is recorded as "unknown".
var knownFrameTypes = map[string]bool{
	typeSetName:         true,
	typeCallStart:       true,
	typeCallAccept:      true,
	typeCallReject:      true,
	typeCallHangup:      true,
	typeSignal:          true,
	typeChatSend:        true,
	typePushSubscribe:   true,
	typePushUnsubscribe: true,
}

// Outbound frame types.
const (
	frameHello           = "hello"
	frameNameResult      = "nameResult"
	framePresence        = "presence"
	frameChat            = "chat"
	frameIncomingCall    = "incomingCall"
	frameCallStartResult = "callStartResult"
	frameCallRejected    = "callRejected"
	frameCallEnded       = "callEnded"
	frameRoomPeers       = "roomPeers"
	frameRoomPeerJoined  = "roomPeerJoined"
	frameRoomPeerLeft    = "roomPeerLeft"
	frameSignal          = "signal"
	frameError           = "error"
)

// --- Inbound frames ---

type setNameFrame struct {
	Name string `json:"name"`
}

type callStartFrame struct {
	To string `json:"to"`
}

type callAcceptFrame struct {
	From   string `json:"from"`
	RoomID string `json:"roomId"`
}

type callRejectFrame struct {
	From   string `json:"from"`
	RoomID string `json:"roomId"`
}

type signalInFrame struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

type chatSendFrame struct {
	Text string `json:"text"`
}

type pushSubscribeFrame struct {
	Subscription json.RawMessage `json:"subscription"`
}

// --- Outbound frames ---

type helloFrame struct {
	Type        string         `json:"type"`
	ID          string         `json:"id"`
	TURN        turn.IceConfig `json:"turn"`
	HTTPS       bool           `json:"https"`
	ClientIP    string         `json:"clientIp"`
	TURNWarning string         `json:"turnWarning,omitempty"`
	Voice       VoiceStats     `json:"voice"`
}

type nameResultFrame struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type presenceUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Busy bool   `json:"busy"`
}

type presenceFrame struct {
	Type  string         `json:"type"`
	Users []presenceUser `json:"users"`
	Voice VoiceStats     `json:"voice"`
}

// chatFrame carries both public and private chat. From is nil for
// System messages.
type chatFrame struct {
	Type     string  `json:"type"`
	AtISO    string  `json:"atIso"`
	From     *string `json:"from"`
	FromName string  `json:"fromName"`
	To       string  `json:"to,omitempty"`
	ToName   string  `json:"toName,omitempty"`
	Text     string  `json:"text"`
	Private  bool    `json:"private"`
}

type incomingCallFrame struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	FromName string `json:"fromName"`
	RoomID   string `json:"roomId"`
}

type callStartResultFrame struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type callRejectedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type callEndedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type roomPeer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type roomPeersFrame struct {
	Type   string     `json:"type"`
	RoomID string     `json:"roomId"`
	Peers  []roomPeer `json:"peers"`
}

type roomPeerJoinedFrame struct {
	Type   string   `json:"type"`
	RoomID string   `json:"roomId"`
	Peer   roomPeer `json:"peer"`
}

type roomPeerLeftFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

type signalOutFrame struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`
	FromName string          `json:"fromName"`
	Payload  json.RawMessage `json:"payload"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
