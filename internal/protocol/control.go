package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Kind names a control message.
type Kind string

const (
	KindJoin           Kind = "join"
	KindPing           Kind = "ping"
	KindPong           Kind = "pong"
	KindJoined         Kind = "joined"
	KindPeerJoined     Kind = "peer-joined"
	KindPeerLeft       Kind = "peer-left"
	KindError          Kind = "error"
	KindCompactRequest Kind = "compact-request"
	KindCompact        Kind = "compact"
)

// Error codes sent in error control messages.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeAccessDenied = "ACCESS_DENIED"
	CodeRoomLimit    = "ROOM_LIMIT"
)

// Control is the decoded form of an inbound control message.
// Only the fields meaningful for Type are populated.
type Control struct {
	Type      Kind
	ProjectID string
	Token     string
	State     string // base64, compact only
	// RequestID echoes compact-request.requestId; 0 when absent.
	RequestID uint64
}

// Valid reports whether the message carried a usable type.
func (c Control) Valid() bool { return c.Type != "" }

// DecodeControl never fails: malformed JSON or a missing, non-string type
// yields a zero Control.
func DecodeControl(data []byte) Control {
	if !gjson.ValidBytes(data) {
		return Control{}
	}
	res := gjson.GetManyBytes(data, "type", "projectId", "token", "state", "requestId")
	if res[0].Type != gjson.String || res[0].Str == "" {
		return Control{}
	}
	return Control{
		Type:      Kind(res[0].Str),
		ProjectID: stringField(res[1]),
		Token:     stringField(res[2]),
		State:     stringField(res[3]),
		RequestID: uintField(res[4]),
	}
}

func uintField(r gjson.Result) uint64 {
	if r.Type != gjson.Number {
		return 0
	}
	return r.Uint()
}

func stringField(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return r.Str
}

type typed struct {
	Type Kind `json:"type"`
}

type joinedMsg struct {
	Type   Kind     `json:"type"`
	UserID string   `json:"userId"`
	Peers  []string `json:"peers"`
}

type peerMsg struct {
	Type   Kind   `json:"type"`
	UserID string `json:"userId"`
}

type errorMsg struct {
	Type    Kind   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type compactRequestMsg struct {
	Type      Kind   `json:"type"`
	ProjectID string `json:"projectId"`
	RequestID uint64 `json:"requestId"`
}

// The encoders below marshal fixed struct shapes, which cannot fail.

func EncodePong() []byte { return mustMarshal(typed{Type: KindPong}) }

func EncodePing() []byte { return mustMarshal(typed{Type: KindPing}) }

func EncodeJoined(userID string, peers []string) []byte {
	if peers == nil {
		peers = []string{}
	}
	return mustMarshal(joinedMsg{Type: KindJoined, UserID: userID, Peers: peers})
}

func EncodePeerJoined(userID string) []byte {
	return mustMarshal(peerMsg{Type: KindPeerJoined, UserID: userID})
}

func EncodePeerLeft(userID string) []byte {
	return mustMarshal(peerMsg{Type: KindPeerLeft, UserID: userID})
}

func EncodeError(code, message string) []byte {
	return mustMarshal(errorMsg{Type: KindError, Code: code, Message: message})
}

func EncodeCompactRequest(projectID string, requestID uint64) []byte {
	return mustMarshal(compactRequestMsg{Type: KindCompactRequest, ProjectID: projectID, RequestID: requestID})
}

// EncodeJoin builds a client join message.
func EncodeJoin(projectID, token string) []byte {
	return mustMarshal(struct {
		Type      Kind   `json:"type"`
		ProjectID string `json:"projectId"`
		Token     string `json:"token"`
	}{KindJoin, projectID, token})
}

// EncodeCompact builds a client compact reply; state is already base64.
// A zero requestID is omitted.
func EncodeCompact(state string, requestID uint64) []byte {
	return mustMarshal(struct {
		Type      Kind   `json:"type"`
		State     string `json:"state"`
		RequestID uint64 `json:"requestId,omitempty"`
	}{KindCompact, state, requestID})
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
