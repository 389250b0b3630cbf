// Package protocol defines the JSON message frames exchanged with browser
// clients over the WebSocket, plus the keystroke classifier used for
// read-only filtering.
//
// Every frame is a JSON object tagged by a "type" field. The broker treats
// terminal bytes as opaque; only the thin envelope is structured.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client-to-server message types.
const (
	TypeInput     = "input"
	TypeResize    = "resize"
	TypePing      = "ping"
	TypeReconnect = "reconnect"
)

// Server-to-client message types.
const (
	TypeSession         = "session"
	TypeReconnected     = "reconnected"
	TypeOutput          = "output"
	TypeError           = "error"
	TypePong            = "pong"
	TypeNotice          = "notice"
	TypeReplayBegin     = "replay_begin"
	TypeReplayEnd       = "replay_end"
	TypeBufferTruncated = "buffer_truncated"
)

// Stable machine-readable error codes sent in Error frames.
const (
	CodeAuthRequired    = "AUTH_REQUIRED"
	CodeAuthFailed      = "AUTH_FAILED"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeIPMismatch      = "IP_MISMATCH"
	CodeGlobalCap       = "GLOBAL_CAP"
	CodePerIPCap        = "PER_IP_CAP"
	CodePtySpawnFailed  = "PTY_SPAWN_FAILED"
	CodeInternalError   = "INTERNAL_ERROR"
)

// ClientMessage is a frame received from the browser. Type selects which
// fields are meaningful.
type ClientMessage struct {
	Type string `json:"type"`

	// input
	Data string `json:"data,omitempty"`

	// resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// reconnect
	Session string  `json:"session,omitempty"`
	Token   string  `json:"token,omitempty"`
	LastSeq *uint64 `json:"last_seq,omitempty"`
}

// ParseClientMessage decodes a frame from the wire.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("client message missing type")
	}
	return msg, nil
}

// TerminalSize is the cols/rows pair restored to a reconnecting client.
type TerminalSize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ServerMessage is a frame sent to the browser.
type ServerMessage struct {
	Type string `json:"type"`

	// session / reconnected
	SessionID      string        `json:"sessionId,omitempty"`
	ReconnectToken string        `json:"reconnectToken,omitempty"`
	RestoreSize    *TerminalSize `json:"restore_size,omitempty"`

	// output
	Data string  `json:"data,omitempty"`
	Seq  *uint64 `json:"seq,omitempty"`

	// error / notice
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// replay bookkeeping
	FromSeq       *uint64 `json:"from_seq,omitempty"`
	LastSeq       *uint64 `json:"last_seq,omitempty"`
	FramesDropped *uint64 `json:"frames_dropped,omitempty"`
}

// Encode marshals the frame for the wire.
func (m ServerMessage) Encode() []byte {
	raw, err := json.Marshal(m)
	if err != nil {
		// Every field is a marshalable scalar; this cannot happen.
		panic(fmt.Sprintf("encode server message: %v", err))
	}
	return raw
}

// SessionMsg announces a freshly created session.
func SessionMsg(sessionID, reconnectToken string) ServerMessage {
	return ServerMessage{Type: TypeSession, SessionID: sessionID, ReconnectToken: reconnectToken}
}

// ReconnectedMsg announces a successful reconnect with a rotated token.
// restoreSize may be nil when the session never observed a resize.
func ReconnectedMsg(sessionID, reconnectToken string, restoreSize *TerminalSize) ServerMessage {
	return ServerMessage{
		Type:           TypeReconnected,
		SessionID:      sessionID,
		ReconnectToken: reconnectToken,
		RestoreSize:    restoreSize,
	}
}

// OutputMsg carries terminal output. seq is the sequence number of the last
// ring frame included, used by the client as its replay watermark.
func OutputMsg(data string, seq *uint64) ServerMessage {
	return ServerMessage{Type: TypeOutput, Data: data, Seq: seq}
}

// ErrorMsg builds an error frame with a stable code.
func ErrorMsg(message, code string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message, Code: code}
}

// PongMsg answers a protocol-level ping.
func PongMsg() ServerMessage { return ServerMessage{Type: TypePong} }

// NoticeMsg carries an informational banner line.
func NoticeMsg(message string) ServerMessage {
	return ServerMessage{Type: TypeNotice, Message: message}
}

// ReadOnlyNotice is the banner shown when a mutating keystroke is blocked.
func ReadOnlyNotice(action string) ServerMessage {
	return NoticeMsg(fmt.Sprintf("⚠ Read-only mode: %s disabled", action))
}

// ReplayBeginMsg brackets the start of buffered-output replay.
func ReplayBeginMsg(fromSeq uint64) ServerMessage {
	return ServerMessage{Type: TypeReplayBegin, FromSeq: &fromSeq}
}

// ReplayEndMsg brackets the end of replay; live output resumes after it.
func ReplayEndMsg(lastSeq uint64) ServerMessage {
	return ServerMessage{Type: TypeReplayEnd, LastSeq: &lastSeq}
}

// BufferTruncatedMsg tells the client that frames between its watermark and
// the oldest retained frame were evicted.
func BufferTruncatedMsg(framesDropped uint64) ServerMessage {
	return ServerMessage{Type: TypeBufferTruncated, FramesDropped: &framesDropped}
}
