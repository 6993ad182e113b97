package gateway

import "github.com/companionkit/companiond/internal/store"

// Inbound message types
const (
	TypeInitSession   = "init_session"
	TypeNewSession    = "new_session"
	TypeListSessions  = "list_sessions"
	TypeDeleteSession = "delete_session"
	TypeChat          = "chat"
	TypeChatAudio     = "chat_audio"
)

// Outbound message types
const (
	TypeSessionCreated  = "session_created"
	TypeSessionLoaded   = "session_loaded"
	TypeSessionList     = "session_list"
	TypeSessionDeleted  = "session_deleted"
	TypeStream          = "stream"
	TypeStreamEnd       = "stream_end"
	TypeAudio           = "audio"
	TypeError           = "error"
	TypeUserMessageEcho = "user_message_echo"
)

// Error codes carried by error envelopes
const (
	CodeInvalidJSON     = "INVALID_JSON"
	CodeUnknownType     = "UNKNOWN_TYPE"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeMissingParam    = "MISSING_PARAM"
	CodeEmptyContent    = "EMPTY_CONTENT"
	CodeNoSession       = "NO_SESSION"
	CodeChatError       = "CHAT_ERROR"
	CodeMissingAudio    = "MISSING_AUDIO"
	CodeASRError        = "ASR_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

// CloseMissingUserID is the WebSocket close code used when a connection is
// established without a user_id parameter.
const CloseMissingUserID = 4001

// ClientEnvelope is an inbound frame. Type selects the operation; the other
// fields are read by the operations that need them.
type ClientEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Audio     string `json:"audio,omitempty"` // base64-encoded
}

// SessionCreatedEvent announces a freshly created session. Title is always
// null at creation time; it is derived later from the first user message.
type SessionCreatedEvent struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Title     *string `json:"title"`
}

// SessionLoadedEvent carries an existing session and its recent history.
type SessionLoadedEvent struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Title     *string          `json:"title"`
	Messages  []*store.Message `json:"messages"`
}

// SessionListEvent carries the caller's sessions, most recently updated
// first.
type SessionListEvent struct {
	Type     string           `json:"type"`
	Sessions []*store.Session `json:"sessions"`
}

// SessionDeletedEvent acknowledges a deletion.
type SessionDeletedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// StreamEvent is one incremental generation fragment. Emo is always null on
// fragments; the emotion is extracted once at end of turn.
type StreamEvent struct {
	Type  string  `json:"type"`
	Delta string  `json:"delta"`
	Emo   *string `json:"emo"`
}

// StreamEndEvent terminates a turn's stream, carrying the extracted emotion
// tag and the cleaned full text.
type StreamEndEvent struct {
	Type    string  `json:"type"`
	Emo     *string `json:"emo"`
	Content string  `json:"content"`
}

// AudioEvent carries synthesized speech for the completed turn.
type AudioEvent struct {
	Type   string `json:"type"`
	Data   string `json:"data"` // base64-encoded
	Format string `json:"format"`
}

// ErrorEvent reports a failed operation. The connection always survives.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UserMessageEchoEvent echoes a transcribed voice message back to the
// client before the chat turn runs.
type UserMessageEchoEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func newErrorEvent(code, message string) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, Code: code, Message: message}
}
