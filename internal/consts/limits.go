package consts

import "time"

// Buffer sizes for streaming reads
const (
	// BufferSize256KB is 256 kilobytes
	BufferSize256KB = 256 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Limits on inbound frames and conversation state
const (
	// MaxFrameSize is the maximum size of a single WebSocket frame from a client
	MaxFrameSize = 1024 * 1024
	// HistoryWindow is the number of conversation turns kept in memory per connection
	HistoryWindow = 10
	// SessionListLimit is the maximum number of sessions returned per listing
	SessionListLimit = 50
	// SessionTitleRunes is the number of leading runes used to derive a session title
	SessionTitleRunes = 10
)

// Timeouts for collaborator calls
const (
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
	// Timeout2Minutes is a 2 minute timeout
	Timeout2Minutes = 2 * time.Minute
)

// LLM default configurations
const (
	// DefaultMaxTokens is the default maximum tokens for LLM responses
	DefaultMaxTokens = 1024
)
