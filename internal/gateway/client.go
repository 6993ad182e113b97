package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/companionkit/companiond/internal/consts"
	"github.com/companionkit/companiond/internal/llm"
	"github.com/companionkit/companiond/internal/logger"
	"github.com/companionkit/companiond/internal/store"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// sessionState is the per-connection conversational state. It exists from
// connect to disconnect and is mutated only by the connection's own read
// loop, so it needs no locking.
type sessionState struct {
	sessionID   string
	history     []*llm.Message
	accumulator strings.Builder
}

// appendTurn records a turn, keeping only the most recent entries.
func (s *sessionState) appendTurn(role, content string) {
	s.history = append(s.history, &llm.Message{Role: role, Content: content})
	if len(s.history) > consts.HistoryWindow {
		s.history = s.history[len(s.history)-consts.HistoryWindow:]
	}
}

// replaceHistory swaps the window for persisted messages, oldest first.
func (s *sessionState) replaceHistory(messages []*store.Message) {
	s.history = s.history[:0]
	for _, msg := range messages {
		s.history = append(s.history, &llm.Message{Role: msg.Role, Content: msg.Content})
	}
}

// clear unbinds the session and drops the window.
func (s *sessionState) clear() {
	s.sessionID = ""
	s.history = nil
}

// Client represents one WebSocket connection and owns its session state.
type Client struct {
	ID     string
	userID string
	hub    *Hub
	conn   *websocket.Conn
	send   chan any
	gw     *Gateway
	state  sessionState
}

func newClient(gw *Gateway, hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		ID:     generateConnID(),
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan any, 256),
		gw:     gw,
	}
}

// ReadPump runs the connection's inbound loop. Each frame is handled to
// completion before the next one is read, so turns on one connection never
// interleave. Malformed frames produce an error envelope and the loop
// continues.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(consts.MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error: %v", err)
			}
			break
		}

		var env ClientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendEvent(newErrorEvent(CodeInvalidJSON, "invalid JSON frame"))
			continue
		}

		c.gw.dispatch(c, &env)
	}
}

// WritePump pumps outbound envelopes to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				logger.Error("failed to marshal envelope: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("failed to write envelope: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendEvent queues an envelope for delivery to the client.
func (c *Client) sendEvent(event any) {
	select {
	case c.send <- event:
	default:
		logger.Warn("client %s send buffer full, dropping envelope", c.ID)
	}
}

func generateConnID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "conn-unknown"
	}
	return hex.EncodeToString(bytes)
}
