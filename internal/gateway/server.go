package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/companionkit/companiond/internal/config"
	"github.com/companionkit/companiond/internal/consts"
	"github.com/companionkit/companiond/internal/logger"
	"github.com/companionkit/companiond/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  consts.BufferSize256KB,
	WriteBufferSize: consts.BufferSize256KB,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server binds the WebSocket endpoint and the read-only session HTTP API
// to one listener.
type Server struct {
	cfg        *config.Config
	gw         *Gateway
	hub        *Hub
	httpServer *http.Server
}

func NewServer(cfg *config.Config, gw *Gateway) *Server {
	s := &Server{
		cfg: cfg,
		gw:  gw,
		hub: NewHub(),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.Routes(),
	}
	return s
}

// Routes builds the HTTP handler. Exposed separately so tests can drive it
// through httptest.
func (s *Server) Routes() http.Handler {
	router := httprouter.New()
	router.GET("/ws", s.handleWebSocket)
	router.GET("/api/sessions/:user_id", s.handleSessionList)
	router.GET("/api/sessions/:user_id/:session_id/messages", s.handleSessionMessages)
	return router
}

// Start begins serving. It returns immediately; serve errors other than a
// clean shutdown are logged.
func (s *Server) Start() {
	go s.hub.Run()
	go func() {
		logger.Info("listening on %s", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server: %v", err)
		}
	}()
}

// Stop shuts the listener down and drains in-flight background tasks.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	s.hub.Stop()
	if !s.gw.tasks.Wait(s.cfg.BackgroundTimeout()) {
		logger.Warn("background tasks did not drain before shutdown")
	}
}

// handleWebSocket upgrades the connection and starts its pumps. A missing
// user_id still upgrades so the client receives a proper close frame with
// code 4001 instead of an opaque HTTP error.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade: %v", err)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		msg := websocket.FormatCloseMessage(CloseMissingUserID, "user_id is required")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := newClient(s.gw, s.hub, conn, userID)
	s.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessions, err := s.gw.store.ListSessions(r.Context(), ps.ByName("user_id"), consts.SessionListLimit)
	if err != nil {
		logger.Error("list sessions: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	session, err := s.gw.store.GetSession(r.Context(), ps.ByName("session_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		logger.Error("get session: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// Sessions are only visible to their owner.
	if session.UserID != ps.ByName("user_id") {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}

	messages, err := s.gw.store.GetMessages(r.Context(), session.ID, limit)
	if err != nil {
		logger.Error("get messages: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"session_id": session.ID, "messages": messages})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response: %v", err)
	}
}
