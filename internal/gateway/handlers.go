package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/companionkit/companiond/internal/config"
	"github.com/companionkit/companiond/internal/consts"
	"github.com/companionkit/companiond/internal/llm"
	"github.com/companionkit/companiond/internal/logger"
	"github.com/companionkit/companiond/internal/memory"
	"github.com/companionkit/companiond/internal/speech"
	"github.com/companionkit/companiond/internal/store"
)

// Gateway owns the collaborators shared by every connection and implements
// the per-envelope operations. Synthesizer and recognizer may be nil, in
// which case voice features degrade (no audio events, ASR_ERROR on voice
// input).
type Gateway struct {
	cfg         *config.Config
	store       *store.Store
	generator   llm.Client
	memory      memory.Manager
	synthesizer speech.Synthesizer
	recognizer  speech.Recognizer
	tasks       *TaskRunner
}

func NewGateway(cfg *config.Config, st *store.Store, generator llm.Client, mem memory.Manager, synth speech.Synthesizer, rec speech.Recognizer) *Gateway {
	return &Gateway{
		cfg:         cfg,
		store:       st,
		generator:   generator,
		memory:      mem,
		synthesizer: synth,
		recognizer:  rec,
		tasks:       NewTaskRunner(cfg.BackgroundTimeout()),
	}
}

// dispatch routes one inbound envelope. It is called synchronously from the
// connection's read loop, so operations on a single connection are strictly
// sequential.
func (g *Gateway) dispatch(c *Client, env *ClientEnvelope) {
	switch env.Type {
	case TypeInitSession:
		g.handleInitSession(c, env)
	case TypeNewSession:
		g.handleInitSession(c, &ClientEnvelope{Type: TypeNewSession})
	case TypeListSessions:
		g.handleListSessions(c)
	case TypeDeleteSession:
		g.handleDeleteSession(c, env)
	case TypeChat:
		g.handleChat(c, env.Content)
	case TypeChatAudio:
		g.handleChatAudio(c, env)
	default:
		c.sendEvent(newErrorEvent(CodeUnknownType, fmt.Sprintf("unknown message type: %s", env.Type)))
	}
}

// handleInitSession binds the connection to a session: an existing one when
// session_id is given, a freshly created one otherwise. new_session reaches
// this with an empty envelope, forcing the create path.
func (g *Gateway) handleInitSession(c *Client, env *ClientEnvelope) {
	ctx := context.Background()

	if env.SessionID != "" {
		session, err := g.store.GetSession(ctx, env.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.sendEvent(newErrorEvent(CodeSessionNotFound, fmt.Sprintf("session %s not found", env.SessionID)))
			} else {
				logger.Error("load session %s: %v", env.SessionID, err)
				c.sendEvent(newErrorEvent(CodeInternalError, "failed to load session"))
			}
			return
		}

		messages, err := g.store.GetRecentMessages(ctx, session.ID, consts.HistoryWindow)
		if err != nil {
			logger.Error("load history for session %s: %v", session.ID, err)
			c.sendEvent(newErrorEvent(CodeInternalError, "failed to load session history"))
			return
		}

		c.state.sessionID = session.ID
		c.state.replaceHistory(messages)
		c.sendEvent(&SessionLoadedEvent{
			Type:      TypeSessionLoaded,
			SessionID: session.ID,
			Title:     session.Title,
			Messages:  messages,
		})
		return
	}

	session, err := g.store.CreateSession(ctx, c.userID, "")
	if err != nil {
		logger.Error("create session for user %s: %v", c.userID, err)
		c.sendEvent(newErrorEvent(CodeInternalError, "failed to create session"))
		return
	}

	c.state.clear()
	c.state.sessionID = session.ID
	c.sendEvent(&SessionCreatedEvent{
		Type:      TypeSessionCreated,
		SessionID: session.ID,
		Title:     session.Title,
	})
}

func (g *Gateway) handleListSessions(c *Client) {
	sessions, err := g.store.ListSessions(context.Background(), c.userID, consts.SessionListLimit)
	if err != nil {
		logger.Error("list sessions for user %s: %v", c.userID, err)
		c.sendEvent(newErrorEvent(CodeInternalError, "failed to list sessions"))
		return
	}
	c.sendEvent(&SessionListEvent{Type: TypeSessionList, Sessions: sessions})
}

func (g *Gateway) handleDeleteSession(c *Client, env *ClientEnvelope) {
	if env.SessionID == "" {
		c.sendEvent(newErrorEvent(CodeMissingParam, "session_id is required"))
		return
	}

	deleted, err := g.store.DeleteSession(context.Background(), env.SessionID)
	if err != nil {
		logger.Error("delete session %s: %v", env.SessionID, err)
		c.sendEvent(newErrorEvent(CodeInternalError, "failed to delete session"))
		return
	}
	if !deleted {
		c.sendEvent(newErrorEvent(CodeSessionNotFound, fmt.Sprintf("session %s not found", env.SessionID)))
		return
	}

	if c.state.sessionID == env.SessionID {
		c.state.clear()
	}
	c.sendEvent(&SessionDeletedEvent{Type: TypeSessionDeleted, SessionID: env.SessionID})
}

// handleChat runs one full text turn: persist the user message, look up
// memory context, stream the generated reply, then hand persistence of the
// assistant message and the memory update to background tasks. Speech
// synthesis is best-effort at the end.
func (g *Gateway) handleChat(c *Client, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		c.sendEvent(newErrorEvent(CodeEmptyContent, "content must not be empty"))
		return
	}
	if c.state.sessionID == "" {
		c.sendEvent(newErrorEvent(CodeNoSession, "no active session, send init_session first"))
		return
	}
	sessionID := c.state.sessionID

	ctx := context.Background()
	if _, err := g.store.CreateMessage(ctx, store.CreateMessageParams{
		SessionID: sessionID,
		Role:      "user",
		Content:   content,
	}); err != nil {
		logger.Error("persist user message in session %s: %v", sessionID, err)
		c.sendEvent(newErrorEvent(CodeChatError, "failed to store message"))
		return
	}

	facts := g.memory.GetContext(ctx, content, c.userID)

	_, clean, err := g.streamTurn(ctx, c, content, facts)
	if err != nil {
		logger.Error("generation failed in session %s: %v", sessionID, err)
		c.sendEvent(newErrorEvent(CodeChatError, "failed to generate response"))
		return
	}

	raw := c.state.accumulator.String()
	c.state.appendTurn("user", content)
	c.state.appendTurn("assistant", clean)

	g.tasks.Spawn("assistant-persist", func(taskCtx context.Context) error {
		_, err := g.store.CreateMessage(taskCtx, store.CreateMessageParams{
			SessionID:  sessionID,
			Role:       "assistant",
			Content:    clean,
			RawContent: raw,
		})
		return err
	})

	userID, query := c.userID, content
	g.tasks.Spawn("memory-update", func(taskCtx context.Context) error {
		return g.memory.Remember(taskCtx, query, clean, userID)
	})

	g.synthesizeTurn(c, clean)
}

// synthesizeTurn emits an audio event for the completed turn. Synthesis is
// strictly best-effort: an absent or failing synthesizer only skips the
// audio, the turn has already succeeded.
func (g *Gateway) synthesizeTurn(c *Client, text string) {
	if g.synthesizer == nil || text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SpeechTimeout())
	defer cancel()

	lang := speech.DetectLang(text)
	audio, err := g.synthesizer.Synthesize(ctx, text, lang)
	if err != nil {
		logger.Warn("speech synthesis failed: %v", err)
		return
	}

	c.sendEvent(&AudioEvent{
		Type:   TypeAudio,
		Data:   base64.StdEncoding.EncodeToString(audio),
		Format: "wav",
	})
}

// handleChatAudio transcribes a voice message, echoes the transcript, then
// runs it through the normal chat turn.
func (g *Gateway) handleChatAudio(c *Client, env *ClientEnvelope) {
	if env.Audio == "" {
		c.sendEvent(newErrorEvent(CodeMissingAudio, "audio is required"))
		return
	}

	audio, err := base64.StdEncoding.DecodeString(env.Audio)
	if err != nil {
		c.sendEvent(newErrorEvent(CodeASRError, "audio must be base64-encoded"))
		return
	}

	if g.recognizer == nil {
		c.sendEvent(newErrorEvent(CodeASRError, "speech recognition is not available"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SpeechTimeout())
	defer cancel()

	transcript, err := g.recognizer.Transcribe(ctx, audio)
	if err != nil {
		logger.Error("transcription failed: %v", err)
		c.sendEvent(newErrorEvent(CodeASRError, "failed to transcribe audio"))
		return
	}

	c.sendEvent(&UserMessageEchoEvent{Type: TypeUserMessageEcho, Content: transcript})
	g.handleChat(c, transcript)
}
