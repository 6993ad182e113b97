package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/companiond/internal/config"
	"github.com/companionkit/companiond/internal/consts"
	"github.com/companionkit/companiond/internal/llm"
	"github.com/companionkit/companiond/internal/store"
)

type fakeLLM struct {
	mu        sync.Mutex
	fragments []string
	err       error
	calls     int
	lastReq   *llm.Request
}

func (f *fakeLLM) Stream(ctx context.Context, req *llm.Request, callback func(chunk string) error) error {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, fragment := range f.fragments {
		if err := callback(fragment); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLLM) ModelName() string { return "fake-model" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMemory struct {
	mu       sync.Mutex
	facts    string
	recalled []string
	stored   [][2]string
}

func (f *fakeMemory) GetContext(ctx context.Context, query, userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalled = append(f.recalled, query)
	return f.facts
}

func (f *fakeMemory) Remember(ctx context.Context, query, answer, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, [2]string{query, answer})
	return nil
}

func (f *fakeMemory) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

type fakeSynth struct {
	audio []byte
	err   error
	lang  string
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	f.lang = lang
	if f.err != nil {
		return nil, f.err
	}
	return f.audio, nil
}

type fakeRecognizer struct {
	transcript string
	err        error
}

func (f *fakeRecognizer) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.transcript, nil
}

type gatewayFixture struct {
	gw     *Gateway
	store  *store.Store
	llm    *fakeLLM
	memory *fakeMemory
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "companiond.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.LLM.SystemPrompt = "You are a warm companion."

	gen := &fakeLLM{fragments: []string{"Hello", " there!"}}
	mem := &fakeMemory{}
	gw := NewGateway(cfg, st, gen, mem, nil, nil)
	// Drain background units before the store closes (cleanups run LIFO).
	t.Cleanup(func() { gw.tasks.Wait(5 * time.Second) })

	return &gatewayFixture{
		gw:     gw,
		store:  st,
		llm:    gen,
		memory: mem,
	}
}

func (f *gatewayFixture) newClient(userID string) *Client {
	return &Client{
		ID:     generateConnID(),
		userID: userID,
		gw:     f.gw,
		send:   make(chan any, 256),
	}
}

// nextEvent pops one queued outbound event, failing the test when none is
// pending.
func nextEvent(t *testing.T, c *Client) any {
	t.Helper()
	select {
	case event := <-c.send:
		return event
	default:
		t.Fatal("expected a queued event")
		return nil
	}
}

func drainEvents(c *Client) []any {
	var events []any
	for {
		select {
		case event := <-c.send:
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestInitSessionCreatesWhenUnbound(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeInitSession})

	event, ok := nextEvent(t, c).(*SessionCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, TypeSessionCreated, event.Type)
	assert.NotEmpty(t, event.SessionID)
	assert.Nil(t, event.Title)
	assert.Equal(t, event.SessionID, c.state.sessionID)
}

func TestInitSessionLoadsExisting(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")
	ctx := context.Background()

	session, err := f.store.CreateSession(ctx, "alice", "")
	require.NoError(t, err)
	_, err = f.store.CreateMessage(ctx, store.CreateMessageParams{
		SessionID: session.ID, Role: "user", Content: "remember me?",
	})
	require.NoError(t, err)
	_, err = f.store.CreateMessage(ctx, store.CreateMessageParams{
		SessionID: session.ID, Role: "assistant", Content: "of course",
	})
	require.NoError(t, err)

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeInitSession, SessionID: session.ID})

	event, ok := nextEvent(t, c).(*SessionLoadedEvent)
	require.True(t, ok)
	assert.Equal(t, session.ID, event.SessionID)
	require.Len(t, event.Messages, 2)
	assert.Equal(t, "remember me?", event.Messages[0].Content)

	assert.Equal(t, session.ID, c.state.sessionID)
	require.Len(t, c.state.history, 2)
	assert.Equal(t, "user", c.state.history[0].Role)
	assert.Equal(t, "of course", c.state.history[1].Content)
}

func TestInitSessionNotFound(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeInitSession, SessionID: "no-such-session"})

	event, ok := nextEvent(t, c).(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, CodeSessionNotFound, event.Code)
	assert.Empty(t, c.state.sessionID)
}

func TestNewSessionAlwaysCreates(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")

	session, err := f.store.CreateSession(context.Background(), "alice", "")
	require.NoError(t, err)

	// Any session_id riding along on new_session is ignored.
	f.gw.dispatch(c, &ClientEnvelope{Type: TypeNewSession, SessionID: session.ID})

	event, ok := nextEvent(t, c).(*SessionCreatedEvent)
	require.True(t, ok)
	assert.NotEqual(t, session.ID, event.SessionID)
}

func TestListSessions(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")
	ctx := context.Background()

	_, err := f.store.CreateSession(ctx, "alice", "first")
	require.NoError(t, err)
	_, err = f.store.CreateSession(ctx, "bob", "not mine")
	require.NoError(t, err)

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeListSessions})

	event, ok := nextEvent(t, c).(*SessionListEvent)
	require.True(t, ok)
	require.Len(t, event.Sessions, 1)
	assert.Equal(t, "alice", event.Sessions[0].UserID)
}

func TestDeleteSession(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")
	ctx := context.Background()

	session, err := f.store.CreateSession(ctx, "alice", "")
	require.NoError(t, err)
	c.state.sessionID = session.ID
	c.state.appendTurn("user", "hi")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeDeleteSession, SessionID: session.ID})

	event, ok := nextEvent(t, c).(*SessionDeletedEvent)
	require.True(t, ok)
	assert.Equal(t, session.ID, event.SessionID)
	assert.Empty(t, c.state.sessionID, "deleting the bound session unbinds the connection")
	assert.Empty(t, c.state.history)

	// Second delete reports not found.
	f.gw.dispatch(c, &ClientEnvelope{Type: TypeDeleteSession, SessionID: session.ID})
	errEvent, ok := nextEvent(t, c).(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, CodeSessionNotFound, errEvent.Code)
}

func TestDeleteSessionMissingParam(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeDeleteSession})

	event, ok := nextEvent(t, c).(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, CodeMissingParam, event.Code)
}

func TestUnknownType(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: "bogus"})

	event, ok := nextEvent(t, c).(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, CodeUnknownType, event.Code)
	assert.Contains(t, event.Message, "bogus")
}

func TestChatStreamsAndPersists(t *testing.T) {
	f := newGatewayFixture(t)
	f.llm.fragments = []string{"Sure", ", let's talk! ", "[emo:happy]"}
	f.memory.facts = "- User said: I like tea | Assistant replied: noted"
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeNewSession})
	created := nextEvent(t, c).(*SessionCreatedEvent)

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeChat, Content: "hello!"})
	events := drainEvents(c)

	// Three fragments, then exactly one stream_end.
	require.Len(t, events, 4)
	for i, fragment := range f.llm.fragments {
		stream, ok := events[i].(*StreamEvent)
		require.True(t, ok)
		assert.Equal(t, fragment, stream.Delta)
		assert.Nil(t, stream.Emo)
	}
	end, ok := events[3].(*StreamEndEvent)
	require.True(t, ok)
	require.NotNil(t, end.Emo)
	assert.Equal(t, "happy", *end.Emo)
	assert.Equal(t, "Sure, let's talk!", end.Content)

	// Memory facts rode along in the system prompt.
	require.NotNil(t, f.llm.lastReq)
	assert.Contains(t, f.llm.lastReq.System, "I like tea")
	assert.Contains(t, f.llm.lastReq.System, "warm companion")

	// In-window history gained both turns, cleaned.
	require.Len(t, c.state.history, 2)
	assert.Equal(t, "hello!", c.state.history[0].Content)
	assert.Equal(t, "Sure, let's talk!", c.state.history[1].Content)

	// User message persisted synchronously, assistant in the background.
	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := f.store.CountMessages(ctx, created.SessionID)
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	messages, err := f.store.GetMessages(ctx, created.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "hello!", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "Sure, let's talk!", messages[1].Content)
	require.NotNil(t, messages[1].RawContent)
	assert.Equal(t, "Sure, let's talk! [emo:happy]", *messages[1].RawContent)

	// Memory update happened in the background too.
	require.Eventually(t, func() bool {
		return f.memory.storedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatEmptyContent(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeNewSession})
	created := nextEvent(t, c).(*SessionCreatedEvent)

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeChat, Content: "   \n\t "})

	event, ok := nextEvent(t, c).(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, CodeEmptyContent, event.Code)
	assert.Zero(t, f.llm.callCount(), "empty content never reaches the generator")

	n, err := f.store.CountMessages(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Zero(t, n, "empty content is never persisted")
}

func TestChatWithoutSession(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeChat, Content: "hello"})

	event, ok := nextEvent(t, c).(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, CodeNoSession, event.Code)
	assert.Zero(t, f.llm.callCount())
}

func TestChatGenerationFailure(t *testing.T) {
	f := newGatewayFixture(t)
	f.llm.err = errors.New("upstream exploded")
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeNewSession})
	nextEvent(t, c)

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeChat, Content: "hello"})
	events := drainEvents(c)

	require.NotEmpty(t, events)
	last, ok := events[len(events)-1].(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, CodeChatError, last.Code)
	for _, event := range events {
		_, isEnd := event.(*StreamEndEvent)
		assert.False(t, isEnd, "a failed turn never emits stream_end")
	}
	assert.Empty(t, c.state.history, "a failed turn is not recorded in the window")
}

func TestChatSynthesisFailureDegrades(t *testing.T) {
	f := newGatewayFixture(t)
	f.gw.synthesizer = &fakeSynth{err: errors.New("tts down")}
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeNewSession})
	nextEvent(t, c)

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeChat, Content: "hello"})
	events := drainEvents(c)

	for _, event := range events {
		switch event.(type) {
		case *AudioEvent:
			t.Fatal("failed synthesis must not emit audio")
		case *ErrorEvent:
			t.Fatal("failed synthesis must not surface an error, the turn succeeded")
		}
	}
	_, ok := events[len(events)-1].(*StreamEndEvent)
	assert.True(t, ok)
}

func TestChatSynthesisEmitsAudio(t *testing.T) {
	f := newGatewayFixture(t)
	synth := &fakeSynth{audio: []byte{0x52, 0x49, 0x46, 0x46}}
	f.gw.synthesizer = synth
	f.llm.fragments = []string{"你好呀"}
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeNewSession})
	nextEvent(t, c)

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeChat, Content: "hi"})
	events := drainEvents(c)

	audio, ok := events[len(events)-1].(*AudioEvent)
	require.True(t, ok, "audio follows stream_end")
	assert.Equal(t, base64.StdEncoding.EncodeToString(synth.audio), audio.Data)
	assert.Equal(t, "wav", audio.Format)
	assert.Equal(t, "zh", synth.lang, "CJK reply selects the zh voice")
}

func TestChatAudioFlow(t *testing.T) {
	f := newGatewayFixture(t)
	f.gw.recognizer = &fakeRecognizer{transcript: "how are you"}
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeNewSession})
	nextEvent(t, c)

	payload := base64.StdEncoding.EncodeToString([]byte("fake-wav-bytes"))
	f.gw.dispatch(c, &ClientEnvelope{Type: TypeChatAudio, Audio: payload})
	events := drainEvents(c)

	require.NotEmpty(t, events)
	echo, ok := events[0].(*UserMessageEchoEvent)
	require.True(t, ok, "transcript is echoed before the turn streams")
	assert.Equal(t, "how are you", echo.Content)

	_, ok = events[len(events)-1].(*StreamEndEvent)
	assert.True(t, ok)
	require.Len(t, c.state.history, 2)
	assert.Equal(t, "how are you", c.state.history[0].Content)
}

func TestChatAudioErrors(t *testing.T) {
	tests := []struct {
		name     string
		audio    string
		rec      *fakeRecognizer
		wantCode string
	}{
		{"missing audio", "", &fakeRecognizer{}, CodeMissingAudio},
		{"invalid base64", "not-base64!!!", &fakeRecognizer{}, CodeASRError},
		{"recognizer unavailable", base64.StdEncoding.EncodeToString([]byte("x")), nil, CodeASRError},
		{"transcription failure", base64.StdEncoding.EncodeToString([]byte("x")), &fakeRecognizer{err: errors.New("asr down")}, CodeASRError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGatewayFixture(t)
			if tt.rec != nil {
				f.gw.recognizer = tt.rec
			}
			c := f.newClient("alice")

			f.gw.dispatch(c, &ClientEnvelope{Type: TypeNewSession})
			nextEvent(t, c)

			f.gw.dispatch(c, &ClientEnvelope{Type: TypeChatAudio, Audio: tt.audio})

			event, ok := nextEvent(t, c).(*ErrorEvent)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, event.Code)
			assert.Zero(t, f.llm.callCount(), "a failed voice turn never reaches the generator")
		})
	}
}

func TestHistoryWindowIsBounded(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.newClient("alice")

	f.gw.dispatch(c, &ClientEnvelope{Type: TypeNewSession})
	nextEvent(t, c)

	for i := 0; i < consts.HistoryWindow; i++ {
		f.gw.dispatch(c, &ClientEnvelope{Type: TypeChat, Content: "turn"})
		drainEvents(c)
	}

	assert.Len(t, c.state.history, consts.HistoryWindow)
}
