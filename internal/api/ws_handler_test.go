package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immergo/server/internal/auth"
	"github.com/immergo/server/internal/gemini"
	"github.com/immergo/server/pkg/logger"
)

// fakeSpeechService plays the upstream side of a session.
type fakeSpeechService struct {
	server   *httptest.Server
	setup    chan gemini.SetupMessage
	received chan string
	conn     chan *websocket.Conn
}

func newFakeSpeechService(t *testing.T) *fakeSpeechService {
	t.Helper()
	f := &fakeSpeechService{
		setup:    make(chan gemini.SetupMessage, 1),
		received: make(chan string, 16),
		conn:     make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conn <- conn

		var setup gemini.SetupMessage
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		f.setup <- setup
		conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.received <- string(data)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

type gatewayFixture struct {
	server  *httptest.Server
	tokens  *auth.TokenStore
	speech  *fakeSpeechService
	handler *LiveHandler
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	speech := newFakeSpeechService(t)
	tokens := auth.NewTokenStore()

	handler := NewLiveHandler(testConfig(), tokens, testMetrics, logger.NewNop())
	handler.UpstreamEndpoint = "ws" + strings.TrimPrefix(speech.server.URL, "http")

	server := httptest.NewServer(http.HandlerFunc(handler.ServeSession))
	t.Cleanup(server.Close)

	return &gatewayFixture{server: server, tokens: tokens, speech: speech, handler: handler}
}

func (g *gatewayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(g.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSessionRejectedWithoutToken(t *testing.T) {
	g := newGatewayFixture(t)

	wsURL := "ws" + strings.TrimPrefix(g.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionRejectedWithBadToken(t *testing.T) {
	g := newGatewayFixture(t)

	wsURL := "ws" + strings.TrimPrefix(g.server.URL, "http") + "?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenIsSingleUseAcrossSessions(t *testing.T) {
	g := newGatewayFixture(t)
	token := g.tokens.Issue(60)

	conn := g.dial(t, token)
	conn.Close()

	wsURL := "ws" + strings.TrimPrefix(g.server.URL, "http") + "?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionEndToEnd(t *testing.T) {
	g := newGatewayFixture(t)
	conn := g.dial(t, g.tokens.Issue(60))

	// First frame carries the setup overrides.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(
		`{"setup":{"system_instruction":{"parts":[{"text":"Tutor mode"}]}}}`)))

	setup := <-g.speech.setup
	require.NotNil(t, setup.Setup.SystemInstruction)
	assert.Equal(t, "Tutor mode", setup.Setup.SystemInstruction.Parts[0].Text)
	require.NotNil(t, setup.Setup.ContextWindowCompression)

	// Browser audio flows upstream as a realtime input message.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	var input gemini.RealtimeInputMessage
	select {
	case raw := <-g.speech.received:
		require.NoError(t, json.Unmarshal([]byte(raw), &input))
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received audio")
	}
	require.NotNil(t, input.RealtimeInput.Audio)

	// Service audio flows back as a binary frame, padded to even length.
	upstream := <-g.speech.conn
	require.NoError(t, upstream.WriteMessage(websocket.TextMessage, []byte(
		`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"CQkJ"}}]}}}`)))

	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{9, 9, 9, 0}, data)

	// Upstream close becomes a sessionEnd envelope and then a close frame.
	require.NoError(t, upstream.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	msgType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	var envelope sessionEndEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	require.NotNil(t, envelope.SessionEnd.Stats)

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestSessionErrorEnvelopeOnPolicyClose(t *testing.T) {
	g := newGatewayFixture(t)
	conn := g.dial(t, g.tokens.Issue(60))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"setup":{}}`)))
	<-g.speech.setup
	upstream := <-g.speech.conn

	// A policy-worded close on a short session is a fatal feature rejection.
	require.NoError(t, upstream.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Policy violation"),
		time.Now().Add(time.Second)))

	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "SESSION_ERROR", envelope.Error.Code)
	assert.Contains(t, envelope.Error.Message, "unsupported feature combination")
	require.NotNil(t, envelope.Error.Stats)

	_, _, err = conn.ReadMessage()
	_, ok := err.(*websocket.CloseError)
	assert.True(t, ok, "expected close frame, got %v", err)
}

func TestSessionDeadlineClosesSession(t *testing.T) {
	g := newGatewayFixture(t)
	conn := g.dial(t, g.tokens.Issue(1))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"setup":{}}`)))
	<-g.speech.setup

	// The upstream stays silent; after one second the gateway ends the
	// session with a time-limit envelope and a normal close.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	var envelope sessionEndEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "Session time limit reached", envelope.SessionEnd.Reason)

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

// newConnPair returns both ends of one WebSocket connection.
func newConnPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server = <-serverCh
	t.Cleanup(func() { server.Close() })
	return server, client
}

func TestDeadlineEnvelopeSentWhenClientReadEndsFirst(t *testing.T) {
	h := NewLiveHandler(testConfig(), auth.NewTokenStore(), testMetrics, logger.NewNop())

	// At expiry the socket read deadline and the pump timer fire together,
	// so the receive duty can win the race and close clientGone while the
	// timer channel is also ready. Either interleaving must still deliver
	// the time-limit envelope and close frame.
	for i := 0; i < 20; i++ {
		srvConn, cliConn := newConnPair(t)

		events := make(chan gemini.ClientEvent)
		deadline := make(chan time.Time, 1)
		deadline <- time.Now()
		clientGone := make(chan struct{})
		close(clientGone)

		outcome := h.pumpForward(srvConn, events, deadline, clientGone, time.Now().Add(-time.Second))
		assert.Equal(t, "time_limit", outcome)

		msgType, data, err := cliConn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, msgType)

		var envelope sessionEndEnvelope
		require.NoError(t, json.Unmarshal(data, &envelope))
		assert.Equal(t, "Session time limit reached", envelope.SessionEnd.Reason)

		_, _, err = cliConn.ReadMessage()
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close frame, got %v", err)
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	}
}

func TestClientDisconnectBeforeFirstFrame(t *testing.T) {
	h := NewLiveHandler(testConfig(), auth.NewTokenStore(), testMetrics, logger.NewNop())

	srvConn, cliConn := newConnPair(t)
	require.NoError(t, cliConn.Close())

	// A disconnect before any frame is not a timeout; no time-limit
	// envelope is owed.
	outcome := h.runSession(context.Background(), srvConn, 60)
	assert.Equal(t, "client_disconnect", outcome)
}

func TestFirstFrameWithoutSetupIsDispatched(t *testing.T) {
	g := newGatewayFixture(t)
	conn := g.dial(t, g.tokens.Issue(60))

	// A client that skips setup gets defaults and its first frame is
	// treated as a normal utterance.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hola profesor")))

	setup := <-g.speech.setup
	assert.Nil(t, setup.Setup.SystemInstruction)

	select {
	case raw := <-g.speech.received:
		var turn gemini.ClientContentMessage
		require.NoError(t, json.Unmarshal([]byte(raw), &turn))
		require.Len(t, turn.ClientContent.Turns, 1)
		assert.Equal(t, "hola profesor", turn.ClientContent.Turns[0].Parts[0].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received the first utterance")
	}
}
