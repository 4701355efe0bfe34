package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/immergo/server/internal/auth"
	"github.com/immergo/server/internal/config"
	"github.com/immergo/server/internal/gemini"
	"github.com/immergo/server/internal/observability"
	"github.com/immergo/server/pkg/logger"
)

// ingressQueueSize bounds the per-session channels between the gateway's
// receive duty and the upstream client's ingress duties.
const ingressQueueSize = 100

// closeWriteTimeout caps how long a close frame write may block on a
// client that has stopped reading.
const closeWriteTimeout = 2 * time.Second

// LiveHandler owns the realtime session WebSocket endpoint. Each accepted
// connection becomes one session: a gateway side facing the browser and an
// upstream client facing the speech service, joined by channels.
type LiveHandler struct {
	config  *config.Config
	tokens  *auth.TokenStore
	metrics *observability.Metrics
	logger  *logger.Logger

	upgrader websocket.Upgrader

	// UpstreamEndpoint overrides the speech service URL when non-empty.
	// Tests point it at a local fake.
	UpstreamEndpoint string
}

// NewLiveHandler creates the realtime session handler.
func NewLiveHandler(cfg *config.Config, tokens *auth.TokenStore, metrics *observability.Metrics, log *logger.Logger) *LiveHandler {
	h := &LiveHandler{
		config:  cfg,
		tokens:  tokens,
		metrics: metrics,
		logger:  log.Named("live-session"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range cfg.Server.CORSAllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// errorEnvelope is the JSON frame sent to the client on a fatal session
// error, always followed by a close frame.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string               `json:"message"`
	Code    string               `json:"code"`
	Stats   *gemini.SessionStats `json:"stats,omitempty"`
}

// sessionEndEnvelope is the JSON frame sent on benign termination.
type sessionEndEnvelope struct {
	SessionEnd sessionEndBody `json:"sessionEnd"`
}

type sessionEndBody struct {
	Reason string               `json:"reason,omitempty"`
	Stats  *gemini.SessionStats `json:"stats,omitempty"`
}

// ServeSession authenticates the token, upgrades the connection, and runs
// the session to completion.
func (h *LiveHandler) ServeSession(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing session token", http.StatusUnauthorized)
		return
	}

	durationSecs, err := h.tokens.Consume(token)
	if err != nil {
		h.logger.Warn("Rejected session with invalid token")
		http.Error(w, "Invalid or expired session token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade session connection", logger.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.ActiveSessions.Inc()
	defer h.metrics.ActiveSessions.Dec()

	h.logger.Info("Session started",
		logger.Int("duration_secs", durationSecs),
		logger.String("remote_addr", r.RemoteAddr))

	outcome := h.runSession(r.Context(), conn, durationSecs)
	h.metrics.SessionOutcomes.WithLabelValues(outcome).Inc()

	h.logger.Info("Session finished", logger.String("outcome", outcome))
}

// runSession owns one session end to end. Returns the outcome label.
//
// The session has a hard deadline: the read deadline on the client socket
// and the forward pump's timer both fire at the same instant, so whichever
// duty is blocked at that moment unblocks and tears the session down.
func (h *LiveHandler) runSession(parent context.Context, clientConn *websocket.Conn, durationSecs int) string {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sessionDeadline := time.Now().Add(time.Duration(durationSecs) * time.Second)
	clientConn.SetReadDeadline(sessionDeadline)

	// The first client frame may carry setup overrides. Anything else is
	// treated as a normal frame and dispatched once the pumps are running.
	override, pending, err := h.readSetupFrame(clientConn)
	if err != nil {
		if isTimeout(err) {
			// Client sent nothing for the whole session.
			h.writeTimeLimit(clientConn)
			return "no_traffic"
		}
		h.logger.Debug("Client disconnected before sending any frames", logger.Error(err))
		return "client_disconnect"
	}

	audioCh := make(chan []byte, ingressQueueSize)
	textCh := make(chan string, ingressQueueSize)
	events := make(chan gemini.ClientEvent, ingressQueueSize)

	upstream := gemini.NewLiveClient(gemini.Config{
		APIKey:          h.config.Gemini.APIKey,
		Model:           h.config.Gemini.Model,
		Host:            h.config.Gemini.Host,
		ConnectTimeout:  time.Duration(h.config.Gemini.ConnectTimeoutSecs) * time.Second,
		InputSampleRate: h.config.Session.InputSampleRate,
		Endpoint:        h.UpstreamEndpoint,
	}, override, audioCh, textCh, events, h.logger)

	go upstream.Run(ctx)

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		defer close(audioCh)
		defer close(textCh)
		if pending != nil {
			h.dispatchClientFrame(ctx, pending.msgType, pending.data, audioCh, textCh)
		}
		h.pumpClientReceive(ctx, clientConn, audioCh, textCh)
	}()

	deadline := time.NewTimer(time.Until(sessionDeadline))
	defer deadline.Stop()

	outcome := h.pumpForward(clientConn, events, deadline.C, clientGone, sessionDeadline)

	// Cancelling the context closes the upstream socket, which unwinds the
	// upstream client's duties and, through the channel closes, the rest.
	cancel()
	for range events {
	}
	return outcome
}

// clientFrame is a frame read before the pumps started.
type clientFrame struct {
	msgType int
	data    []byte
}

// readSetupFrame reads the client's first frame. A text frame whose JSON
// carries a "setup" key supplies the session overrides; any other frame is
// returned for normal dispatch. A malformed first frame is logged and the
// session proceeds with defaults.
func (h *LiveHandler) readSetupFrame(conn *websocket.Conn) (json.RawMessage, *clientFrame, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, err
	}

	if msgType != websocket.TextMessage {
		return nil, &clientFrame{msgType: msgType, data: data}, nil
	}

	var first struct {
		Setup json.RawMessage `json:"setup"`
	}
	if err := json.Unmarshal(data, &first); err != nil || len(first.Setup) == 0 {
		// Not a setup frame; the session runs with defaults and the frame
		// is dispatched normally.
		h.logger.Debug("First frame carried no session config")
		return nil, &clientFrame{msgType: msgType, data: data}, nil
	}

	h.logger.Debug("Received session config from client", logger.Int("bytes", len(first.Setup)))
	return first.Setup, nil, nil
}

// pumpClientReceive reads client frames until the connection errors (which
// includes hitting the session read deadline) and routes them inbound:
// binary frames are audio, text frames are utterances or pre-built control
// messages.
func (h *LiveHandler) pumpClientReceive(ctx context.Context, conn *websocket.Conn, audioCh chan<- []byte, textCh chan<- string) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Client receive duty ending", logger.Error(err))
			}
			return
		}
		if !h.dispatchClientFrame(ctx, msgType, data, audioCh, textCh) {
			return
		}
	}
}

// dispatchClientFrame routes one client frame. Returns false when the
// session context ended while the frame was waiting for queue space.
func (h *LiveHandler) dispatchClientFrame(ctx context.Context, msgType int, data []byte, audioCh chan<- []byte, textCh chan<- string) bool {
	switch msgType {
	case websocket.BinaryMessage:
		h.metrics.WSMessages.WithLabelValues("client_in", "audio").Inc()
		select {
		case audioCh <- data:
		case <-ctx.Done():
			return false
		}
	case websocket.TextMessage:
		h.metrics.WSMessages.WithLabelValues("client_in", "text").Inc()
		select {
		case textCh <- string(data):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// pumpForward is the single writer on the client socket. It delivers
// upstream events until the terminal Close event, the session deadline, or
// the client going away, and returns the outcome label.
func (h *LiveHandler) pumpForward(conn *websocket.Conn, events <-chan gemini.ClientEvent, deadline <-chan time.Time, clientGone <-chan struct{}, sessionDeadline time.Time) string {
	outcome := "upstream_closed"
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// The upstream client closes the channel only after its final
				// Close event, so this is an abandoned-session drain.
				return outcome
			}
			switch ev.Kind {
			case gemini.EventAudio:
				h.metrics.WSMessages.WithLabelValues("client_out", "audio").Inc()
				if err := conn.WriteMessage(websocket.BinaryMessage, ev.Audio); err != nil {
					return "client_write_failed"
				}

			case gemini.EventJSON:
				h.metrics.WSMessages.WithLabelValues("client_out", "json").Inc()
				if err := conn.WriteMessage(websocket.TextMessage, []byte(ev.JSON)); err != nil {
					return "client_write_failed"
				}

			case gemini.EventError:
				h.metrics.UpstreamCloses.WithLabelValues("error").Inc()
				outcome = "error"
				h.writeEnvelope(conn, errorEnvelope{Error: errorBody{
					Message: ev.Error,
					Code:    "SESSION_ERROR",
					Stats:   ev.Stats,
				}})

			case gemini.EventSessionEnd:
				h.metrics.UpstreamCloses.WithLabelValues("session_end").Inc()
				outcome = "session_end"
				h.writeEnvelope(conn, sessionEndEnvelope{SessionEnd: sessionEndBody{Stats: ev.Stats}})

			case gemini.EventClose:
				h.writeClose(conn, websocket.CloseNormalClosure, "session complete")
				return outcome
			}

		case <-deadline:
			h.logger.Info("Session time limit reached")
			h.writeTimeLimit(conn)
			return "time_limit"

		case <-clientGone:
			// The client socket's read deadline fires at the same instant as
			// the timer, so a receive-duty exit at expiry is the deadline in
			// disguise and still owes the client its terminal envelope.
			if !time.Now().Before(sessionDeadline) {
				h.logger.Info("Session time limit reached")
				h.writeTimeLimit(conn)
				return "time_limit"
			}
			h.logger.Debug("Client disconnected")
			return "client_disconnect"
		}
	}
}

// writeEnvelope serializes and sends one JSON envelope; failures are logged
// only, since the session is already terminating.
func (h *LiveHandler) writeEnvelope(conn *websocket.Conn, envelope interface{}) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("Failed to marshal session envelope", logger.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.logger.Debug("Failed to send session envelope", logger.Error(err))
	}
}

// writeTimeLimit sends the time-limit envelope followed by a normal close.
func (h *LiveHandler) writeTimeLimit(conn *websocket.Conn) {
	h.writeEnvelope(conn, sessionEndEnvelope{
		SessionEnd: sessionEndBody{Reason: "Session time limit reached"},
	})
	h.writeClose(conn, websocket.CloseNormalClosure, "time limit")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (h *LiveHandler) writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		h.logger.Debug("Failed to send close frame", logger.Error(err))
	}
}
