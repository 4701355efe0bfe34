package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/immergo/server/pkg/logger"
)

const (
	// DefaultHost is the default host for the Gemini API.
	DefaultHost = "generativelanguage.googleapis.com"
	// DefaultPath is the WebSocket path for BidiGenerateContent.
	DefaultPath = "/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

	// Context compression keeps long sessions alive: without it the service
	// silently stops responding once the model's context window fills.
	compressionTriggerTokens = 100000
	compressionTargetTokens  = 50000

	// outboundQueueSize bounds the merged transmit queue fed by the audio
	// and text ingress duties.
	outboundQueueSize = 100
)

// Config holds everything a LiveClient needs to reach the service.
type Config struct {
	APIKey          string
	Model           string
	Host            string
	ConnectTimeout  time.Duration
	InputSampleRate int
	// Endpoint overrides the wss URL entirely when non-empty (used by tests
	// and proxy deployments). The api key is not appended in that case.
	Endpoint string
}

// LiveClient owns one outbound connection to the Gemini Live API for the
// life of one client session. It translates and pumps traffic in both
// directions and classifies terminal conditions. It is not reusable:
// construct one per session and call Run exactly once.
type LiveClient struct {
	cfg           Config
	setupOverride json.RawMessage
	audioIn       <-chan []byte
	textIn        <-chan string
	events        chan<- ClientEvent
	logger        *logger.Logger
	dialer        *websocket.Dialer

	// ctx is the session context set when Run starts; event sends abort
	// once it is cancelled so an abandoned client cannot leak its duties.
	ctx context.Context

	stats statsTracker
}

// NewLiveClient creates a client for one session. setupOverride is the raw
// value of the client's "setup" key, or nil for defaults. The client reads
// audioIn and textIn, and emits ClientEvents on events, always finishing
// with EventClose.
func NewLiveClient(cfg Config, setupOverride json.RawMessage, audioIn <-chan []byte, textIn <-chan string, events chan<- ClientEvent, log *logger.Logger) *LiveClient {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &LiveClient{
		cfg:           cfg,
		setupOverride: setupOverride,
		audioIn:       audioIn,
		textIn:        textIn,
		events:        events,
		logger:        log.Named("gemini-live"),
		dialer:        &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
	}
}

// statsTracker accumulates session counters. Message and token counters are
// updated by the receive duty, audio counters by the audio ingress duty, so
// access is serialized with a mutex.
type statsTracker struct {
	mu              sync.Mutex
	started         time.Time
	messageCount    uint64
	audioChunksSent uint64
	promptTokens    int
	responseTokens  int
	totalTokens     int
}

func (t *statsTracker) start() {
	t.mu.Lock()
	t.started = time.Now()
	t.mu.Unlock()
}

func (t *statsTracker) incMessages() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageCount++
	return t.messageCount
}

func (t *statsTracker) incAudioChunks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audioChunksSent++
	return t.audioChunksSent
}

// setTokens records the latest cumulative usage report from the service.
func (t *statsTracker) setTokens(u *ClientUsageMetadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.promptTokens = u.PromptTokenCount
	t.responseTokens = u.ResponseTokenCount
	t.totalTokens = u.TotalTokenCount
}

func (t *statsTracker) messages() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageCount
}

func (t *statsTracker) snapshot() *SessionStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := 0.0
	if !t.started.IsZero() {
		elapsed = time.Since(t.started).Seconds()
	}
	return &SessionStats{
		MessageCount:       t.messageCount,
		AudioChunksSent:    t.audioChunksSent,
		ElapsedSeconds:     elapsed,
		TotalTokenCount:    t.totalTokens,
		PromptTokenCount:   t.promptTokens,
		ResponseTokenCount: t.responseTokens,
	}
}

// wsURL builds the Live API WebSocket URL with the api key as a query
// parameter.
func (c *LiveClient) wsURL() (string, error) {
	if c.cfg.Endpoint != "" {
		return c.cfg.Endpoint, nil
	}
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("google api key is required")
	}
	u := url.URL{Scheme: "wss", Host: c.cfg.Host, Path: DefaultPath}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects, negotiates setup, and pumps traffic until the upstream
// connection terminates or ctx is cancelled. It always emits a final
// EventClose so the gateway's forward pump knows no more events follow.
func (c *LiveClient) Run(ctx context.Context) error {
	c.ctx = ctx
	defer func() {
		c.emit(closeEvent())
		close(c.events)
	}()

	wsURL, err := c.wsURL()
	if err != nil {
		c.emit(errorEvent(fmt.Sprintf("Failed to connect to the speech service: %v", err), c.stats.snapshot()))
		return err
	}

	c.logger.Info("Connecting to Gemini Live API")
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			c.logger.Error("Gemini WebSocket handshake failed",
				logger.Int("status_code", resp.StatusCode),
				logger.String("status", resp.Status))
		}
		c.emit(errorEvent(fmt.Sprintf("Failed to connect to the speech service: %v", err), c.stats.snapshot()))
		return fmt.Errorf("failed to dial Gemini: %w", err)
	}
	defer conn.Close()
	c.logger.Info("Connected to Gemini Live API")
	c.stats.start()

	// Tear the socket down when the session context is cancelled so the
	// receive duty unblocks. The gateway cancels this context whenever the
	// session ends for any reason.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	setupMsg := c.buildSetupMessage()
	if err := conn.WriteJSON(setupMsg); err != nil {
		c.emit(errorEvent(fmt.Sprintf("Failed to configure the speech service: %v", err), c.stats.snapshot()))
		return fmt.Errorf("failed to send setup message: %w", err)
	}

	// The service acks setup with a single setupComplete message. Some
	// deployments omit the field while still functioning, so a missing or
	// malformed ack is logged and the session proceeds optimistically.
	c.awaitSetupAck(conn)

	done := make(chan struct{})
	defer close(done)

	sendCh := make(chan string, outboundQueueSize)
	go c.pumpAudioIngress(sendCh, done)
	go c.pumpTextIngress(sendCh, done)
	go c.pumpTransmit(conn, sendCh, done)

	return c.pumpReceive(conn)
}

// emit hands an event to the gateway. The events channel is buffered and
// has exactly one consumer; delivery order matters, so the send blocks
// until the gateway takes it or the session context ends.
func (c *LiveClient) emit(ev ClientEvent) {
	if c.ctx == nil {
		c.events <- ev
		return
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// awaitSetupAck reads one message and checks for setupComplete.
func (c *LiveClient) awaitSetupAck(conn *websocket.Conn) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		c.logger.Warn("No setup response received from Gemini", logger.Error(err))
		return
	}
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		c.logger.Warn("Unexpected frame type during setup", logger.Int("type", msgType))
		return
	}

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Error("Failed to parse setup response", logger.Error(err), logger.String("raw", string(data)))
		return
	}
	if msg.SetupComplete != nil {
		c.logger.Info("Gemini session setup complete")
	} else {
		c.logger.Warn("Setup response did not contain setupComplete")
	}
}

// pumpAudioIngress drains the inbound audio channel, wraps each chunk as a
// realtime input message, and enqueues it for transmission. It never
// touches the socket directly so a slow network write cannot starve the
// text ingress duty.
func (c *LiveClient) pumpAudioIngress(sendCh chan<- string, done <-chan struct{}) {
	for {
		select {
		case data, ok := <-c.audioIn:
			if !ok {
				c.logger.Debug("Audio ingress ended", logger.Uint64("chunks", c.stats.audioChunksSent))
				return
			}
			count := c.stats.incAudioChunks()
			if count%50 == 1 {
				c.logger.Debug("Forwarding audio chunk",
					logger.Uint64("chunk", count),
					logger.Int("bytes", len(data)))
			}
			msg := NewAudioInput(padPCM16(data), c.cfg.InputSampleRate)
			payload, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("Failed to marshal audio input", logger.Error(err))
				continue
			}
			select {
			case sendCh <- string(payload):
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

// pumpTextIngress drains the inbound text channel. Messages that are
// already JSON object syntax are forwarded verbatim (clients may send
// pre-built control messages such as tool responses); anything else is
// wrapped as a single-turn user message.
func (c *LiveClient) pumpTextIngress(sendCh chan<- string, done <-chan struct{}) {
	for {
		select {
		case text, ok := <-c.textIn:
			if !ok {
				return
			}
			payload := text
			if !isJSONObject(text) {
				raw, err := json.Marshal(NewTextTurn(text))
				if err != nil {
					c.logger.Error("Failed to marshal text turn", logger.Error(err))
					continue
				}
				payload = string(raw)
			}
			select {
			case sendCh <- payload:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

// pumpTransmit is the single consumer of the merged outbound queue. Writing
// through one duty guarantees ordering between audio and text relative to
// enqueue time even though they originate from two producers.
func (c *LiveClient) pumpTransmit(conn *websocket.Conn, sendCh <-chan string, done <-chan struct{}) {
	for {
		select {
		case payload := <-sendCh:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				c.logger.Debug("Upstream write failed, transmit duty ending", logger.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

// pumpReceive reads every inbound frame until the connection terminates,
// then emits the classified terminal event.
func (c *LiveClient) pumpReceive(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				c.logger.Warn("Gemini closed connection",
					logger.Int("code", closeErr.Code),
					logger.String("reason", closeErr.Text))
				c.emit(c.classifyClose(closeErr.Text))
				return nil
			}
			c.logger.Error("Gemini WebSocket error", logger.Error(err))
			c.emit(errorEvent(fmt.Sprintf("Lost connection to the speech service: %v", err), c.stats.snapshot()))
			return err
		}

		switch msgType {
		case websocket.TextMessage:
			c.handleServerMessage(data)
		case websocket.BinaryMessage:
			// The service sends JSON as binary frames. A frame that is not
			// valid UTF-8 is forwarded to the client as raw audio; this is a
			// last-resort fallback for undocumented binary framing.
			if utf8.Valid(data) {
				c.handleServerMessage(data)
			} else {
				c.logger.Warn("Received non-UTF8 binary from Gemini", logger.Int("bytes", len(data)))
				c.emit(audioEvent(padPCM16(data)))
			}
		}
	}
}

// handleServerMessage parses one inbound service message and emits the
// corresponding client events. A malformed message is logged and skipped,
// never escalated.
func (c *LiveClient) handleServerMessage(data []byte) {
	c.stats.incMessages()

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Error("Failed to parse Gemini message", logger.Error(err))
		return
	}

	if msg.ServerContent != nil {
		c.emitModelAudio(msg.ServerContent)

		if cc := toClientServerContent(msg.ServerContent); cc != nil {
			c.emitJSON(ClientEventMessage{ServerContent: cc})
		}
	}

	if msg.ToolCall != nil {
		c.emitJSON(ClientEventMessage{
			ToolCall:     toClientToolCall(msg.ToolCall),
			SessionStats: c.stats.snapshot(),
		})
	}

	if msg.UsageMetadata != nil {
		usage := toClientUsage(msg.UsageMetadata)
		c.stats.setTokens(usage)
		c.logger.Debug("Token usage",
			logger.Int("prompt", usage.PromptTokenCount),
			logger.Int("response", usage.ResponseTokenCount),
			logger.Int("total", usage.TotalTokenCount))
		c.emitJSON(ClientEventMessage{
			UsageMetadata: usage,
			SessionStats:  c.stats.snapshot(),
		})
	}
}

// emitModelAudio decodes inline audio blobs from a model turn and emits one
// Audio event per blob.
func (c *LiveClient) emitModelAudio(sc *ServerContent) {
	if sc.ModelTurn == nil {
		return
	}
	for _, part := range sc.ModelTurn.Parts {
		if part.InlineData == nil || !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			c.logger.Error("Failed to decode audio payload", logger.Error(err))
			continue
		}
		c.emit(audioEvent(padPCM16(decoded)))
	}
}

func (c *LiveClient) emitJSON(msg ClientEventMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal client event", logger.Error(err))
		return
	}
	c.emit(jsonEvent(string(payload)))
}

// contextLimitMessageThreshold is the message count above which a
// policy-worded close is treated as benign context-window exhaustion
// rather than a feature rejection. The service reuses the same close
// vocabulary for both, so a session that ran long enough to exchange this
// many messages is assumed to have simply hit its limit.
const contextLimitMessageThreshold = 100

// isContextLimitClose is the heuristic predicate behind the classification;
// kept separate so the threshold can be tuned without touching the state
// machine.
func isContextLimitClose(messageCount uint64) bool {
	return messageCount > contextLimitMessageThreshold
}

// classifyClose maps an upstream close reason to the terminal event
// reported to the client.
func (c *LiveClient) classifyClose(reason string) ClientEvent {
	stats := c.stats.snapshot()

	switch {
	case strings.Contains(reason, "Internal error"):
		return errorEvent(fmt.Sprintf("The speech service hit a transient internal error: %s. Please start a new session.", reason), stats)

	case containsAny(reason, "Policy", "not implemented", "not supported", "not enabled"):
		if isContextLimitClose(c.stats.messages()) {
			c.logger.Info("Policy-worded close after long session, treating as context limit",
				logger.Uint64("message_count", stats.MessageCount))
			return sessionEndEvent(stats)
		}
		c.logger.Error("Policy close rejected as feature incompatibility",
			logger.String("reason", reason),
			logger.Uint64("message_count", stats.MessageCount))
		return errorEvent(fmt.Sprintf("Session ended: %s. This may be due to an unsupported feature combination or API limitation.", reason), stats)

	default:
		return sessionEndEvent(stats)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isJSONObject reports whether text is well-formed JSON object syntax.
func isJSONObject(text string) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	return json.Valid([]byte(trimmed))
}

// setupOverrides mirrors the subset of the client's setup config that the
// proxy honors. Everything else the client sends is dropped.
type setupOverrides struct {
	GenerationConfig *struct {
		ResponseModalities []string      `json:"response_modalities"`
		SpeechConfig       *SpeechConfig `json:"speech_config"`
	} `json:"generation_config"`
	SystemInstruction *Content        `json:"system_instruction"`
	Tools             json.RawMessage `json:"tools"`
}

// buildSetupMessage merges built-in defaults, the client's overrides, and
// the fixed context compression policy into the session setup message. The
// compression policy is always injected regardless of client input.
func (c *LiveClient) buildSetupMessage() SetupMessage {
	model := c.cfg.Model
	if !strings.Contains(model, "/") {
		model = "models/" + model
	}

	genConfig := &GenerationConfig{
		ResponseModalities: []string{"AUDIO"},
	}
	var systemInstruction *Content
	var tools []Tool

	if len(c.setupOverride) > 0 {
		var overrides setupOverrides
		if err := json.Unmarshal(c.setupOverride, &overrides); err != nil {
			c.logger.Warn("Ignoring malformed setup override", logger.Error(err))
		} else {
			if overrides.GenerationConfig != nil {
				if len(overrides.GenerationConfig.ResponseModalities) > 0 {
					genConfig.ResponseModalities = overrides.GenerationConfig.ResponseModalities
				}
				if overrides.GenerationConfig.SpeechConfig != nil {
					genConfig.SpeechConfig = overrides.GenerationConfig.SpeechConfig
				}
			}
			if overrides.SystemInstruction != nil {
				systemInstruction = overrides.SystemInstruction
			}
			tools = parseToolOverride(overrides.Tools)
		}
	}

	c.logger.Info("Setup config",
		logger.String("model", model),
		logger.Bool("has_tools", len(tools) > 0),
		logger.Bool("has_system_instruction", systemInstruction != nil))

	return SetupMessage{
		Setup: SetupConfig{
			Model:             model,
			GenerationConfig:  genConfig,
			SystemInstruction: systemInstruction,
			Tools:             tools,
			ContextWindowCompression: &ContextWindowCompression{
				TriggerTokens: compressionTriggerTokens,
				SlidingWindow: SlidingWindow{TargetTokens: compressionTargetTokens},
			},
		},
	}
}

// parseToolOverride accepts either a tool list or a single tool object,
// since clients have historically sent both shapes.
func parseToolOverride(raw json.RawMessage) []Tool {
	if len(raw) == 0 {
		return nil
	}
	var list []Tool
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single Tool
	if err := json.Unmarshal(raw, &single); err == nil {
		return []Tool{single}
	}
	return nil
}
