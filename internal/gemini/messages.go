package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Three wire vocabularies meet in this file and nowhere else:
//
//   - messages sent to the Live API use snake_case field names
//   - messages received from the Live API arrive in camelCase
//   - events forwarded to the browser client use their own, deliberately
//     narrower camelCase schema
//
// The conversions between them are total and lossy: fields the client
// vocabulary does not model are dropped, and optional fields absent on the
// wire stay nil rather than being defaulted.

// -- Service-bound messages (snake_case) --

// SetupMessage is the first message sent on a Live API connection.
type SetupMessage struct {
	Setup SetupConfig `json:"setup"`
}

// SetupConfig carries the session configuration negotiated at connect time.
type SetupConfig struct {
	Model                    string                    `json:"model"`
	GenerationConfig         *GenerationConfig         `json:"generation_config,omitempty"`
	SystemInstruction        *Content                  `json:"system_instruction,omitempty"`
	Tools                    []Tool                    `json:"tools,omitempty"`
	ContextWindowCompression *ContextWindowCompression `json:"context_window_compression,omitempty"`
}

// ContextWindowCompression configures server-side context compression.
// Without it, long sessions silently fail once the model's context fills.
type ContextWindowCompression struct {
	TriggerTokens int           `json:"trigger_tokens"`
	SlidingWindow SlidingWindow `json:"sliding_window"`
}

// SlidingWindow is the target size the context is compressed down to.
type SlidingWindow struct {
	TargetTokens int `json:"target_tokens"`
}

// GenerationConfig mirrors the Live API generation settings subtree.
type GenerationConfig struct {
	ResponseModalities []string      `json:"response_modalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speech_config,omitempty"`
}

// SpeechConfig selects the synthesis voice.
type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voice_config,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuilt_voice_config,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

// Content is a conversation turn sent to the service.
type Content struct {
	Parts []InputPart `json:"parts"`
	Role  string      `json:"role,omitempty"`
}

// InputPart is one part of a service-bound turn.
type InputPart struct {
	Text       string     `json:"text,omitempty"`
	InlineData *InputBlob `json:"inline_data,omitempty"`
}

// InputBlob is a base64-encoded media payload tagged with a MIME type.
type InputBlob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Tool declares functions the model may call.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"function_declarations,omitempty"`
}

type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// RealtimeInputMessage streams audio or video to the service.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtime_input"`
}

type RealtimeInput struct {
	Audio *InputBlob `json:"audio,omitempty"`
	Video *InputBlob `json:"video,omitempty"`
}

// NewAudioInput wraps a raw PCM16 chunk as a realtime input message tagged
// with the given sample rate.
func NewAudioInput(data []byte, sampleRate int) RealtimeInputMessage {
	return RealtimeInputMessage{
		RealtimeInput: RealtimeInput{
			Audio: &InputBlob{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
				Data:     base64.StdEncoding.EncodeToString(data),
			},
		},
	}
}

// ClientContentMessage sends free text as a complete conversation turn.
type ClientContentMessage struct {
	ClientContent ClientContent `json:"client_content"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turn_complete"`
}

// NewTextTurn wraps plain utterance text as a single-turn user message.
func NewTextTurn(text string) ClientContentMessage {
	return ClientContentMessage{
		ClientContent: ClientContent{
			Turns: []Content{{
				Parts: []InputPart{{Text: text}},
				Role:  "user",
			}},
			TurnComplete: true,
		},
	}
}

// -- Service-inbound messages (camelCase) --

// ServerMessage is the envelope for every message received from the Live API.
// All sub-fields are optional; a message may carry any combination.
type ServerMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *ServerContent   `json:"serverContent,omitempty"`
	ToolCall      *ToolCall        `json:"toolCall,omitempty"`
	UsageMetadata *UsageMetadata   `json:"usageMetadata,omitempty"`
}

// ServerContent carries model output and turn status flags.
type ServerContent struct {
	ModelTurn           *ModelTurn     `json:"modelTurn,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	TurnComplete        *bool          `json:"turnComplete,omitempty"`
	Interrupted         *bool          `json:"interrupted,omitempty"`
	GenerationComplete  *bool          `json:"generationComplete,omitempty"`
}

type ModelTurn struct {
	Parts []ResponsePart `json:"parts"`
}

// ResponsePart is one part of a model turn: text, inline media, or both.
type ResponsePart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *ResponseBlob `json:"inlineData,omitempty"`
}

type ResponseBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Transcription struct {
	Text string `json:"text"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall round-trips opaquely between the service and the client;
// args are never interpreted here.
type FunctionCall struct {
	Name string          `json:"name"`
	ID   string          `json:"id"`
	Args json.RawMessage `json:"args,omitempty"`
}

// UsageMetadata reports cumulative token counts for the session so far.
type UsageMetadata struct {
	PromptTokenCount   *int `json:"promptTokenCount,omitempty"`
	ResponseTokenCount *int `json:"responseTokenCount,omitempty"`
	TotalTokenCount    *int `json:"totalTokenCount,omitempty"`
}

// -- Client-bound events (camelCase, narrowed) --

// ClientEventMessage is the JSON envelope forwarded to the browser client.
// It is intentionally narrower than the service schema so upstream schema
// churn does not leak into the client.
type ClientEventMessage struct {
	ServerContent *ClientServerContent `json:"serverContent,omitempty"`
	ToolCall      *ClientToolCall      `json:"toolCall,omitempty"`
	UsageMetadata *ClientUsageMetadata `json:"usageMetadata,omitempty"`
	SessionStats  *SessionStats        `json:"sessionStats,omitempty"`
}

type ClientServerContent struct {
	InputTranscription  *ClientTranscription `json:"inputTranscription,omitempty"`
	OutputTranscription *ClientTranscription `json:"outputTranscription,omitempty"`
	TurnComplete        *bool                `json:"turnComplete,omitempty"`
	Interrupted         *bool                `json:"interrupted,omitempty"`
}

type ClientTranscription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished"`
}

type ClientToolCall struct {
	FunctionCalls []ClientFunctionCall `json:"functionCalls"`
}

type ClientFunctionCall struct {
	Name string          `json:"name"`
	ID   string          `json:"id"`
	Args json.RawMessage `json:"args,omitempty"`
}

// toClientServerContent narrows service content to the client vocabulary.
// Returns nil when nothing the client models is present (audio parts are
// delivered separately as binary frames).
func toClientServerContent(sc *ServerContent) *ClientServerContent {
	if sc == nil {
		return nil
	}

	out := &ClientServerContent{}
	hasEvent := false

	if sc.InputTranscription != nil {
		out.InputTranscription = &ClientTranscription{Text: sc.InputTranscription.Text, Finished: true}
		hasEvent = true
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscription = &ClientTranscription{Text: sc.OutputTranscription.Text, Finished: true}
		hasEvent = true
	}
	if sc.TurnComplete != nil && *sc.TurnComplete {
		out.TurnComplete = sc.TurnComplete
		hasEvent = true
	}
	if sc.Interrupted != nil && *sc.Interrupted {
		out.Interrupted = sc.Interrupted
		hasEvent = true
	}

	if !hasEvent {
		return nil
	}
	return out
}

// toClientToolCall echoes a tool call into the client vocabulary.
func toClientToolCall(tc *ToolCall) *ClientToolCall {
	if tc == nil {
		return nil
	}
	calls := make([]ClientFunctionCall, 0, len(tc.FunctionCalls))
	for _, fc := range tc.FunctionCalls {
		calls = append(calls, ClientFunctionCall{Name: fc.Name, ID: fc.ID, Args: fc.Args})
	}
	return &ClientToolCall{FunctionCalls: calls}
}

// ClientUsageMetadata is the token usage report forwarded to the client.
type ClientUsageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount"`
	ResponseTokenCount int `json:"responseTokenCount"`
	TotalTokenCount    int `json:"totalTokenCount"`
}

func toClientUsage(u *UsageMetadata) *ClientUsageMetadata {
	if u == nil {
		return nil
	}
	out := &ClientUsageMetadata{}
	if u.PromptTokenCount != nil {
		out.PromptTokenCount = *u.PromptTokenCount
	}
	if u.ResponseTokenCount != nil {
		out.ResponseTokenCount = *u.ResponseTokenCount
	}
	if u.TotalTokenCount != nil {
		out.TotalTokenCount = *u.TotalTokenCount
	}
	return out
}

// padPCM16 normalizes a decoded PCM16 payload to an even byte count.
// Browser-side Int16Array views require the buffer length to be a multiple
// of two, so an odd-length payload gets one zero byte appended.
func padPCM16(data []byte) []byte {
	if len(data)%2 != 0 {
		return append(data, 0)
	}
	return data
}
