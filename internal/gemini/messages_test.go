package gemini

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadPCM16(t *testing.T) {
	assert.Equal(t, []byte{1, 2, 3, 0}, padPCM16([]byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2}, padPCM16([]byte{1, 2}))
	assert.Empty(t, padPCM16(nil))
	assert.Equal(t, []byte{7, 0}, padPCM16([]byte{7}))
}

func TestNewAudioInput(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0x04}
	msg := NewAudioInput(raw, 16000)

	require.NotNil(t, msg.RealtimeInput.Audio)
	assert.Equal(t, "audio/pcm;rate=16000", msg.RealtimeInput.Audio.MIMEType)

	decoded, err := base64.StdEncoding.DecodeString(msg.RealtimeInput.Audio.Data)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"realtime_input"`)
	assert.Contains(t, string(payload), `"mime_type"`)
}

func TestNewTextTurn(t *testing.T) {
	msg := NewTextTurn("hello")

	require.Len(t, msg.ClientContent.Turns, 1)
	turn := msg.ClientContent.Turns[0]
	assert.Equal(t, "user", turn.Role)
	require.Len(t, turn.Parts, 1)
	assert.Equal(t, "hello", turn.Parts[0].Text)
	assert.True(t, msg.ClientContent.TurnComplete)

	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"client_content"`)
	assert.Contains(t, string(payload), `"turn_complete":true`)
}

func TestParseServerMessageWithAudio(t *testing.T) {
	raw := `{
		"serverContent": {
			"modelTurn": {
				"parts": [
					{"inlineData": {"mimeType": "audio/pcm;rate=24000", "data": "AAEC"}},
					{"text": "spoken text"}
				]
			},
			"turnComplete": true
		}
	}`

	var msg ServerMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	require.NotNil(t, msg.ServerContent)
	require.NotNil(t, msg.ServerContent.ModelTurn)
	require.Len(t, msg.ServerContent.ModelTurn.Parts, 2)
	assert.Equal(t, "audio/pcm;rate=24000", msg.ServerContent.ModelTurn.Parts[0].InlineData.MIMEType)
	assert.Equal(t, "spoken text", msg.ServerContent.ModelTurn.Parts[1].Text)
	require.NotNil(t, msg.ServerContent.TurnComplete)
	assert.True(t, *msg.ServerContent.TurnComplete)
}

func TestParseSetupComplete(t *testing.T) {
	var msg ServerMessage
	require.NoError(t, json.Unmarshal([]byte(`{"setupComplete": {}}`), &msg))
	assert.NotNil(t, msg.SetupComplete)

	var other ServerMessage
	require.NoError(t, json.Unmarshal([]byte(`{"serverContent": {}}`), &other))
	assert.Nil(t, other.SetupComplete)
}

func TestToClientServerContent(t *testing.T) {
	truth := true

	t.Run("transcriptions are forwarded as finished", func(t *testing.T) {
		out := toClientServerContent(&ServerContent{
			InputTranscription:  &Transcription{Text: "bonjour"},
			OutputTranscription: &Transcription{Text: "hello"},
		})
		require.NotNil(t, out)
		assert.Equal(t, "bonjour", out.InputTranscription.Text)
		assert.True(t, out.InputTranscription.Finished)
		assert.Equal(t, "hello", out.OutputTranscription.Text)
	})

	t.Run("status flags are forwarded when set", func(t *testing.T) {
		out := toClientServerContent(&ServerContent{TurnComplete: &truth, Interrupted: &truth})
		require.NotNil(t, out)
		assert.True(t, *out.TurnComplete)
		assert.True(t, *out.Interrupted)
	})

	t.Run("audio-only content yields nothing", func(t *testing.T) {
		out := toClientServerContent(&ServerContent{
			ModelTurn: &ModelTurn{Parts: []ResponsePart{
				{InlineData: &ResponseBlob{MIMEType: "audio/pcm", Data: "AAEC"}},
			}},
		})
		assert.Nil(t, out)
	})

	t.Run("false flags yield nothing", func(t *testing.T) {
		falsehood := false
		out := toClientServerContent(&ServerContent{TurnComplete: &falsehood})
		assert.Nil(t, out)
	})

	t.Run("nil in nil out", func(t *testing.T) {
		assert.Nil(t, toClientServerContent(nil))
	})
}

func TestToClientToolCall(t *testing.T) {
	args := json.RawMessage(`{"word":"gato"}`)
	out := toClientToolCall(&ToolCall{FunctionCalls: []FunctionCall{
		{Name: "lookup_word", ID: "call-1", Args: args},
	}})

	require.NotNil(t, out)
	require.Len(t, out.FunctionCalls, 1)
	assert.Equal(t, "lookup_word", out.FunctionCalls[0].Name)
	assert.Equal(t, "call-1", out.FunctionCalls[0].ID)
	assert.JSONEq(t, `{"word":"gato"}`, string(out.FunctionCalls[0].Args))
}

func TestToClientUsage(t *testing.T) {
	prompt, total := 120, 340
	out := toClientUsage(&UsageMetadata{PromptTokenCount: &prompt, TotalTokenCount: &total})

	require.NotNil(t, out)
	assert.Equal(t, 120, out.PromptTokenCount)
	// Missing fields default to zero rather than being invented.
	assert.Equal(t, 0, out.ResponseTokenCount)
	assert.Equal(t, 340, out.TotalTokenCount)

	assert.Nil(t, toClientUsage(nil))
}

func TestClientEventMessageOmitsEmptyFields(t *testing.T) {
	payload, err := json.Marshal(ClientEventMessage{
		UsageMetadata: &ClientUsageMetadata{TotalTokenCount: 10},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "serverContent")
	assert.NotContains(t, string(payload), "toolCall")
	assert.Contains(t, string(payload), `"usageMetadata"`)
}
