package realtime

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/notewave/realtime/shared"
)

// Client event types sent over the data channel.
const (
	ClientEventTypeSessionUpdate          = "session.update"
	ClientEventTypeInputAudioBufferAppend = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate = "conversation.item.create"
	ClientEventTypeResponseCreate         = "response.create"
)

// Server event types the session reacts to by name. Audio deltas and
// transcription events are matched by suffix, see DecodeInbound.
const (
	ServerEventTypeResponseDone            = "response.done"
	ServerEventTypeResponseOutputItemDone  = "response.output_item.done"
	ServerEventTypeFunctionCallArgsDoneSfx = ".function_call_arguments.done"
	ServerEventTypeAudioDeltaSfx           = ".audio.delta"
	ServerEventTypeInputTranscriptDoneSfx  = ".input_audio_transcription.completed"
)

// TurnDetection describes server-side voice activity detection. A nil
// TurnDetection on the wire means manual (push-to-talk) turn taking.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

// DefaultTurnDetection is applied when the session runs in continuous mode.
func DefaultTurnDetection() *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
		CreateResponse:    true,
	}
}

// SessionConfig is the session.update payload minus the parts the session
// machine owns (instructions and turn detection, which depend on the current
// document context and voice mode).
type SessionConfig struct {
	Modalities         []string       `json:"modalities"`
	Voice              string         `json:"voice"`
	ResponseFormat     string         `json:"response_format"`
	InputAudioFormat   string         `json:"input_audio_format"`
	OutputAudioFormat  string         `json:"output_audio_format"`
	AudioSampleRate    int            `json:"audio_sample_rate"`
	AudioBitDepth      int            `json:"audio_bit_depth"`
	TranscriptionModel string         `json:"transcription_model"`
	TurnDetection      *TurnDetection `json:"turn_detection,omitempty"`
}

// DefaultSessionConfig matches the audio profile negotiated by the transport.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Modalities:         []string{"text", "audio"},
		Voice:              "alloy",
		ResponseFormat:     "text",
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		AudioSampleRate:    24000,
		AudioBitDepth:      16,
		TranscriptionModel: "whisper-1",
	}
}

// EncodeSessionUpdate frames a session.update. Instructions carry the
// (possibly truncated) document context; continuous selects server VAD,
// otherwise turn_detection is an explicit null so the remote end switches to
// manual commits.
func EncodeSessionUpdate(cfg *SessionConfig, instructions string, continuous bool) ([]byte, error) {
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	session := map[string]any{
		"modalities":          cfg.Modalities,
		"instructions":        instructions,
		"voice":               cfg.Voice,
		"response_format":     cfg.ResponseFormat,
		"input_audio_format":  cfg.InputAudioFormat,
		"output_audio_format": cfg.OutputAudioFormat,
		"audio_sample_rate":   cfg.AudioSampleRate,
		"audio_bit_depth":     cfg.AudioBitDepth,
		"input_audio_transcription": map[string]any{
			"model": cfg.TranscriptionModel,
		},
		"turn_detection": nil,
	}
	if continuous {
		td := cfg.TurnDetection
		if td == nil {
			td = DefaultTurnDetection()
		}
		session["turn_detection"] = td
	}
	return sonic.Marshal(map[string]any{
		"type":    ClientEventTypeSessionUpdate,
		"session": session,
	})
}

func EncodeBufferClear() ([]byte, error) {
	return sonic.Marshal(map[string]any{"type": ClientEventTypeInputAudioBufferClear})
}

func EncodeBufferAppend(audioB64 string) ([]byte, error) {
	if audioB64 == "" {
		return nil, shared.ErrEmptyFrame
	}
	return sonic.Marshal(map[string]any{
		"type":  ClientEventTypeInputAudioBufferAppend,
		"audio": audioB64,
	})
}

func EncodeBufferCommit() ([]byte, error) {
	return sonic.Marshal(map[string]any{"type": ClientEventTypeInputAudioBufferCommit})
}

// EncodeTextItem frames a user text message as a conversation item.
func EncodeTextItem(text string) ([]byte, error) {
	if text == "" {
		return nil, shared.ErrEmptyFrame
	}
	return sonic.Marshal(map[string]any{
		"type": ClientEventTypeConversationItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// EncodeFunctionOutput frames the result of a locally executed function call.
func EncodeFunctionOutput(callID, output string) ([]byte, error) {
	if callID == "" {
		return nil, fmt.Errorf("function output: missing call id")
	}
	return sonic.Marshal(map[string]any{
		"type": ClientEventTypeConversationItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

func EncodeResponseCreate() ([]byte, error) {
	return sonic.Marshal(map[string]any{"type": ClientEventTypeResponseCreate})
}

// InboundKind is the routing category of a decoded server frame.
type InboundKind int

const (
	KindIgnored InboundKind = iota
	KindAudioDelta
	KindFunctionCall
	KindUserTranscript
	KindAgentTranscript
	KindOutputItemDone
	KindLoggable
)

// InboundEvent is one decoded server frame. Only the fields relevant to its
// Kind are populated; Raw always holds the full parsed object.
type InboundEvent struct {
	Type         string
	Kind         InboundKind
	AudioDelta   string
	Transcript   string
	FunctionName string
	FunctionArgs string
	CallID       string
	Item         map[string]any
	Raw          map[string]any
}

// loggableTypes is the allow-list of server events passed through to the
// generic message observer when no dedicated route matches.
var loggableTypes = map[string]struct{}{
	"error":                             {},
	"session.created":                   {},
	"session.updated":                   {},
	"input_audio_buffer.committed":      {},
	"input_audio_buffer.cleared":        {},
	"input_audio_buffer.speech_started": {},
	"input_audio_buffer.speech_stopped": {},
	"output_audio_buffer.started":       {},
	"output_audio_buffer.stopped":       {},
	"response.created":                  {},
	"rate_limits.updated":               {},
}

// DecodeInbound classifies a server frame by its type tag. A decode error
// means the frame is malformed; callers log and drop it, never surface it.
func DecodeInbound(frame []byte) (*InboundEvent, error) {
	if len(frame) == 0 {
		return nil, shared.ErrEmptyFrame
	}
	var raw map[string]any
	if err := sonic.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling frame: %w", err)
	}
	typ, ok := raw["type"].(string)
	if !ok || typ == "" {
		return nil, shared.ErrMissingType
	}
	ev := &InboundEvent{Type: typ, Raw: raw}
	switch {
	case strings.HasSuffix(typ, ServerEventTypeAudioDeltaSfx):
		delta, ok := raw["delta"].(string)
		if !ok {
			return nil, fmt.Errorf("%s: missing delta", typ)
		}
		ev.Kind = KindAudioDelta
		ev.AudioDelta = delta
	case strings.HasSuffix(typ, ServerEventTypeFunctionCallArgsDoneSfx):
		name, _ := raw["name"].(string)
		args, ok := raw["arguments"].(string)
		if !ok {
			return nil, fmt.Errorf("%s: missing arguments", typ)
		}
		ev.Kind = KindFunctionCall
		ev.FunctionName = name
		ev.FunctionArgs = args
		ev.CallID, _ = raw["call_id"].(string)
	case strings.HasSuffix(typ, ServerEventTypeInputTranscriptDoneSfx):
		transcript, ok := raw["transcript"].(string)
		if !ok {
			return nil, fmt.Errorf("%s: missing transcript", typ)
		}
		ev.Kind = KindUserTranscript
		ev.Transcript = transcript
	case typ == ServerEventTypeResponseDone:
		ev.Kind = KindAgentTranscript
		ev.Transcript = responseTranscript(raw)
	case typ == ServerEventTypeResponseOutputItemDone:
		item, ok := raw["item"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: missing item", typ)
		}
		ev.Kind = KindOutputItemDone
		ev.Item = item
	default:
		if _, ok := loggableTypes[typ]; ok {
			ev.Kind = KindLoggable
		}
	}
	return ev, nil
}

// responseTranscript walks response.output[].content[] and returns the first
// transcript found, empty when the response carried none.
func responseTranscript(raw map[string]any) string {
	response, ok := raw["response"].(map[string]any)
	if !ok {
		return ""
	}
	output, ok := response["output"].([]any)
	if !ok {
		return ""
	}
	for _, o := range output {
		item, ok := o.(map[string]any)
		if !ok {
			continue
		}
		content, ok := item["content"].([]any)
		if !ok {
			continue
		}
		for _, c := range content {
			part, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if transcript, ok := part["transcript"].(string); ok && transcript != "" {
				return transcript
			}
		}
	}
	return ""
}
