// Package wire implements the JSON message schema spoken by the remote
// conversational agent. Inbound frames are type-tagged JSON; outbound
// frames are the small set of control and audio messages the agent accepts.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies one member of the inbound event union.
type EventKind string

const (
	KindAudio      EventKind = "audio"
	KindTranscript EventKind = "transcript"
	KindLifecycle  EventKind = "lifecycle"
	KindKeepalive  EventKind = "keepalive"
	KindError      EventKind = "error"
)

// Kinds lists every event kind, in a stable order.
func Kinds() []EventKind {
	return []EventKind{KindAudio, KindTranscript, KindLifecycle, KindKeepalive, KindError}
}

// Role attributes a transcript fragment to one side of the conversation.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	// RoleSystem marks fallback lines folded from unrecognized frames.
	RoleSystem Role = "system"
)

// Phase is carried by lifecycle signals.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
)

// Event is the closed union of inbound events.
type Event interface {
	Kind() EventKind
}

// AudioChunk carries raw agent audio bytes, already base64-decoded.
type AudioChunk struct {
	Data []byte
}

func (AudioChunk) Kind() EventKind { return KindAudio }

// TranscriptFragment is one unit of recognized or generated text.
type TranscriptFragment struct {
	Role Role
	Text string
}

func (TranscriptFragment) Kind() EventKind { return KindTranscript }

// LifecycleSignal marks conversation start or end as reported by the agent.
type LifecycleSignal struct {
	Phase Phase
}

func (LifecycleSignal) Kind() EventKind { return KindLifecycle }

// Keepalive is an inbound ping. The matching pong must echo EventID and be
// sent no earlier than Delay after the ping was observed.
type Keepalive struct {
	EventID int
	Delay   time.Duration
}

func (Keepalive) Kind() EventKind { return KindKeepalive }

// ErrorEvent reports a transport-level failure. Permanent means the
// connection will not recover on its own.
type ErrorEvent struct {
	Err       error
	Permanent bool
}

func (ErrorEvent) Kind() EventKind { return KindError }

// inboundFrame covers every recognized inbound JSON shape.
type inboundFrame struct {
	Type      string `json:"type"`
	PingEvent *struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`
	AudioEvent *struct {
		Audio string `json:"audio"`
	} `json:"audio_event,omitempty"`
}

// DecodeText parses a type-tagged JSON frame into an inbound event.
// Unrecognized tags are folded into a system transcript fragment rather
// than dropped, so nothing the agent says disappears silently.
func DecodeText(data []byte) (Event, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame missing type tag")
	}

	switch frame.Type {
	case "ping":
		if frame.PingEvent == nil {
			return nil, fmt.Errorf("ping frame missing ping_event")
		}
		return Keepalive{
			EventID: frame.PingEvent.EventID,
			Delay:   time.Duration(frame.PingEvent.PingMs) * time.Millisecond,
		}, nil
	case "user_transcript":
		if frame.UserTranscriptionEvent == nil {
			return nil, fmt.Errorf("user_transcript frame missing user_transcription_event")
		}
		return TranscriptFragment{Role: RoleUser, Text: frame.UserTranscriptionEvent.UserTranscript}, nil
	case "agent_response":
		if frame.AgentResponseEvent == nil {
			return nil, fmt.Errorf("agent_response frame missing agent_response_event")
		}
		return TranscriptFragment{Role: RoleAgent, Text: frame.AgentResponseEvent.AgentResponse}, nil
	case "audio":
		if frame.AudioEvent == nil {
			return nil, fmt.Errorf("audio frame missing audio_event")
		}
		raw, err := base64.StdEncoding.DecodeString(frame.AudioEvent.Audio)
		if err != nil {
			return nil, fmt.Errorf("decode audio payload: %w", err)
		}
		return AudioChunk{Data: raw}, nil
	case "conversation_initiation_metadata":
		return LifecycleSignal{Phase: PhaseStart}, nil
	case "conversation_end":
		return LifecycleSignal{Phase: PhaseEnd}, nil
	default:
		return TranscriptFragment{Role: RoleSystem, Text: string(data)}, nil
	}
}

// InitiationMessage is sent once after the socket opens, best effort.
func InitiationMessage() []byte {
	msg, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "conversation_initiation_client_data"})
	return msg
}

// PongMessage answers a keepalive ping, echoing its event id.
func PongMessage(eventID int) []byte {
	msg, _ := json.Marshal(struct {
		Type    string `json:"type"`
		EventID int    `json:"event_id"`
	}{Type: "pong", EventID: eventID})
	return msg
}

// AudioFrameMessage wraps one captured s16le frame for the wire.
func AudioFrameMessage(pcm []byte) []byte {
	msg, _ := json.Marshal(struct {
		Audio string `json:"user_audio_chunk"`
	}{Audio: base64.StdEncoding.EncodeToString(pcm)})
	return msg
}

// EndMessage signals a user-initiated conversation end.
func EndMessage() []byte {
	msg, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "conversation_end"})
	return msg
}
