package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func TestDecodePing(t *testing.T) {
	ev, err := DecodeText([]byte(`{"type":"ping","ping_event":{"event_id":42,"ping_ms":250}}`))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	ka, ok := ev.(Keepalive)
	if !ok {
		t.Fatalf("event = %T, want Keepalive", ev)
	}
	if ka.EventID != 42 {
		t.Fatalf("event_id = %d, want 42", ka.EventID)
	}
	if ka.Delay != 250*time.Millisecond {
		t.Fatalf("delay = %v, want 250ms", ka.Delay)
	}
}

func TestDecodeTranscripts(t *testing.T) {
	ev, err := DecodeText([]byte(`{"type":"user_transcript","user_transcription_event":{"user_transcript":"hello there"}}`))
	if err != nil {
		t.Fatalf("DecodeText user: %v", err)
	}
	frag := ev.(TranscriptFragment)
	if frag.Role != RoleUser || frag.Text != "hello there" {
		t.Fatalf("got %+v, want user/hello there", frag)
	}

	ev, err = DecodeText([]byte(`{"type":"agent_response","agent_response_event":{"agent_response":"hi"}}`))
	if err != nil {
		t.Fatalf("DecodeText agent: %v", err)
	}
	frag = ev.(TranscriptFragment)
	if frag.Role != RoleAgent || frag.Text != "hi" {
		t.Fatalf("got %+v, want agent/hi", frag)
	}
}

func TestDecodeAudio(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	payload := base64.StdEncoding.EncodeToString(pcm)
	ev, err := DecodeText([]byte(`{"type":"audio","audio_event":{"audio":"` + payload + `"}}`))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	chunk := ev.(AudioChunk)
	if !bytes.Equal(chunk.Data, pcm) {
		t.Fatalf("data = %v, want %v", chunk.Data, pcm)
	}
}

func TestDecodeLifecycle(t *testing.T) {
	ev, err := DecodeText([]byte(`{"type":"conversation_initiation_metadata"}`))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if ev.(LifecycleSignal).Phase != PhaseStart {
		t.Fatalf("phase = %v, want start", ev.(LifecycleSignal).Phase)
	}

	ev, err = DecodeText([]byte(`{"type":"conversation_end"}`))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if ev.(LifecycleSignal).Phase != PhaseEnd {
		t.Fatalf("phase = %v, want end", ev.(LifecycleSignal).Phase)
	}
}

func TestDecodeUnknownFallsBackToTranscript(t *testing.T) {
	raw := `{"type":"vad_score","vad_score_event":{"score":0.93}}`
	ev, err := DecodeText([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	frag, ok := ev.(TranscriptFragment)
	if !ok {
		t.Fatalf("event = %T, want TranscriptFragment fallback", ev)
	}
	if frag.Role != RoleSystem || frag.Text != raw {
		t.Fatalf("got %+v, want system fallback with raw JSON", frag)
	}
}

func TestDecodeRejectsUntaggedAndMalformed(t *testing.T) {
	if _, err := DecodeText([]byte(`{"no_type":true}`)); err == nil {
		t.Fatal("want error for missing type tag")
	}
	if _, err := DecodeText([]byte(`{not json`)); err == nil {
		t.Fatal("want error for malformed JSON")
	}
	if _, err := DecodeText([]byte(`{"type":"audio","audio_event":{"audio":"@@not-base64@@"}}`)); err == nil {
		t.Fatal("want error for bad base64 audio payload")
	}
}

func TestOutboundMessages(t *testing.T) {
	var pong struct {
		Type    string `json:"type"`
		EventID int    `json:"event_id"`
	}
	if err := json.Unmarshal(PongMessage(7), &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.Type != "pong" || pong.EventID != 7 {
		t.Fatalf("pong = %+v, want type=pong event_id=7", pong)
	}

	var frame struct {
		Audio string `json:"user_audio_chunk"`
	}
	pcm := []byte{0xFF, 0x7F, 0x00, 0x80}
	if err := json.Unmarshal(AudioFrameMessage(pcm), &frame); err != nil {
		t.Fatalf("unmarshal audio frame: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(frame.Audio)
	if err != nil {
		t.Fatalf("decode audio frame payload: %v", err)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Fatalf("payload = %v, want %v", decoded, pcm)
	}

	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(InitiationMessage(), &tagged); err != nil || tagged.Type != "conversation_initiation_client_data" {
		t.Fatalf("initiation = %s (err %v)", InitiationMessage(), err)
	}
	if err := json.Unmarshal(EndMessage(), &tagged); err != nil || tagged.Type != "conversation_end" {
		t.Fatalf("end = %s (err %v)", EndMessage(), err)
	}
}
