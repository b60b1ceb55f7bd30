// Command agentsim is a stand-in for the remote conversational agent. It
// speaks the same JSON schema over WebSocket: keepalive pings, user and
// agent transcripts, and base64 WAV audio replies. Replies come from an
// OpenAI chat model when OPENAI_API_KEY is set, canned lines otherwise.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calliope-labs/voicelink/internal/audio"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	var responder Responder = newCannedResponder()
	if cfg.openaiKey != "" {
		responder = newOpenAIResponder(cfg.openaiKey, cfg.openaiModel, int64(cfg.maxTokens))
		slog.Info("replies via openai", "model", cfg.openaiModel)
	} else {
		slog.Info("replies via canned lines (set OPENAI_API_KEY for a live model)")
	}

	sim := &simulator{cfg: cfg, responder: responder}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", sim.handleWS)

	slog.Info("agent simulator listening", "addr", cfg.addr)
	if err := http.ListenAndServe(cfg.addr, mux); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

type simulator struct {
	cfg       config
	responder Responder
	upgrader  websocket.Upgrader
}

func (s *simulator) handleWS(w http.ResponseWriter, r *http.Request) {
	s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "error", err)
		return
	}

	vadCfg := audio.DefaultVADConfig()
	vadCfg.SampleRate = s.cfg.sampleRate
	conv := &conversation{
		ws:        ws,
		cfg:       s.cfg,
		responder: s.responder,
		pending:   make(map[int]time.Time),
		vad:       audio.NewVAD(vadCfg),
	}
	conv.run()
}

type conversation struct {
	ws        *websocket.Conn
	cfg       config
	responder Responder

	writeMu sync.Mutex

	mu       sync.Mutex
	nextPing int
	pending  map[int]time.Time

	vad          *audio.VAD
	speechFrames int
	turn         int
}

func (c *conversation) run() {
	defer c.ws.Close()
	slog.Info("caller connected", "remote", c.ws.RemoteAddr())

	c.writeJSON(map[string]any{"type": "conversation_initiation_metadata"})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			slog.Info("caller gone", "error", err)
			return
		}
		if c.handleFrame(data) {
			return
		}
	}
}

func (c *conversation) handleFrame(data []byte) (end bool) {
	var frame struct {
		Type           string `json:"type"`
		EventID        int    `json:"event_id"`
		UserAudioChunk string `json:"user_audio_chunk"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("undecodable frame", "error", err)
		return false
	}

	switch {
	case frame.UserAudioChunk != "":
		c.onAudioChunk(frame.UserAudioChunk)
	case frame.Type == "pong":
		c.onPong(frame.EventID)
	case frame.Type == "conversation_initiation_client_data":
		// Already greeted in run.
	case frame.Type == "conversation_end":
		deadline := time.Now().Add(2 * time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		return true
	default:
		slog.Debug("ignoring frame", "type", frame.Type)
	}
	return false
}

// onAudioChunk runs voice activity detection over the caller's audio and
// fabricates a conversation turn when an utterance ends. An utterance
// that never goes silent is cut off after turnChunks frames. The
// simulator does no speech recognition.
func (c *conversation) onAudioChunk(chunkB64 string) {
	raw, err := base64.StdEncoding.DecodeString(chunkB64)
	if err != nil {
		slog.Warn("undecodable audio chunk", "error", err)
		return
	}
	samples, err := audio.DecodeS16LE(raw)
	if err != nil {
		slog.Warn("unexpected audio encoding", "error", err)
		return
	}

	c.mu.Lock()
	res := c.vad.Process(samples)
	if res.SpeechStarted {
		c.speechFrames = 0
	}
	if c.vad.Speaking() {
		c.speechFrames++
	}
	fire := res.SpeechEnded || c.speechFrames >= c.cfg.turnChunks
	turn := c.turn
	if fire {
		c.speechFrames = 0
		c.turn++
		turn = c.turn
	}
	c.mu.Unlock()

	if fire {
		go c.respond(turn)
	}
}

func (c *conversation) respond(turn int) {
	userText := fmt.Sprintf("Caller spoke (turn %d).", turn)
	c.writeJSON(map[string]any{
		"type": "user_transcript",
		"user_transcription_event": map[string]any{
			"user_transcript": userText,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	reply, err := c.responder.Reply(ctx, userText)
	if err != nil {
		slog.Warn("responder failed", "turn", turn, "error", err)
		reply = "Sorry, say that again?"
	}

	c.writeJSON(map[string]any{
		"type": "agent_response",
		"agent_response_event": map[string]any{
			"agent_response": reply,
		},
	})
	c.writeJSON(map[string]any{
		"type": "audio",
		"audio_event": map[string]any{
			"audio": base64.StdEncoding.EncodeToString(c.speech(reply)),
		},
	})
}

// speech renders a placeholder tone whose length tracks the reply text.
func (c *conversation) speech(text string) []byte {
	dur := 300*time.Millisecond + time.Duration(len(text))*30*time.Millisecond
	if dur > 2*time.Second {
		dur = 2 * time.Second
	}
	n := int(float64(c.cfg.sampleRate) * dur.Seconds())
	samples := make([]float32, n)
	for i := range n {
		samples[i] = 0.3 * float32(math.Sin(2*math.Pi*c.cfg.replyToneHz*float64(i)/float64(c.cfg.sampleRate)))
	}
	return audio.EncodeWAV(samples, c.cfg.sampleRate)
}

func (c *conversation) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(c.cfg.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.nextPing++
			id := c.nextPing
			c.pending[id] = time.Now()
			c.mu.Unlock()

			c.writeJSON(map[string]any{
				"type": "ping",
				"ping_event": map[string]any{
					"event_id": id,
					"ping_ms":  c.cfg.pingDelayMs,
				},
			})
		}
	}
}

func (c *conversation) onPong(eventID int) {
	c.mu.Lock()
	sent, ok := c.pending[eventID]
	delete(c.pending, eventID)
	c.mu.Unlock()

	if !ok {
		slog.Warn("pong for unknown ping", "event_id", eventID)
		return
	}
	slog.Debug("pong", "event_id", eventID, "rtt", time.Since(sent))
}

func (c *conversation) writeJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		slog.Warn("write frame", "error", err)
	}
}
