package main

import (
	"time"

	"github.com/calliope-labs/voicelink/internal/env"
)

type config struct {
	addr         string
	openaiKey    string
	openaiModel  string
	maxTokens    int
	pingInterval time.Duration
	pingDelayMs  int
	turnChunks   int
	replyToneHz  float64
	sampleRate   int
}

func loadConfig() config {
	return config{
		addr:         env.Str("AGENTSIM_ADDR", ":8035"),
		openaiKey:    env.Str("OPENAI_API_KEY", ""),
		openaiModel:  env.Str("AGENTSIM_MODEL", "gpt-4o-mini"),
		maxTokens:    env.Int("AGENTSIM_MAX_TOKENS", 120),
		pingInterval: time.Duration(env.Int("AGENTSIM_PING_SECONDS", 5)) * time.Second,
		pingDelayMs:  env.Int("AGENTSIM_PING_DELAY_MS", 50),
		turnChunks:   env.Int("AGENTSIM_TURN_CHUNKS", 20),
		replyToneHz:  env.Float("AGENTSIM_TONE_HZ", 440),
		sampleRate:   env.Int("AGENTSIM_SAMPLE_RATE", 16000),
	}
}
