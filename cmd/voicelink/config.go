package main

import (
	"time"

	"github.com/calliope-labs/voicelink/internal/env"
)

type config struct {
	signedURL     string
	agentID       string
	agentBaseURL  string
	apiKey        string
	backendURL    string
	transcriptURL string
	productID     string
	correlationID string
	databaseURL   string
	metricsAddr   string
	volume        float64
	flushInterval time.Duration
	autoActivate  bool
}

func loadConfig() config {
	return config{
		signedURL:     env.Str("VOICELINK_SIGNED_URL", ""),
		agentID:       env.Str("VOICELINK_AGENT_ID", ""),
		agentBaseURL:  env.Str("VOICELINK_AGENT_URL", ""),
		apiKey:        env.Str("ELEVENLABS_API_KEY", ""),
		backendURL:    env.Str("VOICELINK_BACKEND_URL", ""),
		transcriptURL: env.Str("VOICELINK_TRANSCRIPT_URL", ""),
		productID:     env.Str("VOICELINK_PRODUCT_ID", ""),
		correlationID: env.Str("VOICELINK_CORRELATION_ID", ""),
		databaseURL:   env.Str("VOICELINK_DATABASE_URL", ""),
		metricsAddr:   env.Str("VOICELINK_METRICS_ADDR", ""),
		volume:        env.Float("VOICELINK_VOLUME", 1.0),
		flushInterval: time.Duration(env.Int("VOICELINK_FLUSH_SECONDS", 30)) * time.Second,
		autoActivate:  env.Bool("VOICELINK_AUTO_ACTIVATE", false),
	}
}
