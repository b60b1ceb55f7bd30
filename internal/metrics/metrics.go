package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicelink_sessions_active",
		Help: "Currently active conversation sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_sessions_total",
		Help: "Total conversation sessions started",
	})

	ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicelink_connect_duration_seconds",
		Help:    "Time from dial to transport open",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_transport_reconnect_attempts_total",
		Help: "Reconnect attempts after abnormal close",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_audio_frames_sent_total",
		Help: "Captured audio frames sent to the agent",
	})

	ChunksPlayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_audio_chunks_played_total",
		Help: "Inbound audio chunks decoded and played",
	})

	ChunksUnplayable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_audio_chunks_unplayable_total",
		Help: "Inbound audio chunks no decode strategy accepted",
	})

	ChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_audio_chunks_dropped_total",
		Help: "Inbound audio chunks dropped because the playback queue was full",
	})

	KeepalivePings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_keepalive_pings_total",
		Help: "Keepalive pings answered with pongs",
	})

	TranscriptFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_transcript_flushes_total",
		Help: "Transcript persistence attempts by outcome",
	}, []string{"outcome"})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_transport_send_failures_total",
		Help: "Messages refused because the socket was not open",
	})
)
