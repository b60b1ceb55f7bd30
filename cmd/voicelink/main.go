// Command voicelink runs one voice conversation with a remote agent from
// the terminal: microphone in, agent audio out, transcript on stdout and
// persisted when a transcript endpoint or database is configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calliope-labs/voicelink/internal/calllog"
	"github.com/calliope-labs/voicelink/internal/session"
	"github.com/calliope-labs/voicelink/internal/token"
	"github.com/calliope-labs/voicelink/internal/transcript"
	"github.com/calliope-labs/voicelink/internal/transport"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	if cfg.metricsAddr != "" {
		go serveMetrics(cfg.metricsAddr)
	}

	if err := run(cfg); err != nil {
		slog.Error("voicelink", "error", err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var logWriter *calllog.Writer
	if cfg.databaseURL != "" {
		store, err := calllog.Open(cfg.databaseURL)
		if err != nil {
			return fmt.Errorf("open call log: %w", err)
		}
		defer store.Close()
		logWriter = calllog.NewWriter(store)
		defer logWriter.Close()
	}

	desc, correlationID, err := resolveDescriptor(ctx, cfg)
	if err != nil {
		return err
	}

	var sinks []session.TranscriptSink
	if cfg.transcriptURL != "" {
		sinks = append(sinks, transcript.NewWriter(cfg.transcriptURL))
	}
	if logWriter != nil {
		sinks = append(sinks, logWriter)
	}

	sess := session.New(session.Config{
		CorrelationID: correlationID,
		Descriptor:    desc,
		Sink:          combineSinks(sinks),
		FlushInterval: cfg.flushInterval,
		AutoActivate:  cfg.autoActivate,
	})

	logWriter.CallStarted(sess.ID(), cfg.agentID)
	if err := sess.Start(ctx); err != nil {
		logWriter.CallEnded(sess.ID(), "failed", err.Error())
		return err
	}
	sess.SetVolume(float32(cfg.volume))
	if !cfg.autoActivate {
		sess.Activate()
	}
	slog.Info("conversation running", "session", sess.ID(), "hint", "ctrl-c to hang up")

	printed := waitForEnd(ctx, sess)

	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess.End(endCtx)

	outcome, errMsg := "completed", ""
	if err := sess.Err(); err != nil {
		outcome, errMsg = "failed", err.Error()
	}
	logWriter.CallEnded(sess.ID(), outcome, errMsg)

	printNewLines(sess, printed)
	if err := sess.Err(); err != nil {
		return err
	}
	return nil
}

// resolveDescriptor prefers a pre-authorized signed URL: given directly,
// or fetched from the backend, optionally after creating a checkout whose
// correlation id names the session. The raw agent-id+api-key fallback is
// last because it exposes the vendor key.
func resolveDescriptor(ctx context.Context, cfg config) (transport.Descriptor, string, error) {
	correlationID := cfg.correlationID

	if cfg.signedURL != "" {
		return transport.Descriptor{SignedURL: cfg.signedURL}, correlationID, nil
	}

	if cfg.backendURL != "" {
		client := token.NewClient(cfg.backendURL, 4)

		if cfg.productID != "" && correlationID == "" {
			checkout, err := client.CreateCheckout(ctx, cfg.productID)
			if err != nil {
				return transport.Descriptor{}, "", fmt.Errorf("create checkout: %w", err)
			}
			correlationID = checkout.CorrelationID
			slog.Info("checkout created", "redirect", checkout.RedirectURL, "correlation", correlationID)
		}

		desc, err := client.SignedURL(ctx, cfg.agentID)
		if err != nil {
			return transport.Descriptor{}, "", fmt.Errorf("fetch signed url: %w", err)
		}
		return desc, correlationID, nil
	}

	if cfg.agentID == "" {
		return transport.Descriptor{}, "", errors.New("set VOICELINK_SIGNED_URL, VOICELINK_BACKEND_URL, or VOICELINK_AGENT_ID")
	}
	return transport.Descriptor{
		BaseURL: cfg.agentBaseURL,
		AgentID: cfg.agentID,
		APIKey:  cfg.apiKey,
	}, correlationID, nil
}

// waitForEnd blocks until the user interrupts or the session reaches a
// terminal state on its own, echoing transcript lines as they arrive. It
// returns how many lines it printed.
func waitForEnd(ctx context.Context, sess *session.Session) int {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	printed := 0
	for {
		printed = printNewLines(sess, printed)

		select {
		case <-ctx.Done():
			return printed
		case <-ticker.C:
			switch sess.State() {
			case session.StateEnded, session.StateError:
				return printNewLines(sess, printed)
			}
		}
	}
}

func printNewLines(sess *session.Session, printed int) int {
	lines := sess.Transcript()
	for _, l := range lines[printed:] {
		fmt.Printf("%s: %s\n", l.Role, l.Text)
	}
	return len(lines)
}

func combineSinks(sinks []session.TranscriptSink) session.TranscriptSink {
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return multiSink(sinks)
	}
}

// multiSink fans a flush out to every configured sink and reports the
// first failure; the session logs and swallows it either way.
type multiSink []session.TranscriptSink

func (m multiSink) Write(ctx context.Context, id, transcript string) error {
	var firstErr error
	for _, s := range m {
		if err := s.Write(ctx, id, transcript); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics server stopped", "error", err)
	}
}
