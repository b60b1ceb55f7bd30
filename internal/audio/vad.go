package audio

import (
	"math"
	"time"
)

// VADConfig controls energy-based voice activity detection over 16 kHz
// capture frames.
type VADConfig struct {
	SpeechThresholdDB float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
	SampleRate        int
}

// DefaultVADConfig returns defaults tuned for near-field microphone audio.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB: -35,
		SilenceTimeout:    800 * time.Millisecond,
		MinSpeechDuration: 200 * time.Millisecond,
		SampleRate:        16000,
	}
}

// VAD tracks whether the caller is currently speaking. It is fed capture
// frames and reports speech onset and end as edge events.
type VAD struct {
	cfg         VADConfig
	speaking    bool
	speechStart time.Time
	lastSpeech  time.Time
}

// NewVAD creates a detector with the given config.
func NewVAD(cfg VADConfig) *VAD {
	return &VAD{cfg: cfg}
}

// VADResult reports edge transitions observed while processing one frame.
type VADResult struct {
	SpeechStarted bool
	SpeechEnded   bool
}

// Process feeds one frame of samples into the detector.
func (v *VAD) Process(samples []float32) VADResult {
	energyDB := energyDB(samples)
	now := time.Now()

	if energyDB >= v.cfg.SpeechThresholdDB {
		var res VADResult
		if !v.speaking {
			v.speaking = true
			v.speechStart = now
			res.SpeechStarted = true
		}
		v.lastSpeech = now
		return res
	}

	if !v.speaking {
		return VADResult{}
	}
	if now.Sub(v.lastSpeech) < v.cfg.SilenceTimeout {
		return VADResult{}
	}

	v.speaking = false
	if now.Sub(v.speechStart) < v.cfg.MinSpeechDuration {
		return VADResult{}
	}
	return VADResult{SpeechEnded: true}
}

// Speaking reports whether the detector currently considers the caller to
// be mid-utterance.
func (v *VAD) Speaking() bool {
	return v.speaking
}

func energyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
