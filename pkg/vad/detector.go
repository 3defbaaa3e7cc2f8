package vad

import (
	"time"

	"go.uber.org/zap"
)

// Config detector tunables. Threshold and silence duration differ between
// deployments; callers take them from configuration.
type Config struct {
	SilenceThreshold float64       // normalized energy below which a frame counts as silence
	SpeechFrames     int           // consecutive frames above threshold to confirm speech onset
	SilenceFrames    int           // consecutive frames below threshold before the silence timer starts
	SilenceDuration  time.Duration // uninterrupted silence required to confirm end of utterance
	MaxListeningTime time.Duration // force end of utterance if no speech onset by then
}

// DefaultConfig returns the tunables used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 0.03,
		SpeechFrames:     3,
		SilenceFrames:    3,
		SilenceDuration:  600 * time.Millisecond,
		MaxListeningTime: 10 * time.Second,
	}
}

// Decision is the outcome of observing one frame.
type Decision int

const (
	// DecisionNone nothing changed this frame.
	DecisionNone Decision = iota
	// DecisionSpeechStart speech onset confirmed.
	DecisionSpeechStart
	// DecisionEndOfUtterance confirmed silence after speech; the utterance is complete.
	DecisionEndOfUtterance
	// DecisionTimeout no speech onset within the listening window.
	DecisionTimeout
)

func (d Decision) String() string {
	switch d {
	case DecisionSpeechStart:
		return "speech_start"
	case DecisionEndOfUtterance:
		return "end_of_utterance"
	case DecisionTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Detector is an energy-based voice activity detector with hysteresis.
// It holds no cross-utterance state: Arm resets the whole window. It is
// pull-based; the caller polls Observe with the latest frequency-domain
// frame at a fixed cadence.
//
// Onset: average frame energy must exceed the threshold for SpeechFrames
// consecutive frames. Single-frame spikes (breathing, clicks) never trigger.
// End: once speaking, energy must stay below the threshold for SilenceFrames
// consecutive frames to start the silence timer; the timer must then run
// uninterrupted for SilenceDuration. Any loud frame resets it to zero.
type Detector struct {
	cfg    Config
	logger *zap.Logger

	armedAt            time.Time
	speaking           bool
	hasSpoken          bool
	consecutiveSpeech  int
	consecutiveSilence int
	silenceStartedAt   time.Time // zero while the timer is not running

	now func() time.Time
}

// New creates a detector. Zero-value config fields fall back to defaults.
func New(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = def.SpeechFrames
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = def.SilenceFrames
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = def.SilenceDuration
	}
	if cfg.MaxListeningTime <= 0 {
		cfg.MaxListeningTime = def.MaxListeningTime
	}
	return &Detector{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// FrameEnergy computes the normalized average energy of a frequency-domain
// amplitude frame (bins in 0..255). Result is in [0, 1].
func FrameEnergy(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum int
	for _, b := range frame {
		sum += int(b)
	}
	return float64(sum) / float64(len(frame)) / 255.0
}

// Arm resets the detector for a new listening phase.
func (d *Detector) Arm() {
	d.armedAt = d.now()
	d.speaking = false
	d.hasSpoken = false
	d.consecutiveSpeech = 0
	d.consecutiveSilence = 0
	d.silenceStartedAt = time.Time{}
	d.logger.Debug("[VAD] armed",
		zap.Float64("threshold", d.cfg.SilenceThreshold),
		zap.Duration("silence_duration", d.cfg.SilenceDuration))
}

// Observe classifies one frame and advances the window.
func (d *Detector) Observe(frame []byte) Decision {
	now := d.now()
	energy := FrameEnergy(frame)
	loud := energy > d.cfg.SilenceThreshold

	if !d.hasSpoken {
		if loud {
			d.consecutiveSpeech++
			if d.consecutiveSpeech >= d.cfg.SpeechFrames {
				d.speaking = true
				d.hasSpoken = true
				d.consecutiveSilence = 0
				d.logger.Debug("[VAD] speech onset confirmed",
					zap.Float64("energy", energy),
					zap.Int("frames", d.consecutiveSpeech))
				return DecisionSpeechStart
			}
		} else {
			d.consecutiveSpeech = 0
		}
		if now.Sub(d.armedAt) >= d.cfg.MaxListeningTime {
			d.logger.Debug("[VAD] listening window expired without speech")
			return DecisionTimeout
		}
		return DecisionNone
	}

	if loud {
		// Loud frame while (or after) speaking: the silence timer resets to
		// zero no matter how far along it was.
		d.speaking = true
		d.consecutiveSilence = 0
		d.silenceStartedAt = time.Time{}
		return DecisionNone
	}

	d.consecutiveSilence++
	if d.consecutiveSilence < d.cfg.SilenceFrames {
		return DecisionNone
	}
	if d.silenceStartedAt.IsZero() {
		d.silenceStartedAt = now
		d.speaking = false
		return DecisionNone
	}
	if now.Sub(d.silenceStartedAt) >= d.cfg.SilenceDuration {
		d.logger.Debug("[VAD] end of utterance confirmed",
			zap.Duration("silence", now.Sub(d.silenceStartedAt)))
		return DecisionEndOfUtterance
	}
	return DecisionNone
}

// Speaking reports whether the window currently classifies the signal as speech.
func (d *Detector) Speaking() bool {
	return d.speaking
}

// HasSpoken reports whether speech onset was confirmed since the last Arm.
func (d *Detector) HasSpoken() bool {
	return d.hasSpoken
}

// SilenceFor returns how long the confirmed-silence timer has been running.
func (d *Detector) SilenceFor() time.Duration {
	if d.silenceStartedAt.IsZero() {
		return 0
	}
	return d.now().Sub(d.silenceStartedAt)
}
