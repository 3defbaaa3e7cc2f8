package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/inmobot-ai/callengine/pkg/logger"
)

// Transport strategies for the call engine.
const (
	StrategyLocalVAD  = "local-vad"  // buffer utterances locally, round-trip each one
	StrategyRemoteVAD = "remote-vad" // stream continuously, remote service segments turns
)

// Config main configuration structure
type Config struct {
	Mode    string           `env:"MODE"`
	Log     logger.LogConfig `mapstructure:"log"`
	Service ServiceConfig    `mapstructure:"service"`
	Engine  EngineConfig     `mapstructure:"engine"`
}

// ServiceConfig remote conversation service configuration
type ServiceConfig struct {
	BaseURL     string        `env:"CONVO_BASE_URL"`
	APIKey      string        `env:"CONVO_API_KEY"`
	Voice       string        `env:"CONVO_VOICE"`
	Timeout     time.Duration `env:"CONVO_TIMEOUT"`
	RealtimeURL string        `env:"CONVO_REALTIME_URL"` // websocket endpoint for the remote-vad strategy
}

// EngineConfig call engine tunables. Silence threshold and duration vary
// between deployments; they are configuration, not contract.
type EngineConfig struct {
	Strategy          string        `env:"ENGINE_STRATEGY"`
	SilenceThreshold  float64       `env:"VAD_SILENCE_THRESHOLD"`
	SpeechFrames      int           `env:"VAD_SPEECH_FRAMES"`
	SilenceFrames     int           `env:"VAD_SILENCE_FRAMES"`
	SilenceDuration   time.Duration `env:"VAD_SILENCE_DURATION"`
	PollInterval      time.Duration `env:"VAD_POLL_INTERVAL"`
	MaxListeningTime  time.Duration `env:"VAD_MAX_LISTENING_TIME"`
	MinUtteranceBytes int           `env:"MIN_UTTERANCE_BYTES"`
	SettleDelayMin    time.Duration `env:"SETTLE_DELAY_MIN"`
	SettleDelayMax    time.Duration `env:"SETTLE_DELAY_MAX"`
	MaxCallDuration   time.Duration `env:"MAX_CALL_DURATION"`
	SampleRate        int           `env:"AUDIO_SAMPLE_RATE"`
	Channels          int           `env:"AUDIO_CHANNELS"`
}

// GlobalConfig is the process-wide configuration instance.
var GlobalConfig *Config

// Load reads an optional .env file, then populates GlobalConfig from the
// environment with defaults.
func Load(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
	}

	GlobalConfig = &Config{
		Mode: getStringOrDefault("MODE", "dev"),
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILE", "logs/callengine.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 64),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 14),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 7),
			Daily:      getBoolOrDefault("LOG_DAILY", false),
		},
		Service: ServiceConfig{
			BaseURL:     getStringOrDefault("CONVO_BASE_URL", "http://localhost:8000"),
			APIKey:      getStringOrDefault("CONVO_API_KEY", ""),
			Voice:       getStringOrDefault("CONVO_VOICE", "nova"),
			Timeout:     getDurationOrDefault("CONVO_TIMEOUT", 30*time.Second),
			RealtimeURL: getStringOrDefault("CONVO_REALTIME_URL", "ws://localhost:8000/api/realtime"),
		},
		Engine: EngineConfig{
			Strategy:          getStringOrDefault("ENGINE_STRATEGY", StrategyLocalVAD),
			SilenceThreshold:  getFloatOrDefault("VAD_SILENCE_THRESHOLD", 0.03),
			SpeechFrames:      getIntOrDefault("VAD_SPEECH_FRAMES", 3),
			SilenceFrames:     getIntOrDefault("VAD_SILENCE_FRAMES", 3),
			SilenceDuration:   getDurationOrDefault("VAD_SILENCE_DURATION", 600*time.Millisecond),
			PollInterval:      getDurationOrDefault("VAD_POLL_INTERVAL", 75*time.Millisecond),
			MaxListeningTime:  getDurationOrDefault("VAD_MAX_LISTENING_TIME", 10*time.Second),
			MinUtteranceBytes: getIntOrDefault("MIN_UTTERANCE_BYTES", 1000),
			SettleDelayMin:    getDurationOrDefault("SETTLE_DELAY_MIN", 300*time.Millisecond),
			SettleDelayMax:    getDurationOrDefault("SETTLE_DELAY_MAX", 600*time.Millisecond),
			MaxCallDuration:   getDurationOrDefault("MAX_CALL_DURATION", 300*time.Second),
			SampleRate:        getIntOrDefault("AUDIO_SAMPLE_RATE", 16000),
			Channels:          getIntOrDefault("AUDIO_CHANNELS", 1),
		},
	}

	return GlobalConfig.Validate()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Service.BaseURL == "" {
		return errors.New("conversation service base URL is required")
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks engine tunables for sane ranges.
func (e *EngineConfig) Validate() error {
	if e.Strategy != StrategyLocalVAD && e.Strategy != StrategyRemoteVAD {
		return fmt.Errorf("unknown engine strategy %q", e.Strategy)
	}
	if e.SilenceThreshold <= 0 || e.SilenceThreshold >= 1 {
		return fmt.Errorf("silence threshold must be in (0, 1), got %v", e.SilenceThreshold)
	}
	if e.SpeechFrames < 1 {
		return fmt.Errorf("speech frames must be >= 1, got %d", e.SpeechFrames)
	}
	if e.SilenceFrames < 1 {
		return fmt.Errorf("silence frames must be >= 1, got %d", e.SilenceFrames)
	}
	if e.SilenceDuration <= 0 {
		return errors.New("silence duration must be positive")
	}
	if e.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if e.MaxListeningTime <= 0 {
		return errors.New("max listening time must be positive")
	}
	if e.MinUtteranceBytes < 0 {
		return errors.New("min utterance bytes must not be negative")
	}
	if e.SettleDelayMin > e.SettleDelayMax {
		return fmt.Errorf("settle delay min %v exceeds max %v", e.SettleDelayMin, e.SettleDelayMax)
	}
	if e.MaxCallDuration <= 0 {
		return errors.New("max call duration must be positive")
	}
	if e.SampleRate <= 0 || e.Channels <= 0 {
		return errors.New("sample rate and channels must be positive")
	}
	return nil
}

func getStringOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := cast.ToIntE(v); err == nil {
			return n
		}
	}
	return def
}

func getBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return def
}

func getFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	}
	return def
}

func getDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
