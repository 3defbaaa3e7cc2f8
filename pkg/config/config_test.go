package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	if err := Load(""); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg := GlobalConfig

	if cfg.Engine.Strategy != StrategyLocalVAD {
		t.Errorf("strategy = %q, want %q", cfg.Engine.Strategy, StrategyLocalVAD)
	}
	if cfg.Engine.SilenceThreshold != 0.03 {
		t.Errorf("silence threshold = %v, want 0.03", cfg.Engine.SilenceThreshold)
	}
	if cfg.Engine.SilenceDuration != 600*time.Millisecond {
		t.Errorf("silence duration = %v, want 600ms", cfg.Engine.SilenceDuration)
	}
	if cfg.Engine.MaxCallDuration != 300*time.Second {
		t.Errorf("max call duration = %v, want 300s", cfg.Engine.MaxCallDuration)
	}
	if cfg.Engine.MinUtteranceBytes != 1000 {
		t.Errorf("min utterance bytes = %d, want 1000", cfg.Engine.MinUtteranceBytes)
	}
	if cfg.Service.Timeout != 30*time.Second {
		t.Errorf("service timeout = %v, want 30s", cfg.Service.Timeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_STRATEGY", StrategyRemoteVAD)
	t.Setenv("VAD_SILENCE_THRESHOLD", "0.015")
	t.Setenv("VAD_SILENCE_DURATION", "800ms")
	t.Setenv("MAX_CALL_DURATION", "2m")
	t.Setenv("CONVO_BASE_URL", "https://convo.example.com")
	t.Setenv("CONVO_REALTIME_URL", "wss://convo.example.com/api/realtime")
	t.Setenv("AUDIO_SAMPLE_RATE", "48000")

	if err := Load(""); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg := GlobalConfig

	if cfg.Engine.Strategy != StrategyRemoteVAD {
		t.Errorf("strategy = %q, want %q", cfg.Engine.Strategy, StrategyRemoteVAD)
	}
	if cfg.Engine.SilenceThreshold != 0.015 {
		t.Errorf("silence threshold = %v, want 0.015", cfg.Engine.SilenceThreshold)
	}
	if cfg.Engine.SilenceDuration != 800*time.Millisecond {
		t.Errorf("silence duration = %v, want 800ms", cfg.Engine.SilenceDuration)
	}
	if cfg.Engine.MaxCallDuration != 2*time.Minute {
		t.Errorf("max call duration = %v, want 2m", cfg.Engine.MaxCallDuration)
	}
	if cfg.Service.BaseURL != "https://convo.example.com" {
		t.Errorf("base URL = %q", cfg.Service.BaseURL)
	}
	if cfg.Engine.SampleRate != 48000 {
		t.Errorf("sample rate = %d, want 48000", cfg.Engine.SampleRate)
	}
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("VAD_SILENCE_THRESHOLD", "not-a-number")
	t.Setenv("VAD_SILENCE_DURATION", "soon")
	t.Setenv("MIN_UTTERANCE_BYTES", "many")

	if err := Load(""); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg := GlobalConfig

	if cfg.Engine.SilenceThreshold != 0.03 {
		t.Errorf("silence threshold = %v, want default 0.03", cfg.Engine.SilenceThreshold)
	}
	if cfg.Engine.SilenceDuration != 600*time.Millisecond {
		t.Errorf("silence duration = %v, want default 600ms", cfg.Engine.SilenceDuration)
	}
	if cfg.Engine.MinUtteranceBytes != 1000 {
		t.Errorf("min utterance bytes = %d, want default 1000", cfg.Engine.MinUtteranceBytes)
	}
}

func TestEngineConfig_Validate(t *testing.T) {
	valid := EngineConfig{
		Strategy:         StrategyLocalVAD,
		SilenceThreshold: 0.03,
		SpeechFrames:     3,
		SilenceFrames:    3,
		SilenceDuration:  600 * time.Millisecond,
		PollInterval:     75 * time.Millisecond,
		MaxListeningTime: 10 * time.Second,
		SettleDelayMin:   300 * time.Millisecond,
		SettleDelayMax:   600 * time.Millisecond,
		MaxCallDuration:  300 * time.Second,
		SampleRate:       16000,
		Channels:         1,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"unknown strategy", func(c *EngineConfig) { c.Strategy = "hybrid" }},
		{"threshold out of range", func(c *EngineConfig) { c.SilenceThreshold = 1.5 }},
		{"zero speech frames", func(c *EngineConfig) { c.SpeechFrames = 0 }},
		{"negative silence duration", func(c *EngineConfig) { c.SilenceDuration = -time.Second }},
		{"zero poll interval", func(c *EngineConfig) { c.PollInterval = 0 }},
		{"settle min above max", func(c *EngineConfig) { c.SettleDelayMin = time.Second }},
		{"zero max call duration", func(c *EngineConfig) { c.MaxCallDuration = 0 }},
		{"zero sample rate", func(c *EngineConfig) { c.SampleRate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should reject the config")
			}
		})
	}
}
