package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inmobot-ai/callengine/pkg/config"
)

func engineTestConfig(strategy string) *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{
			BaseURL:     "http://localhost:8000",
			RealtimeURL: "ws://localhost:8000/api/realtime",
		},
		Engine: func() config.EngineConfig {
			cfg := testEngineConfig()
			cfg.Strategy = strategy
			return cfg
		}(),
	}
}

func TestNewEngine_StrategySelection(t *testing.T) {
	deps := EngineDeps{
		Capture: &fakeCapture{},
		Speaker: &fakeSpeaker{},
	}

	local, err := NewEngine(engineTestConfig(config.StrategyLocalVAD), deps)
	require.NoError(t, err)
	assert.IsType(t, &Session{}, local)

	remote, err := NewEngine(engineTestConfig(config.StrategyRemoteVAD), deps)
	require.NoError(t, err)
	assert.IsType(t, &DuplexSession{}, remote)

	_, err = NewEngine(engineTestConfig("half-duplex"), deps)
	require.Error(t, err)
}
