package call

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/inmobot-ai/callengine/pkg/config"
	"github.com/inmobot-ai/callengine/pkg/convo"
	"github.com/inmobot-ai/callengine/pkg/events"
)

// Engine is the conversational contract both transport strategies satisfy.
// local-vad buffers utterances and round-trips each one; remote-vad streams
// continuously and lets the service segment turns. Same states, same
// lifecycle, same guarantees.
type Engine interface {
	Start(ctx context.Context) error
	End(reason EndReason)
	ToggleMute() bool
	StopRecording()
	State() State
	Muted() bool
	DurationSeconds() int
	SessionID() string
	Transcript() []TranscriptEntry
	Notice() string
	Reason() EndReason
	Done() <-chan struct{}
}

// EngineDeps is the strategy-independent dependency set.
type EngineDeps struct {
	Capture Capture
	Track   TrackControl
	Speaker SpeechPlayer
	Service *convo.Client
	Bus     *events.EventBus
	Logger  *zap.Logger
}

// NewEngine selects the transport strategy from configuration. The near-
// identical call variants collapse into one engine with a strategy switch.
func NewEngine(cfg *config.Config, deps EngineDeps) (Engine, error) {
	switch cfg.Engine.Strategy {
	case config.StrategyLocalVAD:
		return NewSession(cfg.Engine, Deps{
			Capture: deps.Capture,
			Track:   deps.Track,
			Speaker: deps.Speaker,
			Service: deps.Service,
			Bus:     deps.Bus,
			Logger:  deps.Logger,
			Timeout: cfg.Service.Timeout,
		}), nil
	case config.StrategyRemoteVAD:
		return NewDuplexSession(DuplexOptions{
			URL:             cfg.Service.RealtimeURL,
			APIKey:          cfg.Service.APIKey,
			Timeout:         cfg.Service.Timeout,
			MaxCallDuration: cfg.Engine.MaxCallDuration,
		}, DuplexDeps{
			Capture: deps.Capture,
			Track:   deps.Track,
			Speaker: deps.Speaker,
			Bus:     deps.Bus,
			Logger:  deps.Logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown engine strategy %q", cfg.Engine.Strategy)
	}
}
