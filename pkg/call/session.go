package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/inmobot-ai/callengine/pkg/audio"
	"github.com/inmobot-ai/callengine/pkg/config"
	"github.com/inmobot-ai/callengine/pkg/convo"
	"github.com/inmobot-ai/callengine/pkg/events"
	"github.com/inmobot-ai/callengine/pkg/playback"
	"github.com/inmobot-ai/callengine/pkg/vad"
)

// ErrMicrophone is the fatal permission/device failure surfaced to the user.
var ErrMicrophone = errors.New("microphone permission denied or device unavailable")

// Capture is the session's view of the audio capture pipe.
type Capture interface {
	// Prepare starts the hardware session without arming the buffer.
	Prepare() error
	// Arm begins buffering a new utterance.
	Arm() error
	// Freeze stops buffering and yields the utterance, or
	// audio.ErrUtteranceTooShort for a noise burst.
	Freeze() (*audio.Utterance, error)
	// Frame returns the latest amplitude frame for the detector poll.
	Frame() []byte
	// Release stops all hardware tracks.
	Release() error
}

// TrackControl disables or enables the outgoing audio track without tearing
// the session down (mute).
type TrackControl interface {
	SetEnabled(enabled bool)
}

// SpeechPlayer plays one reply and reports completion exactly once.
type SpeechPlayer interface {
	Play(ctx context.Context, reply playback.Reply, onDone func(err error))
	Stop()
}

// ConversationService is the remote collaborator that resolves turns.
type ConversationService interface {
	SubmitUtterance(ctx context.Context, wavAudio []byte, sessionID string) (*convo.TurnResult, error)
	Welcome(ctx context.Context, sessionID string) (*convo.TurnResult, error)
}

// TranscriptEntry is one line of the running conversation.
type TranscriptEntry struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Deps bundles the session's collaborators.
type Deps struct {
	Capture Capture
	Track   TrackControl // optional; nil when the source has no mute control
	Speaker SpeechPlayer
	Service ConversationService
	Bus     *events.EventBus // optional
	Logger  *zap.Logger
	Timeout time.Duration // network-response timeout; defaults to 30s
}

// sessionState bundles the conversational state with the in-flight-turn
// latch so the two are always read and written together. State value alone
// cannot prevent double submission: a manual stop and a detector timeout can
// race, so every submission goes through one check-and-set on this struct.
type sessionState struct {
	state           State
	processing      bool // a turn is open (network call or playback outstanding)
	muted           bool
	listening       bool // capture armed and detector polling
	durationSeconds int
}

// Session is one voice call: it owns the capture pipe and the playback
// sequencer for its lifetime, runs the turn state machine, and releases
// everything exactly once on end. All concurrent triggers (detector poll,
// playback completion, network resolution, mute, hangup, duration tick) are
// serialized through a single run loop.
type Session struct {
	cfg     config.EngineConfig
	capture Capture
	track   TrackControl
	speaker SpeechPlayer
	service ConversationService
	bus     *events.EventBus
	logger  *zap.Logger
	timeout time.Duration

	detector *vad.Detector

	started   atomic.Bool
	evCh      chan event
	stopCh    chan EndReason
	doneCh    chan struct{}
	cancelRun context.CancelFunc

	mu            sync.Mutex
	st            sessionState
	sessionID     string
	transcript    []TranscriptEntry
	notice        string
	endReason     EndReason
	currentTurnID string
	speakStarted  time.Time
	settleTimer   *time.Timer
}

// NewSession builds a session in Idle. Nothing is acquired until Start.
func NewSession(cfg config.EngineConfig, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Session{
		cfg:     cfg,
		capture: deps.Capture,
		track:   deps.Track,
		speaker: deps.Speaker,
		service: deps.Service,
		bus:     deps.Bus,
		logger:  logger,
		timeout: timeout,
		detector: vad.New(vad.Config{
			SilenceThreshold: cfg.SilenceThreshold,
			SpeechFrames:     cfg.SpeechFrames,
			SilenceFrames:    cfg.SilenceFrames,
			SilenceDuration:  cfg.SilenceDuration,
			MaxListeningTime: cfg.MaxListeningTime,
		}, logger),
		evCh:   make(chan event, 64),
		stopCh: make(chan EndReason, 1),
		doneCh: make(chan struct{}),
		st:     sessionState{state: StateIdle},
	}
}

// Start acquires the microphone, begins the welcome turn, and launches the
// run loop. Permission/device errors are fatal: the session reaches Ended
// and the wrapped ErrMicrophone is returned for the user-visible message.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}

	s.mu.Lock()
	if s.st.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("cannot start call from state %s", s.st.state)
	}
	s.st.state = StateConnecting
	s.mu.Unlock()
	s.logger.Info("[Session] starting call")
	s.publish(events.TypeCallStarted, map[string]interface{}{"strategy": config.StrategyLocalVAD})

	if err := s.capture.Prepare(); err != nil {
		s.logger.Error("[Session] microphone unavailable", zap.Error(err))
		s.finish(ReasonDeviceError)
		return fmt.Errorf("%w: %v", ErrMicrophone, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	go s.run(runCtx)

	// Welcome turn: fetched concurrently, played before the first
	// listening phase.
	go func() {
		wctx, wcancel := context.WithTimeout(runCtx, s.timeout)
		defer wcancel()
		result, err := s.service.Welcome(wctx, "")
		s.post(event{kind: evWelcome, result: result, err: err})
	}()
	return nil
}

// End requests termination. Safe to call multiple times and from any state;
// the session always reaches Ended and resources are released exactly once.
func (s *Session) End(reason EndReason) {
	if !s.started.Load() {
		s.finish(reason)
		return
	}
	select {
	case s.stopCh <- reason:
	default:
	}
}

// ToggleMute flips the mute flag and disables/enables the outgoing track.
// The current listening phase keeps running on a silent signal; new
// listening phases are suppressed until unmuted. Returns the new value.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.st.muted = !s.st.muted
	muted := s.st.muted
	s.mu.Unlock()

	if s.track != nil {
		s.track.SetEnabled(!muted)
	}
	s.logger.Info("[Session] mute toggled", zap.Bool("muted", muted))
	s.post(event{kind: evMuteChanged, muted: muted})
	return muted
}

// StopRecording manually finishes the current listening phase, racing the
// detector's own end-of-utterance. At most one submission wins.
func (s *Session) StopRecording() {
	s.post(event{kind: evStopRecording})
}

// State returns the current conversational state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.state
}

// Muted reports whether the outgoing track is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.muted
}

// DurationSeconds returns the accumulated call duration.
func (s *Session) DurationSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.durationSeconds
}

// SessionID returns the service's conversation-continuity token, empty until
// the first response that carries one.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Notice returns the latest transient (recoverable) error message, if any.
func (s *Session) Notice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notice
}

// Reason returns why the call ended; empty before Ended.
func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Done is closed once the session has reached Ended and released resources.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// post delivers an event to the run loop unless the session has ended.
func (s *Session) post(ev event) {
	select {
	case s.evCh <- ev:
	case <-s.doneCh:
	}
}

func (s *Session) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: eventType, Data: data, Source: "call"})
}
