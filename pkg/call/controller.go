package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inmobot-ai/callengine/pkg/audio"
	"github.com/inmobot-ai/callengine/pkg/convo"
	"github.com/inmobot-ai/callengine/pkg/events"
	"github.com/inmobot-ai/callengine/pkg/metrics"
	"github.com/inmobot-ai/callengine/pkg/playback"
	"github.com/inmobot-ai/callengine/pkg/vad"
)

type eventKind int

const (
	evWelcome eventKind = iota
	evStopRecording
	evTurnResolved
	evPlaybackDone
	evSettleDone
	evMuteChanged
)

// event carries one trigger into the run loop. Network and playback events
// are tagged with the turn they belong to so late arrivals from a superseded
// turn are discarded instead of corrupting the state machine.
type event struct {
	kind    eventKind
	turnID  string
	result  *convo.TurnResult
	err     error
	muted   bool
	started time.Time
}

const welcomeTurnID = "welcome"

// run is the only goroutine that mutates the state machine. The detector
// poll, the duration tick, and every posted event are dispatched here in
// order, so each handler sees a consistent sessionState.
func (s *Session) run(ctx context.Context) {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case reason := <-s.stopCh:
			s.finish(reason)
			return
		case <-ctx.Done():
			s.finish(ReasonHangup)
			return
		case ev := <-s.evCh:
			s.dispatch(ctx, ev)
		case <-poll.C:
			s.handlePoll(ctx)
		case <-tick.C:
			s.handleDurationTick()
		}
		if s.State() == StateEnded {
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, ev event) {
	switch ev.kind {
	case evWelcome:
		s.handleWelcome(ctx, ev)
	case evStopRecording:
		s.handleStopRecording(ctx)
	case evTurnResolved:
		s.handleTurnResolved(ctx, ev)
	case evPlaybackDone:
		s.handlePlaybackDone(ev)
	case evSettleDone:
		s.handleSettleDone()
	case evMuteChanged:
		s.handleMuteChanged(ev)
	}
}

// handlePoll feeds the latest amplitude frame to the detector while a
// listening phase is active.
func (s *Session) handlePoll(ctx context.Context) {
	s.mu.Lock()
	listening := s.st.listening && s.st.state == StateListening && !s.st.processing
	s.mu.Unlock()
	if !listening {
		return
	}

	switch s.detector.Observe(s.capture.Frame()) {
	case vad.DecisionSpeechStart:
		s.logger.Info("[Turn] speech detected")
	case vad.DecisionEndOfUtterance:
		s.freezeAndSubmit(ctx, "silence")
	case vad.DecisionTimeout:
		// No onset inside the window: forced end of utterance. A silent
		// buffer is below the minimum size, so this path usually discards
		// and re-arms; whatever did accumulate is submitted as usual.
		s.freezeAndSubmit(ctx, "timeout")
	}
}

// beginTurn moves Listening to Processing and sets the in-flight latch as a
// single check-and-set. Returns false if no turn may start, which is how a
// manual stop racing a detector decision collapses to one submission.
func (s *Session) beginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.state != StateListening || s.st.processing {
		return false
	}
	s.st.state = StateProcessing
	s.st.processing = true
	s.st.listening = false
	return true
}

// freezeAndSubmit closes the listening phase and hands the utterance to the
// service off-loop. The turn ID ties the eventual response back to this turn.
func (s *Session) freezeAndSubmit(ctx context.Context, trigger string) {
	if !s.beginTurn() {
		return
	}

	utterance, err := s.capture.Freeze()
	if err != nil {
		if err == audio.ErrUtteranceTooShort {
			metrics.TurnsDiscarded.Inc()
			s.logger.Debug("[Turn] utterance discarded", zap.String("trigger", trigger))
		} else {
			s.recoverTurn("capture", err)
		}
		s.closeTurn(0)
		return
	}

	turnID := uuid.NewString()
	s.mu.Lock()
	s.currentTurnID = turnID
	s.mu.Unlock()

	s.logger.Info("[Turn] utterance submitted",
		zap.String("turn_id", turnID),
		zap.String("trigger", trigger),
		zap.Duration("length", utterance.Duration()))

	go func() {
		started := time.Now()
		wavAudio, err := utterance.WAV()
		var result *convo.TurnResult
		if err == nil {
			tctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			result, err = s.service.SubmitUtterance(tctx, wavAudio, s.SessionID())
		}
		s.post(event{kind: evTurnResolved, turnID: turnID, result: result, err: err, started: started})
	}()
}

// handleStopRecording is the user manually finishing the listening phase.
func (s *Session) handleStopRecording(ctx context.Context) {
	s.freezeAndSubmit(ctx, "manual")
}

// handleTurnResolved applies the service's answer to the in-flight turn.
func (s *Session) handleTurnResolved(ctx context.Context, ev event) {
	s.mu.Lock()
	current := s.currentTurnID
	s.mu.Unlock()
	if ev.turnID != current {
		s.logger.Debug("[Turn] stale resolution dropped", zap.String("turn_id", ev.turnID))
		return
	}
	metrics.TurnLatency.Observe(time.Since(ev.started).Seconds())

	if ev.err != nil {
		s.recoverTurn("network", ev.err)
		s.closeTurn(0)
		return
	}
	result := ev.result
	if result.Error != "" {
		s.recoverTurn("service", errServiceTurn(result.Error))
		s.closeTurn(0)
		return
	}

	s.mu.Lock()
	if result.SessionID != "" {
		s.sessionID = result.SessionID
	}
	s.notice = ""
	s.mu.Unlock()

	if result.IsFiltered {
		// Noise classified server-side: back to listening, no reply spoken.
		metrics.TurnsFiltered.Inc()
		s.logger.Debug("[Turn] filtered as noise")
		s.closeTurn(0)
		return
	}
	if result.Empty() {
		s.logger.Debug("[Turn] empty reply")
		s.closeTurn(s.cfg.SettleDelayMin)
		return
	}

	s.appendTranscript(result)
	metrics.TurnsCompleted.Inc()
	s.publish(events.TypeTurnCompleted, map[string]interface{}{
		"transcript": result.Transcript,
		"reply":      result.ReplyText,
	})

	if !s.transition(StateProcessing, StateSpeaking) {
		return
	}
	s.mu.Lock()
	s.speakStarted = time.Now()
	s.mu.Unlock()
	s.speaker.Play(ctx, playback.Reply{Audio: result.ReplyAudio, Text: result.ReplyText}, func(err error) {
		s.post(event{kind: evPlaybackDone, turnID: ev.turnID, err: err})
	})
}

// handleWelcome plays the opening reply while still in Connecting. A failed
// welcome is recoverable: the call goes straight to listening.
func (s *Session) handleWelcome(ctx context.Context, ev event) {
	if s.State() != StateConnecting {
		return
	}
	if ev.err != nil || ev.result == nil || ev.result.Empty() {
		if ev.err != nil {
			s.recoverTurn("welcome", ev.err)
		}
		s.enterListening()
		return
	}

	s.mu.Lock()
	if ev.result.SessionID != "" {
		s.sessionID = ev.result.SessionID
	}
	if ev.result.ReplyText != "" {
		s.transcript = append(s.transcript, TranscriptEntry{Role: "assistant", Text: ev.result.ReplyText, At: time.Now()})
	}
	s.speakStarted = time.Now()
	s.mu.Unlock()

	s.logger.Info("[Turn] playing welcome")
	s.speaker.Play(ctx, playback.Reply{Audio: ev.result.ReplyAudio, Text: ev.result.ReplyText}, func(err error) {
		s.post(event{kind: evPlaybackDone, turnID: welcomeTurnID, err: err})
	})
}

// handlePlaybackDone ends the speaking phase and schedules the settle delay
// before the next listening phase.
func (s *Session) handlePlaybackDone(ev event) {
	state := s.State()
	if state != StateSpeaking && state != StateConnecting {
		return
	}
	if ev.err != nil && !errors.Is(ev.err, context.Canceled) {
		s.recoverTurn("playback", ev.err)
	}

	s.mu.Lock()
	spoken := time.Since(s.speakStarted)
	s.mu.Unlock()
	s.scheduleSettle(s.settleDelay(spoken))
}

// handleSettleDone re-arms listening after the echo-settle pause.
func (s *Session) handleSettleDone() {
	switch s.State() {
	case StateConnecting, StateProcessing, StateSpeaking:
		s.enterListening()
	}
}

// handleMuteChanged re-arms a listening phase that was suppressed by mute.
func (s *Session) handleMuteChanged(ev event) {
	if ev.muted {
		return
	}
	s.mu.Lock()
	suppressed := s.st.state == StateListening && !s.st.listening && !s.st.processing
	s.mu.Unlock()
	if suppressed {
		s.armListening()
	}
}

// handleDurationTick advances the call clock and enforces the hard cap.
func (s *Session) handleDurationTick() {
	s.mu.Lock()
	s.st.durationSeconds++
	capped := s.cfg.MaxCallDuration > 0 &&
		time.Duration(s.st.durationSeconds)*time.Second >= s.cfg.MaxCallDuration
	s.mu.Unlock()
	if capped {
		s.logger.Info("[Session] duration limit reached")
		s.finish(ReasonDurationLimit)
	}
}

// closeTurn clears the in-flight latch and returns to listening, optionally
// after a delay. Used for every non-speaking resolution: discard, filtered,
// empty, and recoverable error.
func (s *Session) closeTurn(delay time.Duration) {
	s.mu.Lock()
	s.st.processing = false
	s.currentTurnID = ""
	s.mu.Unlock()

	if delay <= 0 {
		s.enterListening()
		return
	}
	s.scheduleSettle(delay)
}

// enterListening moves into Listening and arms capture and detector, unless
// muted, in which case arming waits for unmute.
func (s *Session) enterListening() {
	s.mu.Lock()
	from := s.st.state
	if !canTransition(from, StateListening) {
		s.mu.Unlock()
		return
	}
	s.st.state = StateListening
	s.st.processing = false
	s.currentTurnID = ""
	muted := s.st.muted
	s.mu.Unlock()

	if muted {
		s.logger.Debug("[Turn] listening suppressed while muted")
		return
	}
	s.armListening()
}

// armListening arms the capture buffer and resets the detector window. An
// arming failure means the hardware is gone, which is fatal.
func (s *Session) armListening() {
	if err := s.capture.Arm(); err != nil {
		s.logger.Error("[Turn] capture arm failed", zap.Error(err))
		s.finish(ReasonDeviceError)
		return
	}
	s.detector.Arm()
	s.mu.Lock()
	s.st.listening = true
	s.mu.Unlock()
	s.logger.Debug("[Turn] listening")
}

// scheduleSettle posts evSettleDone after the delay, replacing any pending one.
func (s *Session) scheduleSettle(delay time.Duration) {
	s.mu.Lock()
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.settleTimer = time.AfterFunc(delay, func() {
		s.post(event{kind: evSettleDone})
	})
	s.mu.Unlock()
}

// settleDelay scales the echo-settle pause with how long the reply played:
// longer speech leaves a longer acoustic tail.
func (s *Session) settleDelay(spoken time.Duration) time.Duration {
	d := s.cfg.SettleDelayMin + spoken/20
	if d > s.cfg.SettleDelayMax {
		d = s.cfg.SettleDelayMax
	}
	if d < s.cfg.SettleDelayMin {
		d = s.cfg.SettleDelayMin
	}
	return d
}

// transition applies from -> to if legal; the from state must still hold.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.state != from || !canTransition(from, to) {
		return false
	}
	s.st.state = to
	return true
}

// recoverTurn records a per-turn failure: log, metric, transient notice.
// The call keeps going.
func (s *Session) recoverTurn(kind string, err error) {
	metrics.RecoverableErrors.WithLabelValues(kind).Inc()
	s.logger.Warn("[Turn] recoverable error",
		zap.String("kind", kind),
		zap.Error(err))
	s.mu.Lock()
	s.notice = "Something went wrong with that turn. Please try again."
	s.mu.Unlock()
	s.publish(events.TypeCallError, map[string]interface{}{
		"kind":  kind,
		"error": err.Error(),
	})
}

// finish moves to Ended and releases every resource exactly once. Safe to
// call from any goroutine; the first caller wins.
func (s *Session) finish(reason EndReason) {
	s.mu.Lock()
	if s.st.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.st.state = StateEnded
	s.st.processing = false
	s.st.listening = false
	s.endReason = reason
	duration := s.st.durationSeconds
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.mu.Unlock()

	if s.cancelRun != nil {
		s.cancelRun()
	}
	if s.speaker != nil {
		s.speaker.Stop()
	}
	if s.capture != nil {
		_ = s.capture.Release()
	}

	metrics.CallDuration.Observe(float64(duration))
	s.logger.Info("[Session] call ended",
		zap.String("reason", string(reason)),
		zap.Int("duration_seconds", duration))
	s.publish(events.TypeCallEnded, map[string]interface{}{
		"reason":           string(reason),
		"duration_seconds": duration,
	})
	close(s.doneCh)
}

// appendTranscript records the user and assistant lines of a resolved turn.
func (s *Session) appendTranscript(result *convo.TurnResult) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Transcript != "" {
		s.transcript = append(s.transcript, TranscriptEntry{Role: "user", Text: result.Transcript, At: now})
	}
	if result.ReplyText != "" {
		s.transcript = append(s.transcript, TranscriptEntry{Role: "assistant", Text: result.ReplyText, At: now})
	}
}

// errServiceTurn wraps a service-reported turn error string.
type errServiceTurn string

func (e errServiceTurn) Error() string { return string(e) }
