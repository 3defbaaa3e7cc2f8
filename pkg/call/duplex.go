package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inmobot-ai/callengine/pkg/events"
	"github.com/inmobot-ai/callengine/pkg/metrics"
	"github.com/inmobot-ai/callengine/pkg/playback"
)

// Wire events of the realtime endpoint. Audio flows upstream as binary
// frames; everything else is JSON text frames.
const (
	wireSessionCreated  = "session.created"
	wireSpeechStarted   = "speech.started"
	wireSpeechStopped   = "speech.stopped"
	wireTranscriptPart  = "transcript.partial"
	wireTranscriptFinal = "transcript.final"
	wireReplyPartial    = "reply.partial"
	wireReplyFinal      = "reply.final"
	wireError           = "error"
)

// wireMessage is one JSON frame in either direction.
type wireMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Audio     string `json:"audio,omitempty"` // base64 PCM/WAV
	Message   string `json:"message,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
	Muted     bool   `json:"muted,omitempty"`
}

// DuplexOptions configures the realtime transport.
type DuplexOptions struct {
	URL             string
	APIKey          string
	Dialer          *websocket.Dialer
	Timeout         time.Duration // dial timeout; defaults to 30s
	MaxCallDuration time.Duration // hard cap; defaults to 300s
}

// DuplexDeps bundles the duplex session's collaborators. Capture is used for
// hardware lifecycle only; segmentation happens server-side.
type DuplexDeps struct {
	Capture Capture
	Track   TrackControl
	Speaker SpeechPlayer
	Bus     *events.EventBus
	Logger  *zap.Logger
}

// DuplexSession is the full-duplex binding of the call engine: a persistent
// websocket streams microphone audio continuously while the remote service
// performs its own voice-activity detection and pushes turn events back. The
// same five conversational states apply; the remote events replace the local
// detector's decisions.
type DuplexSession struct {
	opts    DuplexOptions
	capture Capture
	track   TrackControl
	speaker SpeechPlayer
	bus     *events.EventBus
	logger  *zap.Logger

	started atomic.Bool
	evCh    chan duplexEvent
	stopCh  chan EndReason
	doneCh  chan struct{}

	mu          sync.Mutex
	st          sessionState
	conn        *websocket.Conn
	writeMu     sync.Mutex
	sessionID   string
	transcript  []TranscriptEntry
	pendingText string // reply text accumulated from partials
	notice      string
	endReason   EndReason
	cancelRun   context.CancelFunc
}

type duplexEvent struct {
	msg         wireMessage
	playbackErr error
	playback    bool
	transport   error // read-pump failure; nil otherwise
}

// NewDuplexSession builds a duplex session in Idle.
func NewDuplexSession(opts DuplexOptions, deps DuplexDeps) *DuplexSession {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxCallDuration <= 0 {
		opts.MaxCallDuration = 300 * time.Second
	}
	return &DuplexSession{
		opts:    opts,
		capture: deps.Capture,
		track:   deps.Track,
		speaker: deps.Speaker,
		bus:     deps.Bus,
		logger:  logger,
		evCh:    make(chan duplexEvent, 64),
		stopCh:  make(chan EndReason, 1),
		doneCh:  make(chan struct{}),
		st:      sessionState{state: StateIdle},
	}
}

// Start acquires the microphone, dials the realtime endpoint, and launches
// the read pump and run loop.
func (d *DuplexSession) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}

	d.mu.Lock()
	if d.st.state != StateIdle {
		d.mu.Unlock()
		return fmt.Errorf("cannot start call from state %s", d.st.state)
	}
	d.st.state = StateConnecting
	d.mu.Unlock()
	d.publish(events.TypeCallStarted, map[string]interface{}{"strategy": "remote-vad"})

	if err := d.capture.Prepare(); err != nil {
		d.logger.Error("[Duplex] microphone unavailable", zap.Error(err))
		d.finish(ReasonDeviceError)
		return fmt.Errorf("%w: %v", ErrMicrophone, err)
	}

	header := http.Header{}
	if d.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.opts.APIKey)
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer dialCancel()
	conn, _, err := d.opts.Dialer.DialContext(dialCtx, d.opts.URL, header)
	if err != nil {
		d.logger.Error("[Duplex] dial failed", zap.Error(err))
		d.finish(ReasonTransportClosed)
		return fmt.Errorf("dial realtime endpoint: %w", err)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.logger.Info("[Duplex] stream connected", zap.String("url", d.opts.URL))

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelRun = cancel
	d.mu.Unlock()
	go d.readPump(conn)
	go d.run(runCtx)
	return nil
}

// Feed streams one captured chunk upstream. Wired as the microphone data
// callback; chunks are dropped while muted or before the stream is up.
func (d *DuplexSession) Feed(chunk []byte) {
	d.mu.Lock()
	conn := d.conn
	skip := d.st.muted || d.st.state == StateEnded || conn == nil
	d.mu.Unlock()
	if skip {
		return
	}
	d.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, chunk)
	d.writeMu.Unlock()
	if err != nil {
		d.logger.Debug("[Duplex] audio write failed", zap.Error(err))
	}
}

// End requests termination. Idempotent.
func (d *DuplexSession) End(reason EndReason) {
	if !d.started.Load() {
		d.finish(reason)
		return
	}
	select {
	case d.stopCh <- reason:
	default:
	}
}

// ToggleMute stops streaming audio upstream and tells the service, so the
// remote detector does not confirm end-of-utterance on the resulting silence.
func (d *DuplexSession) ToggleMute() bool {
	d.mu.Lock()
	d.st.muted = !d.st.muted
	muted := d.st.muted
	d.mu.Unlock()
	if d.track != nil {
		d.track.SetEnabled(!muted)
	}
	d.send(wireMessage{Type: "mute", Muted: muted})
	return muted
}

// StopRecording asks the service to commit the current utterance now instead
// of waiting for its own silence confirmation.
func (d *DuplexSession) StopRecording() {
	d.send(wireMessage{Type: "stop"})
}

// State returns the current conversational state.
func (d *DuplexSession) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.state
}

// Muted reports whether upstream audio is suppressed.
func (d *DuplexSession) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.muted
}

// DurationSeconds returns the accumulated call duration.
func (d *DuplexSession) DurationSeconds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.durationSeconds
}

// SessionID returns the conversation-continuity token.
func (d *DuplexSession) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// Transcript returns a copy of the conversation so far.
func (d *DuplexSession) Transcript() []TranscriptEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TranscriptEntry, len(d.transcript))
	copy(out, d.transcript)
	return out
}

// Notice returns the latest transient error message, if any.
func (d *DuplexSession) Notice() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notice
}

// Reason returns why the call ended; empty before Ended.
func (d *DuplexSession) Reason() EndReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endReason
}

// Done is closed once the session has reached Ended.
func (d *DuplexSession) Done() <-chan struct{} {
	return d.doneCh
}

// readPump turns incoming frames into run-loop events. A read failure ends
// the pump; the run loop decides whether that ends the call.
func (d *DuplexSession) readPump(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			d.post(duplexEvent{transport: err})
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			d.logger.Warn("[Duplex] undecodable frame", zap.Error(err))
			continue
		}
		d.post(duplexEvent{msg: msg})
	}
}

// run serializes remote events, playback completions, mute changes, the
// duration tick, and termination through one decision point, the same
// discipline as the local-vad loop.
func (d *DuplexSession) run(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case reason := <-d.stopCh:
			d.finish(reason)
			return
		case <-ctx.Done():
			d.finish(ReasonHangup)
			return
		case ev := <-d.evCh:
			d.dispatch(ctx, ev)
		case <-tick.C:
			d.mu.Lock()
			d.st.durationSeconds++
			capped := time.Duration(d.st.durationSeconds)*time.Second >= d.opts.MaxCallDuration
			d.mu.Unlock()
			if capped {
				d.finish(ReasonDurationLimit)
				return
			}
		}
		if d.State() == StateEnded {
			return
		}
	}
}

func (d *DuplexSession) dispatch(ctx context.Context, ev duplexEvent) {
	switch {
	case ev.transport != nil:
		if websocket.IsCloseError(ev.transport, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			d.finish(ReasonTransportClosed)
			return
		}
		d.logger.Error("[Duplex] stream failed", zap.Error(ev.transport))
		d.finish(ReasonTransportClosed)
	case ev.playback:
		d.handlePlaybackDone(ev.playbackErr)
	default:
		d.handleWire(ctx, ev.msg)
	}
}

// handleWire maps remote detector events onto the conversational states.
func (d *DuplexSession) handleWire(ctx context.Context, msg wireMessage) {
	switch msg.Type {
	case wireSessionCreated:
		d.mu.Lock()
		if msg.SessionID != "" {
			d.sessionID = msg.SessionID
		}
		d.mu.Unlock()
		d.send(wireMessage{Type: "session.start", SessionID: msg.SessionID})
		// Request the opening greeting; the call stays in Connecting
		// until the greeting has played or failed.
		d.send(wireMessage{Type: "welcome"})
		d.logger.Info("[Duplex] session established", zap.String("session_id", msg.SessionID))

	case wireSpeechStarted:
		// Remote onset confirmation; stay in Listening.
		d.logger.Debug("[Duplex] remote speech onset")

	case wireSpeechStopped:
		d.beginTurn()

	case wireTranscriptPart:
		// Partials are display-only; the final replaces them.
		d.logger.Debug("[Duplex] partial transcript", zap.String("text", msg.Text))

	case wireTranscriptFinal:
		d.mu.Lock()
		if msg.Text != "" {
			d.transcript = append(d.transcript, TranscriptEntry{Role: "user", Text: msg.Text, At: time.Now()})
		}
		d.mu.Unlock()

	case wireReplyPartial:
		d.mu.Lock()
		d.pendingText += msg.Text
		d.mu.Unlock()

	case wireReplyFinal:
		d.resolveReply(ctx, msg)

	case wireError:
		if msg.Fatal {
			d.logger.Error("[Duplex] fatal service error", zap.String("message", msg.Message))
			d.finish(ReasonTransportClosed)
			return
		}
		metrics.RecoverableErrors.WithLabelValues("service").Inc()
		d.mu.Lock()
		d.notice = "Something went wrong with that turn. Please try again."
		d.mu.Unlock()
		d.publish(events.TypeCallError, map[string]interface{}{"message": msg.Message})
		d.toState(StateListening)

	default:
		d.logger.Debug("[Duplex] unhandled frame", zap.String("type", msg.Type))
	}
}

// beginTurn moves Listening to Processing under the same state+latch
// check-and-set as the local engine.
func (d *DuplexSession) beginTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st.state != StateListening || d.st.processing {
		return
	}
	d.st.state = StateProcessing
	d.st.processing = true
	d.pendingText = ""
}

// resolveReply plays the final reply. A reply arriving while still in
// Connecting is the welcome turn; it plays without leaving Connecting, the
// same shape as the half-duplex engine. For a real turn the latch stays set
// until playback ends.
func (d *DuplexSession) resolveReply(ctx context.Context, msg wireMessage) {
	d.mu.Lock()
	text := d.pendingText
	if msg.Text != "" {
		text = msg.Text
	}
	d.pendingText = ""
	state := d.st.state
	if state != StateProcessing && state != StateConnecting {
		d.mu.Unlock()
		return
	}
	welcome := state == StateConnecting
	if welcome && text == "" && msg.Audio == "" {
		// No greeting configured server-side: straight to listening.
		d.mu.Unlock()
		d.toState(StateListening)
		return
	}
	if !welcome {
		d.st.state = StateSpeaking
	}
	if text != "" {
		d.transcript = append(d.transcript, TranscriptEntry{Role: "assistant", Text: text, At: time.Now()})
	}
	d.notice = ""
	d.mu.Unlock()

	var audio []byte
	if msg.Audio != "" {
		decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			d.logger.Warn("[Duplex] reply audio undecodable", zap.Error(err))
		} else {
			audio = decoded
		}
	}

	if welcome {
		d.logger.Info("[Duplex] playing welcome")
	} else {
		metrics.TurnsCompleted.Inc()
		d.publish(events.TypeTurnCompleted, map[string]interface{}{"reply": text})
	}
	d.speaker.Play(ctx, playback.Reply{Audio: audio, Text: text}, func(err error) {
		d.post(duplexEvent{playback: true, playbackErr: err})
	})
}

func (d *DuplexSession) handlePlaybackDone(err error) {
	state := d.State()
	if state != StateSpeaking && state != StateConnecting {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		metrics.RecoverableErrors.WithLabelValues("playback").Inc()
		d.logger.Warn("[Duplex] playback failed", zap.Error(err))
	}
	d.toState(StateListening)
}

// toState applies a transition and clears the latch when re-entering
// Listening. Mute does not block the duplex listening state; suppression
// happens at Feed, which simply stops sending audio.
func (d *DuplexSession) toState(to State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !canTransition(d.st.state, to) {
		return
	}
	d.st.state = to
	if to == StateListening {
		d.st.processing = false
	}
}

// send writes one JSON control frame.
func (d *DuplexSession) send(msg wireMessage) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		d.logger.Debug("[Duplex] control write failed",
			zap.String("type", msg.Type), zap.Error(err))
	}
}

func (d *DuplexSession) post(ev duplexEvent) {
	select {
	case d.evCh <- ev:
	case <-d.doneCh:
	}
}

func (d *DuplexSession) publish(eventType string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Type: eventType, Data: data, Source: "call"})
}

// finish releases the stream and hardware exactly once.
func (d *DuplexSession) finish(reason EndReason) {
	d.mu.Lock()
	if d.st.state == StateEnded {
		d.mu.Unlock()
		return
	}
	d.st.state = StateEnded
	d.st.processing = false
	d.endReason = reason
	conn := d.conn
	d.conn = nil
	cancel := d.cancelRun
	duration := d.st.durationSeconds
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if d.speaker != nil {
		d.speaker.Stop()
	}
	if conn != nil {
		d.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
			time.Now().Add(time.Second))
		d.writeMu.Unlock()
		_ = conn.Close()
	}
	if d.capture != nil {
		_ = d.capture.Release()
	}

	metrics.CallDuration.Observe(float64(duration))
	d.logger.Info("[Duplex] call ended",
		zap.String("reason", string(reason)),
		zap.Int("duration_seconds", duration))
	d.publish(events.TypeCallEnded, map[string]interface{}{
		"reason":           string(reason),
		"duration_seconds": duration,
	})
	close(d.doneCh)
}
