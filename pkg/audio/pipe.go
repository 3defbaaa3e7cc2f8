package audio

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUtteranceTooShort is returned by Freeze when the accumulated buffer is
// below the minimum viable utterance size (a noise burst, not speech).
var ErrUtteranceTooShort = errors.New("utterance below minimum size")

// Source is the hardware side of the capture pipe. Implementations deliver
// raw audio bytes through the data callback registered at construction and
// expose the most recent amplitude frame for the detector to poll.
type Source interface {
	// Start begins or resumes delivering audio. Calling Start on a source
	// that is already recording is a no-op.
	Start() error
	// Recording reports whether the underlying hardware session is live.
	Recording() bool
	// Frame returns the latest amplitude frame (fixed-size bins, 0..255).
	Frame() []byte
	// Close stops all hardware tracks. The source cannot be restarted.
	Close() error
}

// CapturePipe owns the microphone source and an appendable recording buffer.
// Arm starts a fresh utterance without interrupting an already-active
// hardware recording; Freeze yields the accumulated bytes as an immutable
// utterance; Release stops the hardware.
type CapturePipe struct {
	mu        sync.Mutex
	source    Source
	logger    *zap.Logger
	buf       []byte
	armed     bool
	released  bool
	startedAt time.Time

	sampleRate int
	channels   int
	minBytes   int
}

// NewCapturePipe wires the pipe to a source. The source must call Append for
// every chunk it captures.
func NewCapturePipe(source Source, sampleRate, channels, minBytes int, logger *zap.Logger) *CapturePipe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CapturePipe{
		source:     source,
		logger:     logger,
		sampleRate: sampleRate,
		channels:   channels,
		minBytes:   minBytes,
	}
}

// Append adds captured bytes to the current utterance buffer. Bytes arriving
// while the pipe is not armed are dropped.
func (p *CapturePipe) Append(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.armed || p.released {
		return
	}
	p.buf = append(p.buf, data...)
}

// Prepare starts the hardware session without arming the buffer. Used
// during call setup so permission and device errors surface before the
// first listening phase.
func (p *CapturePipe) Prepare() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return errors.New("capture pipe released")
	}
	p.mu.Unlock()
	if p.source.Recording() {
		return nil
	}
	return p.source.Start()
}

// Arm begins buffering a new utterance. If the hardware session is already
// recording this only resets the buffer; otherwise it starts the source.
func (p *CapturePipe) Arm() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return errors.New("capture pipe released")
	}
	p.buf = p.buf[:0]
	p.armed = true
	p.startedAt = time.Now()
	recording := p.source.Recording()
	p.mu.Unlock()

	if recording {
		p.logger.Debug("[Capture] re-armed over live recording")
		return nil
	}
	if err := p.source.Start(); err != nil {
		p.mu.Lock()
		p.armed = false
		p.mu.Unlock()
		return err
	}
	p.logger.Debug("[Capture] armed, recording started")
	return nil
}

// Freeze stops buffering and yields the accumulated bytes as an immutable
// utterance. Buffers below the minimum size yield ErrUtteranceTooShort; the
// caller discards and re-arms.
func (p *CapturePipe) Freeze() (*Utterance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = false
	if len(p.buf) < p.minBytes {
		p.logger.Debug("[Capture] buffer discarded",
			zap.Int("bytes", len(p.buf)),
			zap.Int("min_bytes", p.minBytes))
		return nil, ErrUtteranceTooShort
	}
	data := make([]byte, len(p.buf))
	copy(data, p.buf)
	p.buf = p.buf[:0]
	p.logger.Debug("[Capture] utterance frozen", zap.Int("bytes", len(data)))
	return &Utterance{
		Data:       data,
		StartedAt:  p.startedAt,
		SampleRate: p.sampleRate,
		Channels:   p.channels,
	}, nil
}

// Frame exposes the source's latest amplitude frame for the detector poll.
func (p *CapturePipe) Frame() []byte {
	return p.source.Frame()
}

// Armed reports whether the pipe is currently buffering.
func (p *CapturePipe) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}

// Buffered returns the current buffer size in bytes.
func (p *CapturePipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Release stops all hardware tracks. Safe to call more than once.
func (p *CapturePipe) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.armed = false
	p.buf = nil
	p.mu.Unlock()

	if err := p.source.Close(); err != nil {
		p.logger.Error("[Capture] source close failed", zap.Error(err))
		return err
	}
	p.logger.Debug("[Capture] released")
	return nil
}
