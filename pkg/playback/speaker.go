package playback

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// Speaker plays 16-bit PCM through the default output device via miniaudio.
// It implements Player.
type Speaker struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	logger *zap.Logger
	closed bool

	sampleRate int
	channels   int
}

// NewSpeaker prepares the audio backend for playback.
func NewSpeaker(sampleRate, channels int, logger *zap.Logger) (*Speaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Speaker{
		ctx:        ctx,
		logger:     logger,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Play streams the PCM bytes to the output device and blocks until they have
// been consumed or the context is cancelled.
func (s *Speaker) Play(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("speaker closed")
	}
	allocated := s.ctx
	s.mu.Unlock()

	var (
		pos  int
		posM sync.Mutex
		done = make(chan struct{})
		once sync.Once
	)

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(s.channels)
	cfg.SampleRate = uint32(s.sampleRate)
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			posM.Lock()
			n := copy(output, audio[pos:])
			pos += n
			finished := pos >= len(audio)
			posM.Unlock()
			if finished {
				once.Do(func() { close(done) })
			}
		},
	}

	device, err := malgo.InitDevice(allocated.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("open playback device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Debug("[Speaker] playback cancelled")
		return ctx.Err()
	}
}

// Close releases the audio backend.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
	return nil
}
