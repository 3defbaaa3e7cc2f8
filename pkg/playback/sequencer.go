package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Player is the audio output device. Play blocks until the audio has been
// played start-to-finish, the context is cancelled, or playback fails.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// Synthesizer turns reply text into audio when the service did not return
// audio directly.
type Synthesizer interface {
	SynthesizeSpeech(ctx context.Context, text string) ([]byte, error)
}

// Reply is what the sequencer is asked to speak: audio if present, otherwise
// synthesized from text.
type Reply struct {
	Audio []byte
	Text  string
}

// ErrNothingToPlay is reported when a reply has neither audio nor text.
var ErrNothingToPlay = errors.New("reply has no audio and no text")

// Sequencer plays synthesized speech for the current turn and signals
// completion. Only one playback is ever active; starting a new one stops and
// discards the prior audio first so speech never overlaps. Synthesized audio
// is memoized per reply text so repeated prompts skip the synthesis call.
type Sequencer struct {
	player Player
	synth  Synthesizer
	cache  *gocache.Cache
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	playing bool
	gen     uint64
}

// NewSequencer builds a sequencer around a player and a synthesizer.
func NewSequencer(player Player, synth Synthesizer, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		player: player,
		synth:  synth,
		cache:  gocache.New(5*time.Minute, 10*time.Minute),
		logger: logger,
	}
}

// Play resolves the reply to an audio resource and plays it. onDone is
// invoked exactly once, on natural completion or on error alike, so the
// caller can always advance the call; a playback error must never leave the
// engine stuck. Calling Play while another playback is active stops the
// prior one first.
func (s *Sequencer) Play(ctx context.Context, reply Reply, onDone func(err error)) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	playCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.playing = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go func() {
		err := s.run(playCtx, reply)

		s.mu.Lock()
		if s.gen == gen {
			s.playing = false
			s.cancel = nil
		}
		s.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("[Playback] failed", zap.Error(err))
		}
		if onDone != nil {
			onDone(err)
		}
	}()
}

func (s *Sequencer) run(ctx context.Context, reply Reply) error {
	audio := reply.Audio
	if len(audio) == 0 {
		if reply.Text == "" {
			return ErrNothingToPlay
		}
		if cached, ok := s.cache.Get(reply.Text); ok {
			audio = cached.([]byte)
		} else {
			synthesized, err := s.synth.SynthesizeSpeech(ctx, reply.Text)
			if err != nil {
				return fmt.Errorf("resolve reply audio: %w", err)
			}
			s.cache.SetDefault(reply.Text, synthesized)
			audio = synthesized
		}
	}

	s.logger.Debug("[Playback] starting", zap.Int("bytes", len(audio)))
	if err := s.player.Play(ctx, audio); err != nil {
		return err
	}
	s.logger.Debug("[Playback] completed")
	return nil
}

// Stop discards any in-progress playback. Its onDone fires with a
// cancellation error.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.playing = false
}

// Playing reports whether a playback is currently active.
func (s *Sequencer) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}
