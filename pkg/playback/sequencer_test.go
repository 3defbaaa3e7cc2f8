package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlayer blocks until released so tests can observe in-progress playback.
type fakePlayer struct {
	mu      sync.Mutex
	plays   int
	playErr error
	block   chan struct{} // nil means return immediately
}

func (p *fakePlayer) Play(ctx context.Context, audio []byte) error {
	p.mu.Lock()
	p.plays++
	block := p.block
	err := p.playErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

type fakeSynth struct {
	calls atomic.Int32
	audio []byte
	err   error
}

func (s *fakeSynth) SynthesizeSpeech(ctx context.Context, text string) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("onDone was not invoked")
		return nil
	}
}

func TestSequencer_OnDoneFiresOnCompletion(t *testing.T) {
	player := &fakePlayer{}
	seq := NewSequencer(player, &fakeSynth{}, nil)

	done := make(chan error, 1)
	seq.Play(context.Background(), Reply{Audio: []byte("pcm")}, func(err error) { done <- err })

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 1, player.playCount())
	assert.False(t, seq.Playing())
}

func TestSequencer_OnDoneFiresOnError(t *testing.T) {
	player := &fakePlayer{playErr: errors.New("decode failure")}
	seq := NewSequencer(player, &fakeSynth{}, nil)

	done := make(chan error, 1)
	seq.Play(context.Background(), Reply{Audio: []byte("pcm")}, func(err error) { done <- err })

	err := waitDone(t, done)
	require.Error(t, err)
	assert.False(t, seq.Playing(), "a playback error must never leave the sequencer stuck")
}

func TestSequencer_OnDoneFiresForEmptyReply(t *testing.T) {
	seq := NewSequencer(&fakePlayer{}, &fakeSynth{}, nil)

	done := make(chan error, 1)
	seq.Play(context.Background(), Reply{}, func(err error) { done <- err })

	err := waitDone(t, done)
	require.ErrorIs(t, err, ErrNothingToPlay)
}

func TestSequencer_NewPlayStopsPrior(t *testing.T) {
	block := make(chan struct{})
	player := &fakePlayer{block: block}
	seq := NewSequencer(player, &fakeSynth{}, nil)

	first := make(chan error, 1)
	seq.Play(context.Background(), Reply{Audio: []byte("one")}, func(err error) { first <- err })
	require.Eventually(t, seq.Playing, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	seq.Play(context.Background(), Reply{Audio: []byte("two")}, func(err error) { second <- err })

	// The first playback is cancelled, never completed.
	err := waitDone(t, first)
	require.ErrorIs(t, err, context.Canceled)

	close(block)
	require.NoError(t, waitDone(t, second))
	assert.Equal(t, 2, player.playCount())
}

func TestSequencer_StopCancelsPlayback(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	player := &fakePlayer{block: block}
	seq := NewSequencer(player, &fakeSynth{}, nil)

	done := make(chan error, 1)
	seq.Play(context.Background(), Reply{Audio: []byte("pcm")}, func(err error) { done <- err })
	require.Eventually(t, seq.Playing, time.Second, 5*time.Millisecond)

	seq.Stop()
	err := waitDone(t, done)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, seq.Playing())
}

func TestSequencer_SynthesisMemoized(t *testing.T) {
	synth := &fakeSynth{audio: []byte("synthesized")}
	seq := NewSequencer(&fakePlayer{}, synth, nil)

	for i := 0; i < 3; i++ {
		done := make(chan error, 1)
		seq.Play(context.Background(), Reply{Text: "hello there"}, func(err error) { done <- err })
		require.NoError(t, waitDone(t, done))
	}

	assert.Equal(t, int32(1), synth.calls.Load(), "repeated reply text should hit the cache")
}

func TestSequencer_SynthesisErrorReported(t *testing.T) {
	synth := &fakeSynth{err: errors.New("service unavailable")}
	seq := NewSequencer(&fakePlayer{}, synth, nil)

	done := make(chan error, 1)
	seq.Play(context.Background(), Reply{Text: "hello"}, func(err error) { done <- err })

	err := waitDone(t, done)
	require.Error(t, err)
}
