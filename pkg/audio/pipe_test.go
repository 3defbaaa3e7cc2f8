package audio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

// fakeSource drives the pipe without hardware.
type fakeSource struct {
	mu        sync.Mutex
	recording bool
	closed    bool
	starts    int
	closes    int
	startErr  error
	frame     []byte
}

func (f *fakeSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.recording = true
	return nil
}

func (f *fakeSource) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

func (f *fakeSource) Frame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.closed = true
	f.recording = false
	return nil
}

func TestCapturePipe_FreezeBelowMinimumDiscards(t *testing.T) {
	pipe := NewCapturePipe(&fakeSource{}, 16000, 1, 1000, nil)
	if err := pipe.Arm(); err != nil {
		t.Fatalf("Arm() failed: %v", err)
	}

	pipe.Append(make([]byte, 500))
	_, err := pipe.Freeze()
	if !errors.Is(err, ErrUtteranceTooShort) {
		t.Fatalf("Freeze() error = %v, want ErrUtteranceTooShort", err)
	}

	// The pipe can be re-armed and capture a viable utterance afterwards.
	if err := pipe.Arm(); err != nil {
		t.Fatalf("re-Arm() failed: %v", err)
	}
	pipe.Append(make([]byte, 2000))
	utt, err := pipe.Freeze()
	if err != nil {
		t.Fatalf("Freeze() failed: %v", err)
	}
	if len(utt.Data) != 2000 {
		t.Errorf("utterance size = %d, want 2000", len(utt.Data))
	}
}

func TestCapturePipe_AppendDroppedWhileUnarmed(t *testing.T) {
	pipe := NewCapturePipe(&fakeSource{}, 16000, 1, 0, nil)

	pipe.Append([]byte("before arm"))
	if got := pipe.Buffered(); got != 0 {
		t.Fatalf("Buffered() = %d before arm, want 0", got)
	}

	if err := pipe.Arm(); err != nil {
		t.Fatalf("Arm() failed: %v", err)
	}
	pipe.Append([]byte("during"))
	utt, err := pipe.Freeze()
	if err != nil {
		t.Fatalf("Freeze() failed: %v", err)
	}
	if !bytes.Equal(utt.Data, []byte("during")) {
		t.Errorf("utterance = %q, want only bytes appended while armed", utt.Data)
	}

	pipe.Append([]byte("after freeze"))
	if got := pipe.Buffered(); got != 0 {
		t.Errorf("Buffered() = %d after freeze, want 0", got)
	}
}

func TestCapturePipe_ArmOverLiveRecordingDoesNotRestart(t *testing.T) {
	src := &fakeSource{}
	pipe := NewCapturePipe(src, 16000, 1, 0, nil)

	if err := pipe.Arm(); err != nil {
		t.Fatalf("first Arm() failed: %v", err)
	}
	pipe.Append(make([]byte, 100))
	if _, err := pipe.Freeze(); err != nil {
		t.Fatalf("Freeze() failed: %v", err)
	}

	if err := pipe.Arm(); err != nil {
		t.Fatalf("second Arm() failed: %v", err)
	}
	if src.starts != 1 {
		t.Errorf("source started %d times, want 1 (re-arm over live recording)", src.starts)
	}
	if got := pipe.Buffered(); got != 0 {
		t.Errorf("Buffered() = %d after re-arm, want fresh buffer", got)
	}
}

func TestCapturePipe_ReleaseIdempotent(t *testing.T) {
	src := &fakeSource{}
	pipe := NewCapturePipe(src, 16000, 1, 0, nil)
	if err := pipe.Arm(); err != nil {
		t.Fatalf("Arm() failed: %v", err)
	}

	if err := pipe.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if err := pipe.Release(); err != nil {
		t.Fatalf("second Release() failed: %v", err)
	}
	if src.closes != 1 {
		t.Errorf("source closed %d times, want exactly 1", src.closes)
	}

	if err := pipe.Arm(); err == nil {
		t.Error("Arm() after Release() should fail")
	}
}

func TestCapturePipe_PrepareStartsWithoutArming(t *testing.T) {
	src := &fakeSource{}
	pipe := NewCapturePipe(src, 16000, 1, 0, nil)

	if err := pipe.Prepare(); err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	if !src.recording {
		t.Error("Prepare() should start the hardware session")
	}
	if pipe.Armed() {
		t.Error("Prepare() should not arm the buffer")
	}

	pipe.Append(make([]byte, 100))
	if got := pipe.Buffered(); got != 0 {
		t.Errorf("Buffered() = %d after Prepare, want 0", got)
	}
}

func TestCapturePipe_ArmSurfacesSourceError(t *testing.T) {
	src := &fakeSource{startErr: errors.New("mic denied")}
	pipe := NewCapturePipe(src, 16000, 1, 0, nil)

	if err := pipe.Arm(); err == nil {
		t.Fatal("Arm() should surface the source error")
	}
	if pipe.Armed() {
		t.Error("pipe must not stay armed after a failed start")
	}
}
