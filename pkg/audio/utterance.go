package audio

import (
	"bytes"
	"fmt"
	"time"

	wav "github.com/youpy/go-wav"
)

// Utterance is an immutable chunk of captured PCM audio ready for submission.
type Utterance struct {
	Data       []byte
	StartedAt  time.Time
	SampleRate int
	Channels   int
}

// Duration estimates the utterance length from the PCM byte count
// (16-bit samples).
func (u *Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 || u.Channels <= 0 {
		return 0
	}
	samples := len(u.Data) / 2 / u.Channels
	return time.Duration(samples) * time.Second / time.Duration(u.SampleRate)
}

// WAV wraps the raw PCM bytes in a WAV container for upload.
func (u *Utterance) WAV() ([]byte, error) {
	if len(u.Data)%2 != 0 {
		return nil, fmt.Errorf("pcm payload must be 16-bit aligned, got %d bytes", len(u.Data))
	}
	numSamples := uint32(len(u.Data) / 2 / u.Channels)
	var buf bytes.Buffer
	w := wav.NewWriter(&buf, numSamples, uint16(u.Channels), uint32(u.SampleRate), 16)
	if _, err := w.Write(u.Data); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	return buf.Bytes(), nil
}
