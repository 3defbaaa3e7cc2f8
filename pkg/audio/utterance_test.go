package audio

import (
	"bytes"
	"testing"
	"time"

	wav "github.com/youpy/go-wav"
)

func TestUtterance_Duration(t *testing.T) {
	tests := []struct {
		name string
		utt  Utterance
		want time.Duration
	}{
		{
			name: "one second mono 16k",
			utt:  Utterance{Data: make([]byte, 32000), SampleRate: 16000, Channels: 1},
			want: time.Second,
		},
		{
			name: "half second stereo",
			utt:  Utterance{Data: make([]byte, 32000), SampleRate: 16000, Channels: 2},
			want: 500 * time.Millisecond,
		},
		{
			name: "zero sample rate",
			utt:  Utterance{Data: make([]byte, 32000)},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.utt.Duration(); got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUtterance_WAVRoundTrip(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	utt := Utterance{Data: pcm, SampleRate: 16000, Channels: 1}

	encoded, err := utt.WAV()
	if err != nil {
		t.Fatalf("WAV() failed: %v", err)
	}
	if !bytes.HasPrefix(encoded, []byte("RIFF")) {
		t.Fatal("encoded payload is not a RIFF container")
	}

	reader := wav.NewReader(bytes.NewReader(encoded))
	format, err := reader.Format()
	if err != nil {
		t.Fatalf("read wav format: %v", err)
	}
	if format.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", format.SampleRate)
	}
	if format.NumChannels != 1 {
		t.Errorf("channels = %d, want 1", format.NumChannels)
	}
	if format.BitsPerSample != 16 {
		t.Errorf("bits per sample = %d, want 16", format.BitsPerSample)
	}
}

func TestUtterance_WAVRejectsOddPayload(t *testing.T) {
	utt := Utterance{Data: make([]byte, 101), SampleRate: 16000, Channels: 1}
	if _, err := utt.WAV(); err == nil {
		t.Fatal("WAV() should reject a non-16-bit-aligned payload")
	}
}
