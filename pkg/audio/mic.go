package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// FrameBins is the number of amplitude bins in a detector frame. Matches an
// analyser window of 256 samples.
const FrameBins = 128

// MicSource captures from the default input device via miniaudio. Every
// captured chunk is handed to the data callback and folded into the latest
// amplitude frame for the detector poll.
type MicSource struct {
	mu        sync.Mutex
	ctx       *malgo.AllocatedContext
	device    *malgo.Device
	logger    *zap.Logger
	onData    func([]byte)
	frame     [FrameBins]byte
	recording bool
	disabled  bool
	closed    bool

	sampleRate int
	channels   int
}

// NewMicSource prepares the audio backend without opening the device yet.
// Opening happens on the first Start, which is where permission and device
// errors surface.
func NewMicSource(sampleRate, channels int, onData func([]byte), logger *zap.Logger) (*MicSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &MicSource{
		ctx:        ctx,
		logger:     logger,
		onData:     onData,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Start opens the capture device on first use and resumes it afterwards.
// A source that is already recording is left alone.
func (m *MicSource) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mic source closed")
	}
	if m.recording {
		return nil
	}
	if m.device == nil {
		cfg := malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = uint32(m.channels)
		cfg.SampleRate = uint32(m.sampleRate)
		cfg.Alsa.NoMMap = 1

		callbacks := malgo.DeviceCallbacks{
			Data: func(_, input []byte, _ uint32) {
				m.ingest(input)
			},
		}
		device, err := malgo.InitDevice(m.ctx.Context, cfg, callbacks)
		if err != nil {
			return fmt.Errorf("open capture device: %w", err)
		}
		m.device = device
	}
	if err := m.device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	m.recording = true
	m.logger.Debug("[Mic] capture started",
		zap.Int("sample_rate", m.sampleRate),
		zap.Int("channels", m.channels))
	return nil
}

// SetEnabled enables or disables the outgoing track without stopping the
// hardware session. While disabled, captured data is dropped and the
// amplitude frame reads as silence.
func (m *MicSource) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = !enabled
	if m.disabled {
		m.frame = [FrameBins]byte{}
	}
}

// ingest updates the amplitude frame and forwards the chunk.
func (m *MicSource) ingest(input []byte) {
	m.mu.Lock()
	if !m.recording || m.closed || m.disabled {
		m.mu.Unlock()
		return
	}
	m.foldFrame(input)
	onData := m.onData
	m.mu.Unlock()

	if onData != nil {
		chunk := make([]byte, len(input))
		copy(chunk, input)
		onData(chunk)
	}
}

// foldFrame reduces a PCM chunk to FrameBins average-amplitude bins scaled
// to 0..255.
func (m *MicSource) foldFrame(input []byte) {
	samples := len(input) / 2
	if samples == 0 {
		return
	}
	binSize := samples / FrameBins
	if binSize == 0 {
		binSize = 1
	}
	for bin := 0; bin < FrameBins; bin++ {
		start := bin * binSize
		if start >= samples {
			m.frame[bin] = 0
			continue
		}
		end := start + binSize
		if end > samples {
			end = samples
		}
		var sum int64
		for i := start; i < end; i++ {
			s := int16(input[i*2]) | int16(input[i*2+1])<<8
			if s < 0 {
				s = -s
			}
			sum += int64(s)
		}
		avg := sum / int64(end-start)
		v := avg >> 7 // 0..32767 -> 0..255
		if v > 255 {
			v = 255
		}
		m.frame[bin] = byte(v)
	}
}

// Recording reports whether the device is currently capturing.
func (m *MicSource) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// Frame returns a copy of the latest amplitude frame.
func (m *MicSource) Frame() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, FrameBins)
	copy(out, m.frame[:])
	return out
}

// Close stops the device and releases the audio backend.
func (m *MicSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.recording = false
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	m.logger.Debug("[Mic] closed")
	return nil
}
