// Package capture implements [audio.Source] on top of PortAudio
// (github.com/gordonklaus/portaudio).
//
// Each [Source.Open] call initialises PortAudio, opens a blocking input stream
// on the selected device and reads from it on a dedicated goroutine. PortAudio
// reference-counts initialisation, so concurrent streams are allowed as long as
// the host API permits them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parlance/pkg/audio"
)

// Source opens PortAudio input streams.
type Source struct {
	// Buffer is the frame channel capacity of each opened stream. Frames are
	// dropped with a debug log when the consumer falls further behind.
	Buffer int
}

// New returns a Source with default settings.
func New() *Source { return &Source{Buffer: 32} }

// Devices lists the names of all devices with at least one input channel.
func Devices() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: initialize: %w", err)
	}
	defer portaudio.Terminate()

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}
	var names []string
	for _, d := range devs {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context, c audio.Constraints) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		slog.Debug("capture: processing hints not supported by portaudio, ignoring",
			"echo_cancellation", c.EchoCancellation,
			"noise_suppression", c.NoiseSuppression,
			"auto_gain_control", c.AutoGainControl,
		)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", audio.ErrDeviceUnavailable, err)
	}
	st, err := s.open(c)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	return st, nil
}

func (s *Source) open(c audio.Constraints) (*stream, error) {
	dev, err := selectDevice(c.DeviceName)
	if err != nil {
		return nil, err
	}

	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	if channels > dev.MaxInputChannels {
		channels = dev.MaxInputChannels
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}
	frames := c.FramesPerBuffer(rate)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: frames,
	}
	buf := make([]float32, frames*channels)
	ps, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q at %d Hz: %v", audio.ErrDeviceUnavailable, dev.Name, rate, err)
	}
	if err := ps.Start(); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: start %q: %v", audio.ErrDeviceUnavailable, dev.Name, err)
	}

	size := s.Buffer
	if size <= 0 {
		size = 32
	}
	st := &stream{
		ps:     ps,
		buf:    buf,
		device: dev.Name,
		format: audio.Format{SampleRate: rate, Channels: channels},
		frames: make(chan audio.AudioFrame, size),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	slog.Info("capture: stream started", "device", dev.Name, "format", st.format.String(), "frames_per_buffer", frames)
	go st.read()
	return st, nil
}

func selectDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input: %v", audio.ErrDeviceUnavailable, err)
		}
		return dev, nil
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", audio.ErrDeviceUnavailable, err)
	}
	for _, d := range devs {
		if d.MaxInputChannels > 0 && strings.EqualFold(d.Name, name) {
			return d, nil
		}
	}
	for _, d := range devs {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matches %q", audio.ErrDeviceUnavailable, name)
}

// stream is an open PortAudio input stream.
type stream struct {
	ps     *portaudio.Stream
	buf    []float32
	device string
	format audio.Format
	frames chan audio.AudioFrame

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (st *stream) Frames() <-chan audio.AudioFrame { return st.frames }
func (st *stream) Format() audio.Format            { return st.format }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Close stops the read loop and releases the device. The read loop finishes
// its current buffer first, so Close blocks for at most one frame duration.
func (st *stream) Close() error {
	st.closeOnce.Do(func() { close(st.done) })
	<-st.exited
	return nil
}

func (st *stream) read() {
	defer close(st.exited)
	defer close(st.frames)
	defer st.release()

	var captured int64
	for {
		select {
		case <-st.done:
			return
		default:
		}

		if err := st.ps.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("capture: input overflowed", "device", st.device)
			} else {
				st.mu.Lock()
				st.err = fmt.Errorf("%w: %s: %v", audio.ErrStreamTerminated, st.device, err)
				st.mu.Unlock()
				slog.Warn("capture: stream terminated", "device", st.device, "err", err)
				return
			}
		}

		frame := audio.AudioFrame{
			Samples:    append([]float32(nil), st.buf...),
			SampleRate: st.format.SampleRate,
			Channels:   st.format.Channels,
			Timestamp:  time.Duration(captured) * time.Second / time.Duration(st.format.SampleRate),
		}
		captured += int64(frame.Len())

		select {
		case st.frames <- frame:
		case <-st.done:
			return
		default:
			slog.Debug("capture: consumer behind, dropping frame", "device", st.device)
		}
	}
}

func (st *stream) release() {
	if err := st.ps.Stop(); err != nil {
		slog.Debug("capture: stop stream", "device", st.device, "err", err)
	}
	if err := st.ps.Close(); err != nil {
		slog.Debug("capture: close stream", "device", st.device, "err", err)
	}
	_ = portaudio.Terminate()
	slog.Info("capture: stream closed", "device", st.device)
}

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*stream)(nil)
)
