// Package codec turns captured audio into the canonical upload container:
// mono, signed 16-bit little-endian PCM at a fixed sample rate (16 kHz by
// default) behind a 44-byte WAVE header.
//
// The pipeline for [Encoder.Encode] is:
//
//  1. concatenate the utterance's frames,
//  2. down-mix to mono by averaging channels,
//  3. resample with a band-limited sinc filter when the source rate differs,
//  4. quantize with clamping (negative ×32768, positive ×32767),
//  5. prepend the WAVE header.
//
// When the input cannot be decoded the encoder does not abort the utterance.
// It returns the original bytes unmodified in a [Clip] marked Degraded,
// together with an error wrapping [ErrEncodingFailure]. Callers are expected
// to transmit degraded clips anyway; receivers must tolerate the source
// container on that path.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/audio/wav"
)

// DefaultTargetRate is the canonical upload sample rate.
const DefaultTargetRate = 16000

// ErrEncodingFailure is wrapped by every error that forced the encoder onto
// its degraded fallback path.
var ErrEncodingFailure = errors.New("codec: encoding failure")

// Container identifies the byte layout of a [Clip].
type Container string

const (
	// ContainerWAV is the canonical mono 16-bit PCM WAVE container.
	ContainerWAV Container = "wav"

	// ContainerRawFloat32 is interleaved little-endian float32 samples, used
	// when captured frames could not be encoded.
	ContainerRawFloat32 Container = "f32le"

	// ContainerSource is an undecodable byte container passed through as-is.
	ContainerSource Container = "source"
)

// Clip is one complete encoded utterance. Clips are immutable once returned.
type Clip struct {
	// ID correlates the clip with replies. Set by the caller.
	ID string

	// Data holds the container bytes.
	Data []byte

	// Container describes Data's layout.
	Container Container

	// Format is the sample rate and channel count of the PCM payload. Zero
	// for [ContainerSource].
	Format audio.Format

	// Duration is the playback length of the payload, when known.
	Duration time.Duration

	// Degraded is true when Data is the unmodified source data rather than
	// the canonical container.
	Degraded bool
}

// Samples returns the number of PCM sample frames in a canonical clip.
func (c Clip) Samples() int {
	if c.Container != ContainerWAV || len(c.Data) < wav.HeaderSize {
		return 0
	}
	return (len(c.Data) - wav.HeaderSize) / 2
}

// Option is a functional option for configuring an [Encoder].
type Option func(*Encoder)

// WithTargetRate sets the output sample rate. Non-positive values are ignored.
func WithTargetRate(rate int) Option {
	return func(e *Encoder) {
		if rate > 0 {
			e.targetRate = rate
		}
	}
}

// Encoder converts frames or foreign containers into canonical clips.
// An Encoder holds no mutable state and is safe for concurrent use.
type Encoder struct {
	targetRate int
}

// New creates an [Encoder].
func New(opts ...Option) *Encoder {
	e := &Encoder{targetRate: DefaultTargetRate}
	for _, o := range opts {
		o(e)
	}
	return e
}

// TargetRate returns the output sample rate.
func (e *Encoder) TargetRate() int { return e.targetRate }

// Encode converts an utterance's frames, captured at sourceRate, into a
// canonical clip. All frames must share the channel count of the first frame.
//
// On failure (no frames, no samples, inconsistent channel layout, invalid
// rate) the returned clip carries the frames' raw float32 samples and the
// error wraps [ErrEncodingFailure].
func (e *Encoder) Encode(frames []audio.AudioFrame, sourceRate int) (Clip, error) {
	mono, err := e.mix(frames, sourceRate)
	if err != nil {
		return rawClip(frames), fmt.Errorf("%w: %w", ErrEncodingFailure, err)
	}
	return e.fromMono(mono, sourceRate), nil
}

// EncodeFrame is a convenience wrapper around [Encoder.Encode] for a single
// frame at its own sample rate.
func (e *Encoder) EncodeFrame(f audio.AudioFrame) (Clip, error) {
	return e.Encode([]audio.AudioFrame{f}, f.SampleRate)
}

// Transcode decodes a foreign container (WAVE or MP3) and re-encodes it into
// the canonical format. Undecodable input, including an empty buffer, is
// returned unmodified in a degraded clip alongside an error wrapping
// [ErrEncodingFailure].
func (e *Encoder) Transcode(raw []byte) (Clip, error) {
	frame, err := Decode(raw)
	if err != nil {
		return sourceClip(raw), fmt.Errorf("%w: %w", ErrEncodingFailure, err)
	}
	clip, err := e.EncodeFrame(frame)
	if err != nil {
		return sourceClip(raw), err
	}
	return clip, nil
}

func (e *Encoder) mix(frames []audio.AudioFrame, sourceRate int) ([]float32, error) {
	if sourceRate <= 0 {
		return nil, fmt.Errorf("invalid source rate %d", sourceRate)
	}
	if len(frames) == 0 {
		return nil, errors.New("no frames")
	}
	channels := frames[0].Channels
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}

	total := 0
	for i, f := range frames {
		if f.Channels != channels {
			return nil, fmt.Errorf("frame %d has %d channels, want %d", i, f.Channels, channels)
		}
		if len(f.Samples)%channels != 0 {
			return nil, fmt.Errorf("frame %d has %d samples, not a multiple of %d channels", i, len(f.Samples), channels)
		}
		total += len(f.Samples)
	}
	if total == 0 {
		return nil, errors.New("no samples")
	}

	interleaved := make([]float32, 0, total)
	for _, f := range frames {
		interleaved = append(interleaved, f.Samples...)
	}
	return audio.Downmix(interleaved, channels), nil
}

func (e *Encoder) fromMono(mono []float32, sourceRate int) Clip {
	if sourceRate != e.targetRate {
		mono = audio.Resample(mono, sourceRate, e.targetRate)
	}
	data := wav.Encode(audio.FloatToPCM16(mono), e.targetRate, 1)
	return Clip{
		Data:      data,
		Container: ContainerWAV,
		Format:    audio.Format{SampleRate: e.targetRate, Channels: 1},
		Duration:  time.Duration(len(mono)) * time.Second / time.Duration(e.targetRate),
	}
}

// rawClip serialises frames exactly as captured.
func rawClip(frames []audio.AudioFrame) Clip {
	var n int
	for _, f := range frames {
		n += len(f.Samples)
	}
	buf := make([]byte, 0, n*4)
	for _, f := range frames {
		for _, s := range f.Samples {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(s))
		}
	}
	c := Clip{Data: buf, Container: ContainerRawFloat32, Degraded: true}
	if len(frames) > 0 {
		c.Format = audio.Format{SampleRate: frames[0].SampleRate, Channels: frames[0].Channels}
	}
	return c
}

func sourceClip(raw []byte) Clip {
	return Clip{Data: raw, Container: ContainerSource, Degraded: true}
}

// Decode converts a WAVE or MP3 byte container into a single float frame at
// the container's native rate and channel count.
func Decode(data []byte) (audio.AudioFrame, error) {
	if len(data) == 0 {
		return audio.AudioFrame{}, errors.New("codec: empty buffer")
	}
	if wav.IsWAV(data) {
		f, err := wav.Decode(data)
		if err != nil {
			return audio.AudioFrame{}, fmt.Errorf("codec: decode wav: %w", err)
		}
		if len(f.Samples) == 0 {
			return audio.AudioFrame{}, errors.New("codec: wav has no samples")
		}
		return f, nil
	}
	return decodeMP3(data)
}

// decodeMP3 decodes an MP3 stream. go-mp3 always produces interleaved
// stereo 16-bit little-endian PCM.
func decodeMP3(data []byte) (audio.AudioFrame, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("codec: unrecognised container: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("codec: decode mp3: %w", err)
	}
	pcm = pcm[:len(pcm)-len(pcm)%4]
	if len(pcm) == 0 {
		return audio.AudioFrame{}, errors.New("codec: mp3 has no samples")
	}
	return audio.AudioFrame{
		Samples:    audio.PCM16ToFloat(pcm),
		SampleRate: dec.SampleRate(),
		Channels:   2,
	}, nil
}
