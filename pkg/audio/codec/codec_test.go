package codec_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/audio/codec"
	"github.com/MrWong99/parlance/pkg/audio/wav"
)

// silence returns count frames of frameLen mono zero samples at rate.
func silence(count, frameLen, rate, channels int) []audio.AudioFrame {
	frames := make([]audio.AudioFrame, count)
	for i := range frames {
		frames[i] = audio.AudioFrame{
			Samples:    make([]float32, frameLen*channels),
			SampleRate: rate,
			Channels:   channels,
		}
	}
	return frames
}

func payloadSamples(t *testing.T, clip codec.Clip) []int16 {
	t.Helper()
	_, payload, err := wav.Parse(clip.Data)
	if err != nil {
		t.Fatalf("wav.Parse: %v", err)
	}
	out := make([]int16, len(payload)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return out
}

func TestEncode_SilenceRoundTripAnyRate(t *testing.T) {
	t.Parallel()
	enc := codec.New()
	for _, rate := range []int{8000, 11025, 16000, 22050, 32000, 44100, 48000} {
		for _, channels := range []int{1, 2} {
			// 23 frames of 10 ms plus an odd tail frame.
			frames := silence(23, rate/100, rate, channels)
			frames = append(frames, silence(1, 7, rate, channels)...)
			sourceSamples := 23*(rate/100) + 7

			clip, err := enc.Encode(frames, rate)
			if err != nil {
				t.Fatalf("rate %d ch %d: Encode: %v", rate, channels, err)
			}
			h, err := wav.ParseHeader(clip.Data)
			if err != nil {
				t.Fatalf("rate %d ch %d: ParseHeader: %v", rate, channels, err)
			}
			if h.SampleRate != 16000 || h.Channels != 1 || h.BitsPerSample != 16 || h.AudioFormat != wav.FormatPCM {
				t.Errorf("rate %d ch %d: header %+v is not canonical", rate, channels, h)
			}

			// Compare durations in units of output samples.
			want := float64(sourceSamples) * 16000 / float64(rate)
			if got := float64(h.Frames()); math.Abs(got-want) > 1 {
				t.Errorf("rate %d ch %d: %v output samples, want %.2f ±1", rate, channels, got, want)
			}
			if clip.Degraded {
				t.Errorf("rate %d ch %d: clip unexpectedly degraded", rate, channels)
			}
		}
	}
}

func TestEncode_TargetRateIsIdempotent(t *testing.T) {
	t.Parallel()
	enc := codec.New()

	samples := make([]float32, 1600*2)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) * 0.01))
	}
	frame := audio.AudioFrame{Samples: samples, SampleRate: 16000, Channels: 2}

	clip, err := enc.EncodeFrame(frame)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	want := audio.FloatToPCM16(audio.Downmix(samples, 2))
	if got := clip.Data[wav.HeaderSize:]; !bytes.Equal(got, want) {
		t.Error("payload at target rate differs from plain mono conversion")
	}
}

func TestEncode_QuantizationBoundary(t *testing.T) {
	t.Parallel()
	enc := codec.New()
	frame := audio.AudioFrame{Samples: []float32{-1, 1, 1.5, -2, 0}, SampleRate: 16000, Channels: 1}
	clip, err := enc.EncodeFrame(frame)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	got := payloadSamples(t, clip)
	want := []int16{-32768, 32767, 32767, -32768, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncode_CustomTargetRate(t *testing.T) {
	t.Parallel()
	enc := codec.New(codec.WithTargetRate(8000))
	clip, err := enc.Encode(silence(10, 480, 48000, 1), 48000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if clip.Format.SampleRate != 8000 || clip.Samples() != 800 {
		t.Errorf("got %dHz with %d samples, want 8000Hz with 800", clip.Format.SampleRate, clip.Samples())
	}
}

func TestEncode_FailuresDegradeToRawBytes(t *testing.T) {
	t.Parallel()
	enc := codec.New()

	mixed := []audio.AudioFrame{
		{Samples: []float32{0.5, 0.5}, SampleRate: 16000, Channels: 2},
		{Samples: []float32{0.25}, SampleRate: 16000, Channels: 1},
	}

	tests := []struct {
		name   string
		frames []audio.AudioFrame
		rate   int
	}{
		{"no frames", nil, 16000},
		{"empty frames", silence(3, 0, 16000, 1), 16000},
		{"mixed channels", mixed, 16000},
		{"bad rate", silence(1, 10, 16000, 1), 0},
		{"partial frame", []audio.AudioFrame{{Samples: []float32{1, 2, 3}, SampleRate: 16000, Channels: 2}}, 16000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clip, err := enc.Encode(tc.frames, tc.rate)
			if !errors.Is(err, codec.ErrEncodingFailure) {
				t.Fatalf("err = %v, want ErrEncodingFailure", err)
			}
			if !clip.Degraded || clip.Container != codec.ContainerRawFloat32 {
				t.Errorf("clip = %+v, want degraded raw float32", clip)
			}
		})
	}

	// The raw fallback keeps the original samples bit-for-bit.
	clip, _ := enc.Encode(mixed, 16000)
	if len(clip.Data) != 12 {
		t.Fatalf("raw length: got %d, want 12", len(clip.Data))
	}
	if v := math.Float32frombits(binary.LittleEndian.Uint32(clip.Data[8:])); v != 0.25 {
		t.Errorf("raw sample 2: got %v, want 0.25", v)
	}
}

func TestTranscode_WAV(t *testing.T) {
	t.Parallel()
	enc := codec.New()

	// One second of 48 kHz stereo 16-bit PCM.
	pcm := make([]byte, 48000*4)
	src := wav.Encode(pcm, 48000, 2)
	clip, err := enc.Transcode(src)
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	h, err := wav.ParseHeader(clip.Data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.SampleRate != 16000 || h.Channels != 1 || h.Frames() != 16000 {
		t.Errorf("header: %+v, want 16000Hz mono 16000 frames", h)
	}
}

func TestTranscode_UndecodableReturnsOriginalBytes(t *testing.T) {
	t.Parallel()
	enc := codec.New()

	corrupt := []byte("RIFF\x00\x00\x00\x00WAVEjunkjunkjunk")
	tests := map[string][]byte{
		"empty":   {},
		"corrupt": corrupt,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clip, err := enc.Transcode(raw)
			if !errors.Is(err, codec.ErrEncodingFailure) {
				t.Fatalf("err = %v, want ErrEncodingFailure", err)
			}
			if !clip.Degraded || clip.Container != codec.ContainerSource {
				t.Errorf("clip not marked as degraded source: %+v", clip)
			}
			if !bytes.Equal(clip.Data, raw) {
				t.Error("fallback bytes differ from the input")
			}
		})
	}
}

func TestDecode_EmptyWAVPayload(t *testing.T) {
	t.Parallel()
	if _, err := codec.Decode(wav.Encode(nil, 16000, 1)); err == nil {
		t.Error("expected error for WAVE container without samples")
	}
}
