// Package wav reads and writes RIFF/WAVE containers.
//
// [Encode] always produces the canonical 44-byte header layout used for
// uploads (a single fmt chunk followed by a single data chunk). [Parse] and
// [Decode] are more lenient: they walk the chunk list, skip chunks they do not
// understand (LIST, fact, …), and accept 8/16/24/32-bit integer PCM, 32-bit
// IEEE float, and WAVE_FORMAT_EXTENSIBLE wrappers around either.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/parlance/pkg/audio"
)

// HeaderSize is the length of the canonical header written by [Encode].
const HeaderSize = 44

// Audio format codes found in the fmt chunk.
const (
	FormatPCM        uint16 = 1
	FormatIEEEFloat  uint16 = 3
	FormatExtensible uint16 = 0xFFFE
)

// ErrInvalid is returned when data is not a WAVE container this package can read.
var ErrInvalid = errors.New("wav: invalid container")

// Header is the decoded fmt chunk plus the size of the data chunk.
type Header struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Frames returns the number of sample frames in the data chunk.
func (h Header) Frames() int {
	if h.BlockAlign == 0 {
		return 0
	}
	return int(h.DataSize) / int(h.BlockAlign)
}

// Duration returns the playback length described by the header.
func (h Header) Duration() time.Duration {
	if h.SampleRate == 0 {
		return 0
	}
	return time.Duration(h.Frames()) * time.Second / time.Duration(h.SampleRate)
}

// Encode wraps little-endian 16-bit PCM in the canonical 44-byte header.
func Encode(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, HeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], FormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[HeaderSize:], pcm)

	return buf
}

// IsWAV reports whether data starts with a RIFF/WAVE signature.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// Parse walks the chunk list of a WAVE container and returns the header and
// the data chunk payload. A data chunk whose declared size overruns the buffer
// is truncated to the bytes actually present (streams written before their
// final size was known commonly declare 0 or 0xFFFFFFFF).
func Parse(data []byte) (Header, []byte, error) {
	var h Header
	if !IsWAV(data) {
		return h, nil, fmt.Errorf("%w: missing RIFF/WAVE signature", ErrInvalid)
	}

	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return h, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalid)
			}
			f := data[body:]
			h.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			h.Channels = binary.LittleEndian.Uint16(f[2:4])
			h.SampleRate = binary.LittleEndian.Uint32(f[4:8])
			h.ByteRate = binary.LittleEndian.Uint32(f[8:12])
			h.BlockAlign = binary.LittleEndian.Uint16(f[12:14])
			h.BitsPerSample = binary.LittleEndian.Uint16(f[14:16])
			// WAVE_FORMAT_EXTENSIBLE stores the real format code in the
			// first two bytes of the SubFormat GUID.
			if h.AudioFormat == FormatExtensible && size >= 40 && body+26 <= len(data) {
				h.AudioFormat = binary.LittleEndian.Uint16(f[24:26])
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return h, nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalid)
			}
			end := body + size
			if size < 0 || end > len(data) || end < body {
				end = len(data)
			}
			payload := data[body:end]
			h.DataSize = uint32(len(payload))
			if err := validate(h); err != nil {
				return h, nil, err
			}
			return h, payload, nil
		}

		// Chunks are padded to an even size.
		next := body + size + size%2
		if next <= pos {
			break
		}
		pos = next
	}
	if !haveFmt {
		return h, nil, fmt.Errorf("%w: missing fmt chunk", ErrInvalid)
	}
	return h, nil, fmt.Errorf("%w: missing data chunk", ErrInvalid)
}

// ParseHeader returns only the header of data. See [Parse].
func ParseHeader(data []byte) (Header, error) {
	h, _, err := Parse(data)
	return h, err
}

func validate(h Header) error {
	if h.Channels == 0 {
		return fmt.Errorf("%w: zero channels", ErrInvalid)
	}
	if h.SampleRate == 0 {
		return fmt.Errorf("%w: zero sample rate", ErrInvalid)
	}
	switch h.AudioFormat {
	case FormatPCM:
		switch h.BitsPerSample {
		case 8, 16, 24, 32:
		default:
			return fmt.Errorf("%w: unsupported PCM bit depth %d", ErrInvalid, h.BitsPerSample)
		}
	case FormatIEEEFloat:
		if h.BitsPerSample != 32 && h.BitsPerSample != 64 {
			return fmt.Errorf("%w: unsupported float bit depth %d", ErrInvalid, h.BitsPerSample)
		}
	default:
		return fmt.Errorf("%w: unsupported audio format %d", ErrInvalid, h.AudioFormat)
	}
	if want := h.Channels * (h.BitsPerSample / 8); h.BlockAlign != want {
		return fmt.Errorf("%w: block align %d, want %d", ErrInvalid, h.BlockAlign, want)
	}
	return nil
}

// Decode parses data and converts its payload into a single interleaved
// float frame at the container's native rate and channel count.
func Decode(data []byte) (audio.AudioFrame, error) {
	h, payload, err := Parse(data)
	if err != nil {
		return audio.AudioFrame{}, err
	}

	width := int(h.BitsPerSample / 8)
	n := len(payload) / width
	// Drop a trailing partial sample frame.
	n -= n % int(h.Channels)
	samples := make([]float32, n)

	for i := range n {
		b := payload[i*width:]
		switch {
		case h.AudioFormat == FormatIEEEFloat && width == 4:
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		case h.AudioFormat == FormatIEEEFloat && width == 8:
			samples[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		case width == 1:
			// 8-bit PCM is unsigned with a 128 bias.
			samples[i] = float32(int(b[0])-128) / 128
		case width == 2:
			samples[i] = audio.Dequantize(int16(binary.LittleEndian.Uint16(b)))
		case width == 3:
			v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
			v = (v << 8) >> 8 // sign-extend 24 bits
			samples[i] = float32(v) / (1 << 23)
		case width == 4:
			samples[i] = float32(float64(int32(binary.LittleEndian.Uint32(b))) / (1 << 31))
		}
	}

	return audio.AudioFrame{
		Samples:    samples,
		SampleRate: int(h.SampleRate),
		Channels:   int(h.Channels),
	}, nil
}
