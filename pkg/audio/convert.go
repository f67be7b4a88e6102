package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Resampler kernel parameters. The kernel spans zeroCrossings lobes of the
// sinc on each side of the output position, scaled by the cutoff ratio when
// downsampling so the anti-aliasing filter widens accordingly.
const (
	zeroCrossings = 16
	blackmanA0    = 0.42
	blackmanA1    = 0.5
	blackmanA2    = 0.08
)

// Downmix averages interleaved multi-channel samples into a single mono
// channel. Mono input is returned as a copy. Trailing samples that do not
// form a complete sample frame are dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float64
		base := i * channels
		for c := range channels {
			sum += float64(samples[base+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

// ResampledLength returns ceil(n * dstRate / srcRate), the number of output
// samples [Resample] produces for n input samples.
func ResampledLength(n, srcRate, dstRate int) int {
	if n <= 0 || srcRate <= 0 || dstRate <= 0 {
		return 0
	}
	num := int64(n) * int64(dstRate)
	return int((num + int64(srcRate) - 1) / int64(srcRate))
}

// Resample converts mono float samples from srcRate to dstRate using
// Blackman-windowed sinc interpolation. The cutoff sits at the lower of the
// two Nyquist frequencies, which suppresses aliasing when downsampling
// (e.g., 48 kHz capture to 16 kHz upload).
//
// If srcRate == dstRate the input is returned as a copy. The output length is
// always [ResampledLength](len(in), srcRate, dstRate).
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	n := ResampledLength(len(in), srcRate, dstRate)
	out := make([]float32, n)
	if n == 0 {
		return out
	}

	step := float64(srcRate) / float64(dstRate)
	cutoff := math.Min(1, float64(dstRate)/float64(srcRate))
	halfWidth := float64(zeroCrossings) / cutoff

	for i := range n {
		t := float64(i) * step
		lo := int(math.Ceil(t - halfWidth))
		hi := int(math.Floor(t + halfWidth))
		if lo < 0 {
			lo = 0
		}
		if hi > len(in)-1 {
			hi = len(in) - 1
		}

		var acc float64
		for k := lo; k <= hi; k++ {
			d := t - float64(k)
			acc += float64(in[k]) * cutoff * sinc(cutoff*d) * blackman(d/halfWidth)
		}
		out[i] = float32(acc)
	}
	return out
}

// sinc is the normalised sinc function sin(πx)/(πx).
func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates a Blackman window centred on 0 for u in [-1, 1].
func blackman(u float64) float64 {
	if u <= -1 || u >= 1 {
		return 0
	}
	return blackmanA0 + blackmanA1*math.Cos(math.Pi*u) + blackmanA2*math.Cos(2*math.Pi*u)
}

// Quantize maps a float sample to signed 16-bit PCM. The input is clamped to
// [-1, 1]; negative values scale by 32768 and positive values by 32767, so
// -1.0 maps to -32768 and 1.0 maps to 32767. Fractions truncate toward zero.
// NaN maps to 0.
func Quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v <= -1:
		return math.MinInt16
	case v >= 1:
		return math.MaxInt16
	case v < 0:
		return int16(v * 32768)
	default:
		return int16(v * 32767)
	}
}

// Dequantize is the inverse of [Quantize] for in-range values: negative
// samples divide by 32768 and positive samples by 32767.
func Dequantize(v int16) float32 {
	if v < 0 {
		return float32(float64(v) / 32768)
	}
	return float32(float64(v) / 32767)
}

// FloatToPCM16 quantizes float samples into little-endian int16 PCM bytes.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Quantize(s)))
	}
	return out
}

// PCM16ToFloat converts little-endian int16 PCM bytes into float samples. A
// trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = Dequantize(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// RMS returns the root-mean-square level of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
