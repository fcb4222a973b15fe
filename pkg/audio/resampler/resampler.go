package resampler

import (
	"fmt"
	"io"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Reader converts a raw PCM stream from one Format to another. It
// wraps the source reader; Read returns converted audio. Not safe for
// concurrent use.
type Reader struct {
	src  io.Reader
	from Format
	to   Format

	// conv is nil when the sample rates already match and only
	// channel conversion is needed.
	conv resampling.Resampler

	buf      []byte
	leftover []byte
}

// New creates a Reader converting from one format to another. Both
// formats must be 16-bit signed little-endian PCM.
func New(src io.Reader, from, to Format) (*Reader, error) {
	if err := from.validate(); err != nil {
		return nil, err
	}
	if err := to.validate(); err != nil {
		return nil, err
	}

	var conv resampling.Resampler
	if from.SampleRate != to.SampleRate {
		var err error
		conv, err = resampling.New(&resampling.Config{
			InputRate:  float64(from.SampleRate),
			OutputRate: float64(to.SampleRate),
			Channels:   to.Channels,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("resampler: %w", err)
		}
	}

	return &Reader{
		src:  newFrameReader(src, from.frameBytes()),
		from: from,
		to:   to,
		conv: conv,
	}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) < r.to.frameBytes() {
		return 0, io.ErrShortBuffer
	}
	p = p[:len(p)/r.to.frameBytes()*r.to.frameBytes()]

	if len(r.leftover) > 0 {
		n := copy(p, r.leftover)
		r.leftover = r.leftover[n:]
		return n, nil
	}

	if r.conv == nil {
		return r.readConvertChannels(p)
	}

	// Pull enough source audio to roughly fill p after the rate
	// change, then let leftover absorb the variance.
	ratio := float64(r.from.SampleRate) / float64(r.to.SampleRate)
	want := int(float64(len(p))*ratio) + 4*r.from.frameBytes()

	n, readErr := r.readConvertChannels(r.scratch(want))
	if n == 0 {
		if readErr != nil {
			return 0, readErr
		}
		return 0, io.EOF
	}

	samples := bytesToSamples(r.buf[:n])
	out, err := r.conv.Process(samples)
	if err != nil {
		return 0, fmt.Errorf("resampler: %w", err)
	}
	converted := samplesToBytes(out, r.to.frameBytes())
	if len(converted) == 0 {
		return 0, readErr
	}

	copied := copy(p, converted)
	if copied < len(converted) {
		r.leftover = append(r.leftover, converted[copied:]...)
	}
	return copied, readErr
}

// readConvertChannels reads source frames into r.buf and converts the
// channel layout in place, filling at most len(p) output bytes. When
// the destination is p itself the converted data is also copied out.
func (r *Reader) readConvertChannels(p []byte) (int, error) {
	switch {
	case r.from.Channels == r.to.Channels:
		n, err := r.src.Read(r.scratch(len(p)))
		copy(p, r.buf[:n])
		return n, err

	case r.from.Channels == 2:
		// Stereo in, mono out: two source bytes per output byte.
		n, err := r.src.Read(r.scratch(len(p) * 2))
		if n == 0 {
			return 0, err
		}
		out := downmix(r.buf[:n])
		copy(p, r.buf[:out])
		return out, err

	default:
		// Mono in, stereo out: each sample is duplicated.
		n, err := r.src.Read(r.scratch(len(p))[:len(p)/2])
		if n == 0 {
			return 0, err
		}
		out := upmix(r.buf[:n*2])
		copy(p, r.buf[:out])
		return out, err
	}
}

func (r *Reader) scratch(size int) []byte {
	if cap(r.buf) < size {
		r.buf = make([]byte, size)
	}
	return r.buf[:size]
}

// downmix averages interleaved stereo int16 frames into mono in
// place, returning the mono byte length.
func downmix(b []byte) int {
	frames := len(b) / 4
	for i := 0; i < frames; i++ {
		l := int16(b[i*4]) | int16(b[i*4+1])<<8
		rt := int16(b[i*4+2]) | int16(b[i*4+3])<<8
		m := int16((int32(l) + int32(rt)) / 2)
		b[i*2] = byte(m)
		b[i*2+1] = byte(m >> 8)
	}
	return frames * 2
}

// upmix duplicates mono int16 samples into stereo in place; b must
// already have room for the stereo data (twice the mono length).
func upmix(b []byte) int {
	samples := len(b) / 4
	for i := samples - 1; i >= 0; i-- {
		lo, hi := b[i*2], b[i*2+1]
		b[i*4], b[i*4+1] = lo, hi
		b[i*4+2], b[i*4+3] = lo, hi
	}
	return samples * 4
}

// bytesToSamples converts little-endian int16 PCM to normalized
// float64 samples.
func bytesToSamples(b []byte) []float64 {
	out := make([]float64, len(b)/2)
	for i := range out {
		s := int16(b[i*2]) | int16(b[i*2+1])<<8
		out[i] = float64(s) / 32768.0
	}
	return out
}

// samplesToBytes converts float64 samples back to little-endian int16
// PCM, clamped and truncated to whole frames.
func samplesToBytes(samples []float64, frameBytes int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(s * 32767.0)
		if s > 1.0 {
			v = 32767
		} else if s < -1.0 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out[:len(out)/frameBytes*frameBytes]
}
