package resampler

import "fmt"

// Format describes a raw PCM stream of 16-bit signed little-endian
// samples.
type Format struct {
	// SampleRate in Hz (e.g. 16000, 44100, 48000).
	SampleRate int

	// Channels is the interleaved channel count, 1 or 2.
	Channels int
}

// frameBytes is the size of one frame (one sample per channel).
func (f Format) frameBytes() int {
	return 2 * f.Channels
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("resampler: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("resampler: unsupported channel count %d", f.Channels)
	}
	return nil
}
