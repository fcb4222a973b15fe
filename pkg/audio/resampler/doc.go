// Package resampler converts raw 16-bit PCM audio between formats so
// arbitrary input can be fed to a transcription stream expecting a
// fixed rate and channel layout.
//
// It supports sample rate conversion, mono/stereo conversion, and a
// streaming io.Reader interface:
//
//	src := resampler.Format{SampleRate: 44100, Channels: 2}
//	dst := resampler.Format{SampleRate: 16000, Channels: 1}
//	r, err := resampler.New(file, src, dst)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	io.Copy(out, r)
//
// ReadWAVHeader recognizes WAV input and positions the reader at the
// PCM data, so files can be converted without knowing their format up
// front.
package resampler
