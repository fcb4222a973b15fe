package resampler

import "io"

// frameReader aligns reads from an arbitrary byte stream to whole PCM
// frames, buffering any trailing partial frame until the next call.
type frameReader struct {
	r         io.Reader
	frameSize int

	rem    []byte
	remLen int
}

func newFrameReader(r io.Reader, frameSize int) *frameReader {
	return &frameReader{
		r:         r,
		frameSize: frameSize,
		rem:       make([]byte, frameSize-1),
	}
}

// Read returns a multiple of frameSize bytes, or 0. A stream ending
// mid-frame yields io.ErrUnexpectedEOF.
func (fr *frameReader) Read(p []byte) (int, error) {
	if len(p) < fr.frameSize {
		return 0, io.ErrShortBuffer
	}
	p = p[:len(p)/fr.frameSize*fr.frameSize]

	n := 0
	if fr.remLen > 0 {
		n = copy(p, fr.rem[:fr.remLen])
		fr.remLen = 0
	}

	rn, err := fr.r.Read(p[n:])
	n += rn
	if err != nil {
		if err == io.EOF && n%fr.frameSize != 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, err
	}
	if mod := n % fr.frameSize; mod != 0 {
		n -= mod
		fr.remLen = copy(fr.rem, p[n:n+mod])
	}
	return n, nil
}
