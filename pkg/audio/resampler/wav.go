package resampler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const wavFormatPCM = 1

// ReadWAVHeader parses a WAV header from r and leaves the reader
// positioned at the start of the PCM data. Only uncompressed 16-bit
// PCM files are supported.
func ReadWAVHeader(r io.Reader) (Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, fmt.Errorf("resampler: read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, errors.New("resampler: not a WAV file")
	}

	var format Format
	sawFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Format{}, fmt.Errorf("resampler: read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, errors.New("resampler: fmt chunk too short")
			}
			var fmtData [16]byte
			if _, err := io.ReadFull(r, fmtData[:]); err != nil {
				return Format{}, fmt.Errorf("resampler: read fmt chunk: %w", err)
			}
			if audioFormat := binary.LittleEndian.Uint16(fmtData[0:2]); audioFormat != wavFormatPCM {
				return Format{}, fmt.Errorf("resampler: unsupported WAV encoding %d", audioFormat)
			}
			format.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			if bits := binary.LittleEndian.Uint16(fmtData[14:16]); bits != 16 {
				return Format{}, fmt.Errorf("resampler: unsupported bit depth %d", bits)
			}
			if err := skipChunk(r, int64(size)-16); err != nil {
				return Format{}, err
			}
			sawFmt = true

		case "data":
			if !sawFmt {
				return Format{}, errors.New("resampler: data chunk before fmt")
			}
			if err := format.validate(); err != nil {
				return Format{}, err
			}
			return format, nil

		default:
			// LIST, fact and friends.
			if err := skipChunk(r, int64(size)); err != nil {
				return Format{}, err
			}
		}
	}
}

// skipChunk discards a chunk body including the RIFF pad byte for odd
// sizes.
func skipChunk(r io.Reader, size int64) error {
	if size%2 != 0 {
		size++
	}
	if size == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, size); err != nil {
		return fmt.Errorf("resampler: skip chunk: %w", err)
	}
	return nil
}
