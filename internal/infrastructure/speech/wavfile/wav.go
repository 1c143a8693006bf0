// Package wavfile reads and writes the RIFF/WAVE container around PCM audio.
package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Format is the fmt chunk of a WAVE file.
type Format struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// Compatible reports whether audio in both formats can be concatenated.
func (f Format) Compatible(other Format) bool {
	return f.AudioFormat == other.AudioFormat &&
		f.Channels == other.Channels &&
		f.SampleRate == other.SampleRate &&
		f.BitsPerSample == other.BitsPerSample
}

func (f Format) String() string {
	return fmt.Sprintf("%d ch, %d Hz, %d bit", f.Channels, f.SampleRate, f.BitsPerSample)
}

// Duration is the playback time of dataBytes of audio in this format.
func (f Format) Duration(dataBytes int64) time.Duration {
	if f.ByteRate == 0 {
		return 0
	}
	return time.Duration(float64(dataBytes) / float64(f.ByteRate) * float64(time.Second))
}

type Info struct {
	Format
	DataBytes uint32
	Duration  time.Duration
}

// Parse walks the RIFF chunks of an in-memory WAVE file far enough to
// compute its playback duration from the fmt byte rate and the data size.
func Parse(b []byte) (Info, error) {
	r := bytes.NewReader(b)
	info, err := ReadHeader(r)
	if err != nil {
		return info, err
	}
	// Streaming encoders leave the data size unset; trust the bytes present.
	if avail := uint32(r.Len()); info.DataBytes > avail {
		info.DataBytes = avail
		info.Duration = info.Format.Duration(int64(avail))
	}
	return info, nil
}

// ReadHeader consumes r up to the first byte of the data chunk. The returned
// DataBytes is the declared size, which may exceed what r holds.
func ReadHeader(r io.Reader) (Info, error) {
	var info Info
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil || string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return info, errors.New("not a RIFF/WAVE stream")
	}

	var haveFmt bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return info, fmt.Errorf("missing chunks: fmt=%v data=false", haveFmt)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 || size > 1<<16 {
				return info, fmt.Errorf("bad fmt chunk size %d", size)
			}
			body := make([]byte, int(size)+int(size%2))
			if _, err := io.ReadFull(r, body); err != nil {
				return info, errors.New("truncated fmt chunk")
			}
			info.AudioFormat = binary.LittleEndian.Uint16(body[0:])
			info.Channels = binary.LittleEndian.Uint16(body[2:])
			info.SampleRate = binary.LittleEndian.Uint32(body[4:])
			info.ByteRate = binary.LittleEndian.Uint32(body[8:])
			info.BlockAlign = binary.LittleEndian.Uint16(body[12:])
			info.BitsPerSample = binary.LittleEndian.Uint16(body[14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return info, errors.New("data chunk before fmt chunk")
			}
			if info.ByteRate == 0 {
				return info, errors.New("zero byte rate")
			}
			info.DataBytes = size
			info.Duration = info.Format.Duration(int64(size))
			return info, nil
		default:
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return info, fmt.Errorf("truncated %q chunk", id)
			}
		}
	}
}

// WriteHeader writes a canonical 44-byte PCM header for dataBytes of audio.
func WriteHeader(w io.Writer, f Format, dataBytes uint32) error {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataBytes)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, f.AudioFormat)
	_ = binary.Write(&buf, binary.LittleEndian, f.Channels)
	_ = binary.Write(&buf, binary.LittleEndian, f.SampleRate)
	_ = binary.Write(&buf, binary.LittleEndian, f.ByteRate)
	_ = binary.Write(&buf, binary.LittleEndian, f.BlockAlign)
	_ = binary.Write(&buf, binary.LittleEndian, f.BitsPerSample)
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataBytes)
	_, err := w.Write(buf.Bytes())
	return err
}

// SilentFormat is 16-bit mono PCM at 22.05kHz.
var SilentFormat = Format{
	AudioFormat:   1,
	Channels:      1,
	SampleRate:    22050,
	ByteRate:      22050 * 2,
	BlockAlign:    2,
	BitsPerSample: 16,
}

// Silent is a header-only WAVE file in SilentFormat.
func Silent() []byte {
	var buf bytes.Buffer
	_ = WriteHeader(&buf, SilentFormat, 0)
	return buf.Bytes()
}
