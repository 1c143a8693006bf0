package wavfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/storage/localfs"
)

// pcm builds a 16-bit PCM WAVE file whose samples are all fill, with an
// extra LIST chunk ahead of the data chunk.
func pcm(sampleRate uint32, channels uint16, frames int, fill byte) []byte {
	blockAlign := channels * 2
	data := bytes.Repeat([]byte{fill}, frames*int(blockAlign))
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+12+len(data)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, channels)
	_ = binary.Write(&buf, binary.LittleEndian, sampleRate)
	_ = binary.Write(&buf, binary.LittleEndian, sampleRate*uint32(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("LIST")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func TestParseSilent(t *testing.T) {
	info, err := Parse(Silent())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if info.SampleRate != 22050 || info.DataBytes != 0 || info.Duration != 0 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestParseTrustsBytesPresent(t *testing.T) {
	b := pcm(8000, 1, 8000, 0)
	// Declared data size larger than the payload, as streaming encoders write.
	binary.LittleEndian.PutUint32(b[len(b)-16000-4:], 0xFFFFFFFF)

	info, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if info.DataBytes != 16000 || info.Duration != time.Second {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestParseRejectsNonWAV(t *testing.T) {
	if _, err := Parse([]byte("ID3 not a wav at all")); err == nil {
		t.Fatalf("expected error for non-WAVE input")
	}
}

func seedAudio(t *testing.T, files map[string][]byte) *localfs.Storage {
	t.Helper()
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	for key, data := range files {
		if _, err := storage.Put(context.Background(), key, bytes.NewReader(data)); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}
	return storage
}

func TestMergeConcatenatesInOrder(t *testing.T) {
	storage := seedAudio(t, map[string][]byte{
		"audio/doc-1/a.wav":     pcm(8000, 1, 8000, 1),
		"audio/doc-1/b.wav":     pcm(8000, 1, 4000, 2),
		"audio/doc-1/empty.wav": Silent(),
	})

	out, err := NewMerger(storage).Merge(context.Background(), domain.MergeRequest{
		DocumentID: "doc-1",
		InputRefs:  []string{"audio/doc-1/b.wav", "audio/doc-1/empty.wav", "audio/doc-1/a.wav"},
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if out.Ref != BookKey("doc-1") || out.DurationSeconds != 1.5 || out.SizeBytes != 44+24000 {
		t.Fatalf("unexpected output %+v", out)
	}

	rc, err := storage.Open(context.Background(), out.Ref)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	merged, _ := io.ReadAll(rc)
	info, err := Parse(merged)
	if err != nil {
		t.Fatalf("Parse(merged) error = %v", err)
	}
	if info.SampleRate != 8000 || info.Channels != 1 || info.DataBytes != 24000 {
		t.Fatalf("unexpected merged header %+v", info)
	}
	data := merged[44:]
	if data[0] != 2 || data[7999] != 2 || data[8000] != 1 || data[len(data)-1] != 1 {
		t.Fatalf("inputs not concatenated in request order")
	}
}

func TestMergeRejectsMismatchedFormats(t *testing.T) {
	cases := map[string][]byte{
		"sample rate": pcm(16000, 1, 100, 1),
		"channels":    pcm(8000, 2, 100, 1),
	}
	for name, other := range cases {
		storage := seedAudio(t, map[string][]byte{
			"audio/doc-1/a.wav": pcm(8000, 1, 100, 1),
			"audio/doc-1/b.wav": other,
		})
		_, err := NewMerger(storage).Merge(context.Background(), domain.MergeRequest{
			DocumentID: "doc-1",
			InputRefs:  []string{"audio/doc-1/a.wav", "audio/doc-1/b.wav"},
		})
		if !domain.IsKind(err, domain.ErrPermanent) {
			t.Fatalf("%s: expected permanent error, got %v", name, err)
		}
		if exists, _ := storage.Exists(context.Background(), BookKey("doc-1")); exists {
			t.Fatalf("%s: no book file may be written on mismatch", name)
		}
	}
}

func TestMergeMissingInputIsPermanent(t *testing.T) {
	storage := seedAudio(t, nil)
	_, err := NewMerger(storage).Merge(context.Background(), domain.MergeRequest{
		DocumentID: "doc-1",
		InputRefs:  []string{"audio/doc-1/missing.wav"},
	})
	if !domain.IsKind(err, domain.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
