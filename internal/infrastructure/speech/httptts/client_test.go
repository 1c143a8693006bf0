package httptts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/storage/localfs"
)

// pcmWAV builds a 16-bit mono WAVE file holding seconds of silence.
func pcmWAV(sampleRate uint32, seconds int) []byte {
	data := make([]byte, int(sampleRate)*2*seconds)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, sampleRate)
	_ = binary.Write(&buf, binary.LittleEndian, sampleRate*2)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("LIST")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

type secretsFake map[string]string

func (s secretsFake) Secret(_ context.Context, name string) (string, error) {
	return s[name], nil
}

func seedFormatted(t *testing.T, text string) (*localfs.Storage, string) {
	t.Helper()
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	ref, err := storage.Put(context.Background(), "formatted/doc-1/seg-1.txt", strings.NewReader(text))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return storage, ref
}

func TestSynthesizeStoresAudio(t *testing.T) {
	audio := pcmWAV(8000, 3)
	var (
		payload map[string]any
		apiKey  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/synthesize" {
			http.NotFound(w, r)
			return
		}
		apiKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio)
	}))
	defer server.Close()

	storage, ref := seedFormatted(t, "Hello there.")
	synth := New(Config{BaseURL: server.URL, DefaultVoice: "alloy", KeySecret: "TTS_KEY"}, storage, secretsFake{"TTS_KEY": "k1"})
	out, err := synth.Synthesize(context.Background(), domain.StageRequest{DocumentID: "doc-1", SegmentID: "seg-1", InputRef: ref})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if out.Ref != "audio/doc-1/seg-1.wav" {
		t.Fatalf("unexpected ref %q", out.Ref)
	}
	if out.DurationSeconds != 3 {
		t.Fatalf("expected 3s duration, got %v", out.DurationSeconds)
	}
	if out.SizeBytes != int64(len(audio)) {
		t.Fatalf("unexpected size %d", out.SizeBytes)
	}
	if payload["text"] != "Hello there." || payload["voice"] != "alloy" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if apiKey != "k1" {
		t.Fatalf("expected api key header, got %q", apiKey)
	}

	r, _ := storage.Open(context.Background(), out.Ref)
	defer r.Close()
	stored, _ := io.ReadAll(r)
	if !bytes.Equal(stored, audio) {
		t.Fatalf("stored audio differs from response")
	}
}

func TestSynthesizeEmptyTextSkipsService(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	storage, ref := seedFormatted(t, " \n ")
	out, err := New(Config{BaseURL: server.URL}, storage, nil).Synthesize(context.Background(), domain.StageRequest{DocumentID: "doc-1", SegmentID: "seg-1", InputRef: ref})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if calls.Load() != 0 || out.DurationSeconds != 0 || out.Ref == "" {
		t.Fatalf("unexpected result %+v calls=%d", out, calls.Load())
	}
}

func TestSynthesizeClassifiesErrors(t *testing.T) {
	cases := []struct {
		status int
		kind   error
	}{
		{http.StatusServiceUnavailable, domain.ErrTemporary},
		{http.StatusTooManyRequests, domain.ErrTemporary},
		{http.StatusUnprocessableEntity, domain.ErrPermanent},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "voice busy", tc.status)
		}))
		storage, ref := seedFormatted(t, "text")
		_, err := New(Config{BaseURL: server.URL}, storage, nil).Synthesize(context.Background(), domain.StageRequest{DocumentID: "doc-1", SegmentID: "seg-1", InputRef: ref})
		server.Close()
		if !domain.IsKind(err, tc.kind) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.kind, err)
		}
	}
}

func TestSynthesizeRejectsNonWAV(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ID3 not a wav"))
	}))
	defer server.Close()

	storage, ref := seedFormatted(t, "text")
	_, err := New(Config{BaseURL: server.URL}, storage, nil).Synthesize(context.Background(), domain.StageRequest{DocumentID: "doc-1", SegmentID: "seg-1", InputRef: ref})
	if !domain.IsKind(err, domain.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
