package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

func TestPutOpenExists(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	ok, err := s.Exists(ctx, "raw/doc-1/source.txt")
	if err != nil || ok {
		t.Fatalf("Exists() before put = %v, %v", ok, err)
	}

	ref, err := s.Put(ctx, "raw/doc-1/source.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ref != "raw/doc-1/source.txt" {
		t.Fatalf("unexpected ref %q", ref)
	}
	if _, err := os.Stat(filepath.Join(dir, "raw", "doc-1", "source.txt")); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	ok, err = s.Exists(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("Exists() after put = %v, %v", ok, err)
	}

	r, err := s.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()
	body, _ := io.ReadAll(r)
	if string(body) != "hello" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestPutOverwrites(t *testing.T) {
	s, _ := New(t.TempDir())
	ctx := context.Background()
	if _, err := s.Put(ctx, "a/b.txt", strings.NewReader("one")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Put(ctx, "a/b.txt", strings.NewReader("two")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	r, _ := s.Open(ctx, "a/b.txt")
	defer r.Close()
	body, _ := io.ReadAll(r)
	if string(body) != "two" {
		t.Fatalf("expected overwrite, got %q", body)
	}
}

func TestRejectsKeysOutsideRoot(t *testing.T) {
	s, _ := New(t.TempDir())
	for _, key := range []string{"../escape.txt", "a/../../escape.txt", "", ".."} {
		if _, err := s.Put(context.Background(), key, strings.NewReader("x")); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("Put(%q) expected invalid input, got %v", key, err)
		}
	}
}

func TestOpenMissingIsPermanent(t *testing.T) {
	s, _ := New(t.TempDir())
	_, err := s.Open(context.Background(), "missing.txt")
	if !domain.IsKind(err, domain.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
