package chunking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

const maxTitleRunes = 120

type Options struct {
	MaxChars int `json:"max_chars"`
}

// Segmenter is the Segment executor. It reads acquired text and writes one
// object per unit under parsed/{document}/.
type Segmenter struct {
	storage         ports.ObjectStorage
	defaultMaxChars int
}

func NewSegmenter(storage ports.ObjectStorage, defaultMaxChars int) *Segmenter {
	if defaultMaxChars <= 0 {
		defaultMaxChars = DefaultMaxChars
	}
	return &Segmenter{storage: storage, defaultMaxChars: defaultMaxChars}
}

func SegmentKey(documentID string, ordinal int) string {
	return fmt.Sprintf("parsed/%s/segment_%04d.txt", documentID, ordinal)
}

func (s *Segmenter) Segment(ctx context.Context, req domain.StageRequest) ([]domain.SegmentUnit, error) {
	maxChars := s.defaultMaxChars
	if len(bytes.TrimSpace(req.Options)) > 0 {
		var opts Options
		if err := json.Unmarshal(req.Options, &opts); err != nil {
			return nil, domain.WrapError(domain.ErrPermanent, "segment options", err)
		}
		if opts.MaxChars > 0 {
			maxChars = opts.MaxChars
		}
	}

	reader, err := s.storage.Open(ctx, req.InputRef)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "segment read", err)
	}
	if !utf8.Valid(raw) {
		return nil, domain.WrapError(domain.ErrPermanent, "segment read", fmt.Errorf("content at %s is not utf-8 text", req.InputRef))
	}

	chunks := NewSplitter(maxChars).Split(string(raw))
	units := make([]domain.SegmentUnit, 0, len(chunks))
	for i, chunk := range chunks {
		ref, err := s.storage.Put(ctx, SegmentKey(req.DocumentID, i), strings.NewReader(chunk))
		if err != nil {
			return nil, domain.WrapError(domain.ErrTemporary, "segment store", err)
		}
		units = append(units, domain.SegmentUnit{Ref: ref, Title: titleOf(chunk)})
	}
	slog.Info("document_segmented",
		"document_id", req.DocumentID,
		"segments", len(units),
		"max_chars", maxChars,
	)
	return units, nil
}

func titleOf(chunk string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(chunk), "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) > maxTitleRunes {
		line = string([]rune(line)[:maxTitleRunes])
	}
	return line
}
