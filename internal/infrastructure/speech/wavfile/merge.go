package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

const headerBytes = 44

// Merger concatenates the per-segment WAVE files of a document into
// audio/{document}/book.wav. All inputs must share one PCM format.
type Merger struct {
	storage ports.ObjectStorage
}

func NewMerger(storage ports.ObjectStorage) *Merger {
	return &Merger{storage: storage}
}

func BookKey(documentID string) string {
	return "audio/" + documentID + "/book.wav"
}

type part struct {
	ref       string
	format    Format
	dataBytes int64
}

func (m *Merger) Merge(ctx context.Context, req domain.MergeRequest) (domain.StageOutput, error) {
	if len(req.InputRefs) == 0 {
		return domain.StageOutput{}, domain.WrapError(domain.ErrPermanent, "merge audio", errors.New("no input audio"))
	}

	// Inputs without audio (silent placeholders) add nothing and do not
	// constrain the format.
	parts := make([]part, 0, len(req.InputRefs))
	format := SilentFormat
	var total int64
	for i, ref := range req.InputRefs {
		p, err := m.inspect(ctx, ref)
		if err != nil {
			return domain.StageOutput{}, err
		}
		if p.dataBytes == 0 {
			continue
		}
		if len(parts) == 0 {
			format = p.format
		} else if !format.Compatible(p.format) {
			return domain.StageOutput{}, domain.WrapError(domain.ErrPermanent, "merge audio",
				fmt.Errorf("input %d (%s) is %s, expected %s", i, ref, p.format, format))
		}
		parts = append(parts, p)
		total += p.dataBytes
	}
	if total > math.MaxUint32-headerBytes {
		return domain.StageOutput{}, domain.WrapError(domain.ErrPermanent, "merge audio", fmt.Errorf("merged audio of %d bytes exceeds the WAVE size limit", total))
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(m.writeMerged(ctx, pw, format, parts, total))
	}()
	ref, err := m.storage.Put(ctx, BookKey(req.DocumentID), pr)
	pr.CloseWithError(err)
	if err != nil {
		if domain.IsKind(err, domain.ErrPermanent) {
			return domain.StageOutput{}, err
		}
		return domain.StageOutput{}, domain.WrapError(domain.ErrTemporary, "merge audio store", err)
	}

	out := domain.StageOutput{
		Ref:             ref,
		DurationSeconds: format.Duration(total).Seconds(),
		SizeBytes:       headerBytes + total,
	}
	slog.Info("audio_merged",
		"document_id", req.DocumentID,
		"ref", ref,
		"inputs", len(req.InputRefs),
		"duration_seconds", out.DurationSeconds,
	)
	return out, nil
}

// inspect reads one input through to the end of its data chunk and returns
// its format with the number of audio bytes actually present.
func (m *Merger) inspect(ctx context.Context, ref string) (part, error) {
	rc, err := m.storage.Open(ctx, ref)
	if err != nil {
		return part{}, err
	}
	defer rc.Close()

	info, err := ReadHeader(rc)
	if err != nil {
		return part{}, domain.WrapError(domain.ErrPermanent, "merge audio", fmt.Errorf("%s: %w", ref, err))
	}
	if info.AudioFormat != 1 {
		return part{}, domain.WrapError(domain.ErrPermanent, "merge audio", fmt.Errorf("%s: audio format %d is not PCM", ref, info.AudioFormat))
	}
	n, err := io.CopyN(io.Discard, rc, int64(info.DataBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return part{}, domain.WrapError(domain.ErrTemporary, "merge audio read", fmt.Errorf("%s: %w", ref, err))
	}
	return part{ref: ref, format: info.Format, dataBytes: n}, nil
}

func (m *Merger) writeMerged(ctx context.Context, w io.Writer, format Format, parts []part, total int64) error {
	if err := WriteHeader(w, format, uint32(total)); err != nil {
		return err
	}
	for _, p := range parts {
		if err := m.copyData(ctx, w, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Merger) copyData(ctx context.Context, w io.Writer, p part) error {
	rc, err := m.storage.Open(ctx, p.ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := ReadHeader(rc); err != nil {
		return fmt.Errorf("%s: %w", p.ref, err)
	}
	if _, err := io.CopyN(w, rc, p.dataBytes); err != nil {
		return fmt.Errorf("copy %s: %w", p.ref, err)
	}
	return nil
}
