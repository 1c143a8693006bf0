package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

const defaultTemperature = 0.1

// TransformOptions is the per-stage options blob for the Transform stage.
type TransformOptions struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	NumPredict  int      `json:"num_predict"`
}

// Transformer rewrites one segment for narration and stores the result as
// formatted/{document}/{segment}.txt.
type Transformer struct {
	client  *Client
	storage ports.ObjectStorage
}

func NewTransformer(client *Client, storage ports.ObjectStorage) *Transformer {
	return &Transformer{client: client, storage: storage}
}

func FormattedKey(documentID, segmentID string) string {
	return "formatted/" + documentID + "/" + segmentID + ".txt"
}

func (t *Transformer) Transform(ctx context.Context, req domain.StageRequest) (domain.StageOutput, error) {
	opts, err := parseTransformOptions(req.Options)
	if err != nil {
		return domain.StageOutput{}, err
	}

	reader, err := t.storage.Open(ctx, req.InputRef)
	if err != nil {
		return domain.StageOutput{}, err
	}
	raw, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return domain.StageOutput{}, domain.WrapError(domain.ErrTemporary, "transform read", err)
	}

	text := string(raw)
	formatted := text
	if strings.TrimSpace(text) != "" {
		temperature := defaultTemperature
		if opts.Temperature != nil {
			temperature = *opts.Temperature
		}
		out, err := t.client.generate(ctx, buildNarrationPrompt(text), generateOptions{
			Model:       opts.Model,
			Temperature: temperature,
			NumPredict:  opts.NumPredict,
		})
		if err != nil {
			return domain.StageOutput{}, err
		}
		if out == "" {
			slog.Warn("transform_empty_response", "document_id", req.DocumentID, "segment_id", req.SegmentID)
		} else {
			formatted = out
		}
	}

	ref, err := t.storage.Put(ctx, FormattedKey(req.DocumentID, req.SegmentID), strings.NewReader(formatted))
	if err != nil {
		return domain.StageOutput{}, domain.WrapError(domain.ErrTemporary, "transform store", err)
	}
	return domain.StageOutput{Ref: ref, SizeBytes: int64(len(formatted))}, nil
}

func parseTransformOptions(raw json.RawMessage) (TransformOptions, error) {
	var opts TransformOptions
	if len(bytes.TrimSpace(raw)) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, domain.WrapError(domain.ErrPermanent, "transform options", err)
	}
	return opts, nil
}
