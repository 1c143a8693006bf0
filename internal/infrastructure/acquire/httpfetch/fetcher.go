package httpfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
)

const defaultMaxBytes = 64 << 20

type Options struct {
	Force bool `json:"force"`
}

// Fetcher is the Acquire executor: it downloads a source locator, extracts
// plain text and stores it as raw/{document}/source.txt.
type Fetcher struct {
	storage    ports.ObjectStorage
	httpClient *http.Client
	maxBytes   int64
	userAgent  string
}

func New(storage ports.ObjectStorage, timeout time.Duration, userAgent string) *Fetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = "audiobook-pipeline/1.0"
	}
	return &Fetcher{
		storage:    storage,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   defaultMaxBytes,
		userAgent:  userAgent,
	}
}

func RawKey(documentID string) string {
	return "raw/" + documentID + "/source.txt"
}

func (f *Fetcher) Acquire(ctx context.Context, req domain.StageRequest) (domain.StageOutput, error) {
	opts, err := parseOptions(req.Options)
	if err != nil {
		return domain.StageOutput{}, err
	}
	locator, err := parseLocator(req.InputRef)
	if err != nil {
		return domain.StageOutput{}, err
	}

	key := RawKey(req.DocumentID)
	if !opts.Force {
		exists, err := f.storage.Exists(ctx, key)
		if err != nil {
			return domain.StageOutput{}, domain.WrapError(domain.ErrTemporary, "acquire stat", err)
		}
		if exists {
			slog.Info("acquire_skipped_existing", "document_id", req.DocumentID, "ref", key)
			return domain.StageOutput{Ref: key}, nil
		}
	}

	body, contentType, err := f.fetch(ctx, locator)
	if err != nil {
		return domain.StageOutput{}, err
	}
	text, err := extractText(body, contentType)
	if err != nil {
		return domain.StageOutput{}, domain.WrapError(domain.ErrPermanent, "acquire extract", err)
	}
	if strings.TrimSpace(text) == "" {
		return domain.StageOutput{}, domain.WrapError(domain.ErrPermanent, "acquire extract", errors.New("source contains no text"))
	}

	ref, err := f.storage.Put(ctx, key, strings.NewReader(text))
	if err != nil {
		return domain.StageOutput{}, domain.WrapError(domain.ErrTemporary, "acquire store", err)
	}
	slog.Info("acquire_stored",
		"document_id", req.DocumentID,
		"ref", ref,
		"content_type", contentType,
		"bytes", len(text),
	)
	return domain.StageOutput{Ref: ref, SizeBytes: int64(len(text))}, nil
}

func (f *Fetcher) fetch(ctx context.Context, locator *url.URL) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, locator.String(), nil)
	if err != nil {
		return nil, "", domain.WrapError(domain.ErrPermanent, "acquire request", err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", classifyStatus(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", domain.WrapError(domain.ErrTemporary, "acquire read", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", domain.WrapError(domain.ErrPermanent, "acquire read", fmt.Errorf("source exceeds %d bytes", f.maxBytes))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func parseOptions(raw json.RawMessage) (Options, error) {
	var opts Options
	if len(bytes.TrimSpace(raw)) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, domain.WrapError(domain.ErrPermanent, "acquire options", err)
	}
	return opts, nil
}

func parseLocator(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, domain.WrapError(domain.ErrPermanent, "acquire locator", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, domain.WrapError(domain.ErrPermanent, "acquire locator", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, domain.WrapError(domain.ErrPermanent, "acquire locator", errors.New("host is required"))
	}
	return u, nil
}
