package httptts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
	"github.com/kirillkom/audiobook-pipeline/internal/core/ports"
	"github.com/kirillkom/audiobook-pipeline/internal/infrastructure/speech/wavfile"
)

const maxAudioBytes = 512 << 20

type Config struct {
	BaseURL      string
	Path         string
	DefaultVoice string
	// KeySecret names the secret sent as X-API-Key; empty disables auth.
	KeySecret         string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type SynthesizeOptions struct {
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// Synthesizer is the Synthesize executor. It posts formatted text to a speech
// service and stores the returned WAV as audio/{document}/{segment}.wav.
type Synthesizer struct {
	baseURL      string
	path         string
	defaultVoice string
	keySecret    string
	secrets      ports.SecretStore
	storage      ports.ObjectStorage
	limiter      *rate.Limiter
	httpClient   *http.Client
}

func New(cfg Config, storage ports.ObjectStorage, secrets ports.SecretStore) *Synthesizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/synthesize"
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Synthesizer{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		path:         cfg.Path,
		defaultVoice: cfg.DefaultVoice,
		keySecret:    strings.TrimSpace(cfg.KeySecret),
		secrets:      secrets,
		storage:      storage,
		limiter:      limiter,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
	}
}

func AudioKey(documentID, segmentID string) string {
	return "audio/" + documentID + "/" + segmentID + ".wav"
}

func (s *Synthesizer) Synthesize(ctx context.Context, req domain.StageRequest) (domain.StageOutput, error) {
	opts, err := parseOptions(req.Options)
	if err != nil {
		return domain.StageOutput{}, err
	}
	if opts.Voice == "" {
		opts.Voice = s.defaultVoice
	}

	reader, err := s.storage.Open(ctx, req.InputRef)
	if err != nil {
		return domain.StageOutput{}, err
	}
	raw, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return domain.StageOutput{}, domain.WrapError(domain.ErrTemporary, "synthesize read", err)
	}

	var audio []byte
	if text := strings.TrimSpace(string(raw)); text == "" {
		audio = wavfile.Silent()
	} else {
		audio, err = s.call(ctx, text, opts)
		if err != nil {
			return domain.StageOutput{}, err
		}
	}

	info, err := wavfile.Parse(audio)
	if err != nil {
		return domain.StageOutput{}, domain.WrapError(domain.ErrPermanent, "synthesize decode", err)
	}
	ref, err := s.storage.Put(ctx, AudioKey(req.DocumentID, req.SegmentID), bytes.NewReader(audio))
	if err != nil {
		return domain.StageOutput{}, domain.WrapError(domain.ErrTemporary, "synthesize store", err)
	}
	slog.Info("segment_synthesized",
		"document_id", req.DocumentID,
		"segment_id", req.SegmentID,
		"ref", ref,
		"duration_seconds", info.Duration.Seconds(),
	)
	return domain.StageOutput{
		Ref:             ref,
		DurationSeconds: info.Duration.Seconds(),
		SizeBytes:       int64(len(audio)),
	}, nil
}

func (s *Synthesizer) call(ctx context.Context, text string, opts SynthesizeOptions) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "synthesize", fmt.Errorf("rate limit wait: %w", err))
	}

	payload := map[string]any{
		"text":   text,
		"format": "wav",
	}
	if opts.Voice != "" {
		payload["voice"] = opts.Voice
	}
	if opts.Speed > 0 {
		payload["speed"] = opts.Speed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+s.path, bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapError(domain.ErrPermanent, "synthesize", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")
	if s.keySecret != "" {
		key, err := s.secrets.Secret(ctx, s.keySecret)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("X-API-Key", key)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, classifyStatus(resp)
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "synthesize read response", err)
	}
	if len(audio) > maxAudioBytes {
		return nil, domain.WrapError(domain.ErrPermanent, "synthesize read response", fmt.Errorf("audio exceeds %d bytes", maxAudioBytes))
	}
	return audio, nil
}

func parseOptions(raw json.RawMessage) (SynthesizeOptions, error) {
	var opts SynthesizeOptions
	if len(bytes.TrimSpace(raw)) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, domain.WrapError(domain.ErrPermanent, "synthesize options", err)
	}
	return opts, nil
}

type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "tts status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("tts status: %s", e.Status)
	}
	return fmt.Sprintf("tts status: %s: %s", e.Status, strings.TrimSpace(e.Body))
}

func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return domain.WrapError(domain.ErrTemporary, "synthesize", statusErr)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.WrapError(domain.ErrUnauthorized, "synthesize", statusErr)
	default:
		return domain.WrapError(domain.ErrPermanent, "synthesize", statusErr)
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTemporary, "synthesize", err)
	}
	return domain.WrapError(domain.ErrPermanent, "synthesize", err)
}
