package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "fetch status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("fetch status: %s", e.Status)
	}
	return fmt.Sprintf("fetch status: %s: %s", e.Status, strings.TrimSpace(e.Body))
}

func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500 {
		return domain.WrapError(domain.ErrTemporary, "acquire fetch", statusErr)
	}
	return domain.WrapError(domain.ErrPermanent, "acquire fetch", statusErr)
}

// classifyTransportError treats network failures as temporary. Cancellation
// of the caller's context is passed through unwrapped.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.WrapError(domain.ErrTemporary, "acquire fetch", err)
	}
	return domain.WrapError(domain.ErrPermanent, "acquire fetch", err)
}
