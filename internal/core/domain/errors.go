package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrSegmentNotFound   = errors.New("segment not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTemporary         = errors.New("temporary failure")
	ErrPermanent         = errors.New("permanent failure")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrOrchestration     = errors.New("orchestration failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsTransient reports whether an executor failure may be retried.
// Only errors explicitly marked ErrTemporary qualify.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrTemporary)
}
