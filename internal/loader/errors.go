package loader

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType int

const (
	// ErrSourceUnavailable: every gateway candidate failed. Retried only via
	// the coordinator's outer backoff, never within one call.
	ErrSourceUnavailable ErrorType = iota
	// ErrTranscodeFailed: the remote asset errored or polling ran out.
	ErrTranscodeFailed
	// ErrDecodeTimeout: the readiness probe did not resolve in time.
	ErrDecodeTimeout
	// ErrCooldownActive: a soft skip, not a failure; the key recently failed
	// too often and the coordinator declined to attempt the load.
	ErrCooldownActive
	ErrConfig
	ErrUnknown
)

type LoadError struct {
	Type    ErrorType
	Key     string
	Message string
	Cause   error
}

func NewError(errorType ErrorType, key, message string) *LoadError {
	return &LoadError{
		Type:    errorType,
		Key:     key,
		Message: message,
	}
}

func NewErrorWithCause(errorType ErrorType, key, message string, cause error) *LoadError {
	return &LoadError{
		Type:    errorType,
		Key:     key,
		Message: message,
		Cause:   cause,
	}
}

func (e *LoadError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key: %s", e.Key))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

func (t ErrorType) String() string {
	switch t {
	case ErrSourceUnavailable:
		return "SourceUnavailable"
	case ErrTranscodeFailed:
		return "TranscodeFailed"
	case ErrDecodeTimeout:
		return "DecodeTimeout"
	case ErrCooldownActive:
		return "CooldownActive"
	case ErrConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

func IsErrorType(err error, errorType ErrorType) bool {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Type == errorType
	}
	return false
}

func WrapError(err error, errorType ErrorType, key, message string) *LoadError {
	return NewErrorWithCause(errorType, key, message, err)
}
