package common

import (
	"errors"
	"net/http"
)

// Kind classifies an error for propagation policy decisions. Callers decide
// whether to retry, surface, or abort based on the kind, never on message text.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindInvalidTransition  Kind = "invalid_transition"
	KindConflict           Kind = "conflict"
	KindGatewayUnavailable Kind = "gateway_unavailable"
	KindTransientStore     Kind = "transient_store"
	KindTimeout            Kind = "timeout"
	KindFatal              Kind = "fatal"
)

// Sentinel errors for errors.Is checks.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrConflict           = errors.New("resource conflict")
	ErrValidation         = errors.New("validation error")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrTransientStore     = errors.New("transient store failure")
	ErrTimeout            = errors.New("deadline exceeded")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// AppError carries an error kind, an HTTP-ish status code for the outer
// surfaces, and a human message. Stack traces never cross the wire.
type AppError struct {
	Kind    Kind   `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err when it is an AppError, or KindFatal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindFatal
}

// IsRetryable reports whether the propagation policy allows an internal retry.
// Only gateway and store transients are retried; everything else surfaces.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindGatewayUnavailable, KindTransientStore:
		return true
	default:
		return false
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{Kind: KindValidation, Code: http.StatusBadRequest, Message: message, Err: ErrValidation}
}

func NewNotFoundError(message string, err error) *AppError {
	if err == nil {
		err = ErrNotFound
	}
	return &AppError{Kind: KindNotFound, Code: http.StatusNotFound, Message: message, Err: err}
}

func NewInvalidTransitionError(message string) *AppError {
	return &AppError{Kind: KindInvalidTransition, Code: http.StatusConflict, Message: message, Err: ErrInvalidTransition}
}

func NewConflictError(message string) *AppError {
	return &AppError{Kind: KindConflict, Code: http.StatusConflict, Message: message, Err: ErrConflict}
}

func NewGatewayUnavailableError(message string, err error) *AppError {
	if err == nil {
		err = ErrGatewayUnavailable
	}
	return &AppError{Kind: KindGatewayUnavailable, Code: http.StatusServiceUnavailable, Message: message, Err: err}
}

func NewTransientStoreError(message string, err error) *AppError {
	if err == nil {
		err = ErrTransientStore
	}
	return &AppError{Kind: KindTransientStore, Code: http.StatusServiceUnavailable, Message: message, Err: err}
}

func NewTimeoutError(message string) *AppError {
	return &AppError{Kind: KindTimeout, Code: http.StatusGatewayTimeout, Message: message, Err: ErrTimeout}
}

func NewFatalError(message string, err error) *AppError {
	return &AppError{Kind: KindFatal, Code: http.StatusInternalServerError, Message: message, Err: err}
}

// NewServiceUnavailableError is the surfaced form of an exhausted transient
// retry budget.
func NewServiceUnavailableError(message string) *AppError {
	return &AppError{Kind: KindTransientStore, Code: http.StatusServiceUnavailable, Message: message, Err: ErrServiceUnavailable}
}
