package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("task not found")
	ErrGateway          = errors.New("gateway request failed")
	ErrGeneration       = errors.New("generation failed")
)

// ValidationError reports malformed input. It is always raised before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// GatewayError wraps a failed call to the remote collection.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// GenerationError wraps a failed or unusable call to the text generation service.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }
