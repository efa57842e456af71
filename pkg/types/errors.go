package types

import (
	"errors"
	"fmt"
)

// ValidationError means a precondition for a request was not met. It is
// recoverable and shown inline to the user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// GeometryError means display or natural dimensions are not usable yet.
type GeometryError struct {
	Geometry ImageGeometry
	Message  string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("geometry %dx%d -> %dx%d: %s",
		e.Geometry.NaturalWidth, e.Geometry.NaturalHeight,
		e.Geometry.DisplayWidth, e.Geometry.DisplayHeight, e.Message)
}

// ResolutionError means the resolver produced a mask whose size differs from
// the natural image. It indicates a defect.
type ResolutionError struct {
	WantWidth, WantHeight int
	GotWidth, GotHeight   int
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolved mask is %dx%d, want %dx%d",
		e.GotWidth, e.GotHeight, e.WantWidth, e.WantHeight)
}

// ServiceError wraps a failed exchange with an external service.
type ServiceError struct {
	Service string
	Status  int
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Service, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// UserMessage flattens err to the single message surfaced in the UI.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var se *ServiceError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	var ge *GeometryError
	if errors.As(err, &ge) {
		return "image is still loading"
	}
	return err.Error()
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsGeometry reports whether err carries a GeometryError.
func IsGeometry(err error) bool {
	var ge *GeometryError
	return errors.As(err, &ge)
}
