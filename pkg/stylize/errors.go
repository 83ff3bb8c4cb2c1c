package stylize

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch reports a buffer whose length does not match the
	// frame dimensions it is used with.
	ErrShapeMismatch = errors.New("stylize: shape mismatch")

	// ErrInvalidDimensions reports a negative width or height.
	ErrInvalidDimensions = errors.New("stylize: invalid dimensions")

	// ErrInvalidStrength reports a NaN blend strength.
	ErrInvalidStrength = errors.New("stylize: invalid strength")

	// ErrUnknownStyle is returned by runners that cannot resolve a style id.
	// The pipeline itself never inspects style ids.
	ErrUnknownStyle = errors.New("stylize: unknown style")
)

// ShapeError describes a length check that failed at a stage boundary.
type ShapeError struct {
	Stage string // "encode", "decode", "blend" or "inference"
	Want  int
	Got   int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("stylize: %s: expected %d elements, got %d", e.Stage, e.Want, e.Got)
}

func (e *ShapeError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// InferenceError wraps a failure returned by a Runner. Unwrap yields the
// runner's error unchanged.
type InferenceError struct {
	StyleID string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("stylize: inference for style %q: %v", e.StyleID, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
