// Package errdefs - Error taxonomy shared by every pipeline stage.
package errdefs

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidInputShape is returned when an image or tensor does not have a usable shape.
	ErrInvalidInputShape = errors.New("invalid input shape")
	// ErrUnsupportedExportOperation is returned when an export target lacks a required primitive.
	ErrUnsupportedExportOperation = errors.New("unsupported export operation")
	// ErrConfiguration is returned when a configuration value is out of range.
	ErrConfiguration = errors.New("configuration error")
)

// InvalidShape wraps ErrInvalidInputShape with a formatted reason.
//
// Arguments:
//   - format: The reason, as a fmt format string.
//   - args: The format arguments.
//
// Returns:
//   - error: An error that satisfies errors.Is(err, ErrInvalidInputShape).
func InvalidShape(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidInputShape, format, args...)
}

// Unsupported wraps ErrUnsupportedExportOperation with the target and the missing primitives.
//
// Arguments:
//   - target: The export target that was requested.
//   - format: The reason, as a fmt format string.
//   - args: The format arguments.
//
// Returns:
//   - error: An error that satisfies errors.Is(err, ErrUnsupportedExportOperation).
func Unsupported(target string, format string, args ...any) error {
	return errors.Wrapf(ErrUnsupportedExportOperation, "target %s: "+format, append([]any{target}, args...)...)
}

// Configuration wraps ErrConfiguration with a formatted reason.
func Configuration(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
