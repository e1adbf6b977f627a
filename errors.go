package compositor

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTemplate is returned when an operation needs a template and none is set.
	ErrNoTemplate = errors.New("no template set")
	// ErrInvalidTemplate indicates the template image is missing, empty or undecodable.
	ErrInvalidTemplate = errors.New("invalid template image")
	// ErrUnknownElement indicates an element id that is not part of the document.
	ErrUnknownElement = errors.New("unknown element")
	// ErrDuplicateElement indicates an element id that is already registered.
	ErrDuplicateElement = errors.New("duplicate element id")
	// ErrOverlayOnText is returned when the overlay key is mapped to a text element.
	ErrOverlayOnText = errors.New("overlay mapping is only allowed on image elements")
	// ErrNothingToExport is the terminal status of an export with no enabled rows.
	ErrNothingToExport = errors.New("nothing to export")
	// ErrFontUnavailable indicates a font family that could not be found.
	ErrFontUnavailable = errors.New("font unavailable")
	// ErrImageUnavailable indicates that every candidate of a cascade failed to load.
	ErrImageUnavailable = errors.New("no image candidate could be loaded")
	// ErrUnsupportedSource indicates an image source the loader cannot fetch.
	ErrUnsupportedSource = errors.New("unsupported image source")
	// ErrProxyUnavailable indicates a proxy path while no base URL is configured.
	ErrProxyUnavailable = errors.New("proxy base URL not configured")
)

// UserInputError wraps a failure caused by user-supplied input such as a
// template or a table. The operation is aborted and nothing is mutated.
type UserInputError struct {
	Op  string // "set template", "load dataset", ...
	Err error
}

func (e *UserInputError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UserInputError) Unwrap() error {
	return e.Err
}

// NewUserInputError creates a new UserInputError.
func NewUserInputError(op string, err error) *UserInputError {
	return &UserInputError{Op: op, Err: err}
}

// RowExportError records the failure of a single dataset row during export.
type RowExportError struct {
	Row int // zero-based dataset row index
	Err error
}

func (e *RowExportError) Error() string {
	return fmt.Sprintf("export row %d: %v", e.Row+1, e.Err)
}

func (e *RowExportError) Unwrap() error {
	return e.Err
}
