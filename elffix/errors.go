package elffix

import "errors"

var (
	// ErrInvalidElfMagic is returned when the image does not start with a usable ELF identification.
	ErrInvalidElfMagic = errors.New("invalid ELF magic")

	// ErrMissingDynamicSegment is returned when no PT_DYNAMIC program header exists.
	ErrMissingDynamicSegment = errors.New("missing dynamic segment")

	// ErrTruncatedImage marks an image shorter than its program headers claim.
	// It is fatal only when the program header table itself is cut off.
	ErrTruncatedImage = errors.New("truncated image")
)
