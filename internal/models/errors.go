package models

import "errors"

// Error classes shared by every stage. Sites wrap these with context so
// callers can test the class with errors.Is.
var (
	// ErrInvalidConfiguration marks a bad or unsupported option value.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrDimensionMismatch marks incompatible mask/data geometry or time extent.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrDegenerateInput marks input the computation cannot proceed on,
	// such as a fully masked-out volume or a radius that connects nothing.
	ErrDegenerateInput = errors.New("degenerate input")
)
