package generate

import "errors"

// Every error returned by this package wraps exactly one of these.
var (
	ErrModelLoad            = errors.New("model load failed")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrGeneration           = errors.New("generation failed")
)
