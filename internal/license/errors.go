package license

import "errors"

var (
	ErrInvalidStatus          = errors.New("invalid license status")
	ErrInvalidTransition      = errors.New("license status transition not allowed")
	ErrKeyGenerationExhausted = errors.New("could not generate a unique license key")
	ErrNoMember               = errors.New("license has no member account")
	ErrInvalidRequest         = errors.New("invalid license request")
)
