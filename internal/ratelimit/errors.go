package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable is returned by the shared store when it cannot be
	// reached, times out, or answers with something unusable.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")

	// ErrMalformedReply is returned when the shared store replies with an
	// unexpected shape. It wraps ErrBackendUnavailable.
	ErrMalformedReply = fmt.Errorf("%w: malformed reply", ErrBackendUnavailable)

	// ErrInvalidConfiguration is returned at setup time for non-positive
	// limits, windows or intervals.
	ErrInvalidConfiguration = errors.New("invalid rate limit configuration")
)
