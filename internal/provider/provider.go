// Package provider contains HTTP clients for the external AI and image
// services. Every failure, timeout included, wraps ErrUnavailable so callers
// can map it to one generic user-facing error without leaking provider
// internals.
package provider

import "errors"

// ErrUnavailable marks any external provider failure.
var ErrUnavailable = errors.New("provider unavailable")
