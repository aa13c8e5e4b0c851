// Package types defines error types for the overlay.
package types

import "errors"

// Common errors
var (
	ErrInvalidRoot       = errors.New("invalid root directory")
	ErrInvalidMountPoint = errors.New("invalid mount point")
	ErrNotMounted        = errors.New("overlay is not mounted")
)
