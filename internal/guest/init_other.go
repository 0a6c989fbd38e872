//go:build !linux

package guest

import "log/slog"

// IsInit always reports false outside Linux.
func IsInit() bool { return false }

// SetupInit is a no-op outside Linux.
func SetupInit(*slog.Logger) {}

// Halt is a no-op outside Linux.
func Halt(*slog.Logger) {}
