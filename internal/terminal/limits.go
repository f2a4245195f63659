package terminal

import (
	"fmt"
	"slices"

	"golang.org/x/time/rate"
)

// AllowedShells is the whitelist of shells a session may be started with.
var AllowedShells = []string{
	"/bin/bash",
	"/bin/sh",
	"/bin/zsh",
	"/usr/bin/bash",
	"/usr/bin/zsh",
}

// DefaultShell is used when no shell is configured.
const DefaultShell = "/bin/bash"

// ValidateShell checks whether the given shell path is in AllowedShells.
// An empty string is allowed and defaults to DefaultShell.
func ValidateShell(shell string) error {
	if shell == "" {
		return nil
	}
	if slices.Contains(AllowedShells, shell) {
		return nil
	}
	return fmt.Errorf("shell %q is not allowed; permitted shells: %v", shell, AllowedShells)
}

// Limits applied to every terminal channel.
const (
	// MaxInputMessageSize is the maximum size in bytes of input carried by a
	// single inbound message. Larger input is rejected.
	MaxInputMessageSize = 64 * 1024

	// MaxFrameSize bounds a raw WebSocket frame. JSON escaping can inflate
	// input up to six times.
	MaxFrameSize = 6*MaxInputMessageSize + 1024

	// MaxTermCols is the maximum allowed terminal width.
	MaxTermCols = 500
	// MaxTermRows is the maximum allowed terminal height.
	MaxTermRows = 200

	// DefaultTermCols and DefaultTermRows apply when start omits a size.
	DefaultTermCols = 80
	DefaultTermRows = 24

	// MessageRateLimit is the maximum number of messages per second from a client.
	MessageRateLimit = 100
	// MessageRateBurst is the burst allowance for the rate limiter.
	MessageRateBurst = 200
)

// NewMessageLimiter returns the token bucket used to throttle inbound
// channel messages.
func NewMessageLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(MessageRateLimit), MessageRateBurst)
}

// ClampSize bounds a requested terminal size. Non-positive values fall back
// to the defaults.
func ClampSize(cols, rows int) (uint16, uint16) {
	if cols <= 0 {
		cols = DefaultTermCols
	}
	if rows <= 0 {
		rows = DefaultTermRows
	}
	return uint16(min(cols, MaxTermCols)), uint16(min(rows, MaxTermRows))
}
