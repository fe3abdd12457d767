package system

import (
	"context"
	"os/signal"
	"syscall"
)

// WithOsSignals returns a context that is cancelled on SIGINT or SIGTERM.
func WithOsSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
