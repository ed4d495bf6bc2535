package main

import (
	"context"
	"os/signal"
	"syscall"
)

// signalContext cancels on SIGINT/SIGTERM so the HTTP server can shut
// down gracefully.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
