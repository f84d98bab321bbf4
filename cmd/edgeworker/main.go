// Package main implements the nats-edge-worker entry point. The worker
// subscribes to its device's NATS namespace and executes the commands it
// receives: lifecycle commands, systemd unit control and settings reads.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information, overridden with -ldflags at release time
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "nats-edge-worker"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}
