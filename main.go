package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is the erbulk release version.
// Set at build time via: -ldflags="-X main.version=1.0.0"
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runCLI(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
