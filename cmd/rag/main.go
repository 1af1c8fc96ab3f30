package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp()
	err := NewRootCmd(version, a).ExecuteContext(ctx)
	_ = a.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rag:", err)
		stop()
		os.Exit(1)
	}
}
