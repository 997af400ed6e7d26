package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	tictactoecmd "github.com/daglight/daglight/internal/cmd/tictactoe"
	"github.com/daglight/daglight/internal/platform/config"
)

func main() {
	cfg, err := tictactoecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tictactoecmd.Run(ctx, cfg, os.Stdout); err != nil {
		config.Exitf("tictactoe: %v", err)
	}
}
