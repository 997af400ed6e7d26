package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	daglightdcmd "github.com/daglight/daglight/internal/cmd/daglightd"
)

func main() {
	cfg, err := daglightdcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[DAGLIGHTD] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daglightdcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
