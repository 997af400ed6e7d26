package main

import (
	"flag"
	"os"

	keygencmd "github.com/daglight/daglight/internal/cmd/keygen"
	"github.com/daglight/daglight/internal/platform/config"
)

func main() {
	cfg, err := keygencmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := keygencmd.Run(cfg, os.Stdout); err != nil {
		config.Exitf("generate keypair: %v", err)
	}
}
