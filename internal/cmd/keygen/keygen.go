// Package keygen generates the schnorr key material command authors
// sign with.
package keygen

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/daglight/daglight/internal/kaspa"
	"github.com/daglight/daglight/internal/pki"
)

// Config holds keygen configuration.
type Config struct {
	Network string
	Env     bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Network: kaspa.Testnet10.Name}
	fs.StringVar(&cfg.Network, "network", cfg.Network, "network for the funding address prefix")
	fs.BoolVar(&cfg.Env, "env", cfg.Env, "print only the private key, as a DAGLIGHT_KEY assignment")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates a keypair and writes it to out. The address line is
// where the key's transactions are funded from.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	params, err := kaspa.ParamsForNetwork(cfg.Network)
	if err != nil {
		return err
	}
	key, pub, err := pki.GenerateKeyPair()
	if err != nil {
		return err
	}
	if cfg.Env {
		_, err = fmt.Fprintf(out, "DAGLIGHT_KEY=%s\n", hex.EncodeToString(key.Serialize()))
		return err
	}
	_, err = fmt.Fprintf(out, "private key: %s\npublic key: %s\naddress: %s\n",
		hex.EncodeToString(key.Serialize()), pub, kaspa.Address(params.AddressPrefix, pub))
	return err
}
