package kaspa

import "fmt"

// Params describes one network flavor. RetentionDepth tracks the
// network pruning window: history older than it cannot be reorganized
// away, so engines bound their rollback stacks with it.
type Params struct {
	Name          string
	AddressPrefix string
	// DefaultRPCURL is the JSON wRPC endpoint of a local node.
	DefaultRPCURL string
	// RetentionDepth is the pruning window in DAA score units, roughly
	// three days at ten blocks per second.
	RetentionDepth uint64
}

var (
	Mainnet = Params{
		Name:           "mainnet",
		AddressPrefix:  "kaspa",
		DefaultRPCURL:  "ws://127.0.0.1:18110",
		RetentionDepth: 2_592_000,
	}

	Testnet10 = Params{
		Name:           "testnet-10",
		AddressPrefix:  "kaspatest",
		DefaultRPCURL:  "ws://127.0.0.1:18210",
		RetentionDepth: 2_592_000,
	}

	Simnet = Params{
		Name:           "simnet",
		AddressPrefix:  "kaspasim",
		DefaultRPCURL:  "ws://127.0.0.1:18510",
		RetentionDepth: 2_592_000,
	}

	Devnet = Params{
		Name:           "devnet",
		AddressPrefix:  "kaspadev",
		DefaultRPCURL:  "ws://127.0.0.1:18610",
		RetentionDepth: 2_592_000,
	}
)

// ParamsForNetwork resolves a network name to its parameters.
func ParamsForNetwork(name string) (Params, error) {
	switch name {
	case Mainnet.Name:
		return Mainnet, nil
	case Testnet10.Name:
		return Testnet10, nil
	case Simnet.Name:
		return Simnet, nil
	case Devnet.Name:
		return Devnet, nil
	default:
		return Params{}, fmt.Errorf("kaspa: unknown network %q", name)
	}
}
