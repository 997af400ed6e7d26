package wrpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/daglight/daglight/internal/kaspa"
)

// frame is the single wire shape for calls, replies, and
// notifications. Calls carry id+method+params, replies id+result or
// id+error, notifications method+params with no id.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a call failure reported by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("wrpc: node error %d: %s", e.Code, e.Message)
}

// RPCOutpoint is the JSON shape of an outpoint.
type RPCOutpoint struct {
	TransactionID string `json:"transactionId"`
	Index         uint32 `json:"index"`
}

// RPCScriptPublicKey is the JSON shape of a locking script.
type RPCScriptPublicKey struct {
	Version uint16 `json:"version"`
	Script  string `json:"scriptPublicKey"`
}

// RPCTransactionInput is the JSON shape of a transaction input.
type RPCTransactionInput struct {
	PreviousOutpoint RPCOutpoint `json:"previousOutpoint"`
	SignatureScript  string      `json:"signatureScript"`
	Sequence         uint64      `json:"sequence"`
	SigOpCount       uint8       `json:"sigOpCount"`
}

// RPCTransactionOutput is the JSON shape of a transaction output.
type RPCTransactionOutput struct {
	Amount          uint64             `json:"amount"`
	ScriptPublicKey RPCScriptPublicKey `json:"scriptPublicKey"`
}

// RPCTransaction is the JSON shape of a transaction. Binary fields
// travel hex encoded.
type RPCTransaction struct {
	Version      uint16                 `json:"version"`
	Inputs       []RPCTransactionInput  `json:"inputs"`
	Outputs      []RPCTransactionOutput `json:"outputs"`
	LockTime     uint64                 `json:"lockTime"`
	SubnetworkID string                 `json:"subnetworkId"`
	Gas          uint64                 `json:"gas"`
	Payload      string                 `json:"payload"`
}

// FromTransaction converts a native transaction to its JSON shape.
func FromTransaction(tx *kaspa.Transaction) RPCTransaction {
	out := RPCTransaction{
		Version:      tx.Version,
		Inputs:       make([]RPCTransactionInput, len(tx.Inputs)),
		Outputs:      make([]RPCTransactionOutput, len(tx.Outputs)),
		LockTime:     tx.LockTime,
		SubnetworkID: hex.EncodeToString(tx.SubnetworkID[:]),
		Gas:          tx.Gas,
		Payload:      hex.EncodeToString(tx.Payload),
	}
	for i, in := range tx.Inputs {
		out.Inputs[i] = RPCTransactionInput{
			PreviousOutpoint: RPCOutpoint{
				TransactionID: in.PreviousOutpoint.TxID.String(),
				Index:         in.PreviousOutpoint.Index,
			},
			SignatureScript: hex.EncodeToString(in.SignatureScript),
			Sequence:        in.Sequence,
			SigOpCount:      in.SigOpCount,
		}
	}
	for i, o := range tx.Outputs {
		out.Outputs[i] = RPCTransactionOutput{
			Amount: o.Value,
			ScriptPublicKey: RPCScriptPublicKey{
				Version: o.ScriptPublicKey.Version,
				Script:  hex.EncodeToString(o.ScriptPublicKey.Script),
			},
		}
	}
	return out
}

// Transaction converts the JSON shape back to the native transaction.
func (t RPCTransaction) Transaction() (*kaspa.Transaction, error) {
	tx := &kaspa.Transaction{
		Version:  t.Version,
		LockTime: t.LockTime,
		Gas:      t.Gas,
	}
	subnetwork, err := hex.DecodeString(t.SubnetworkID)
	if err != nil {
		return nil, fmt.Errorf("wrpc: decode subnetwork id: %w", err)
	}
	if len(subnetwork) != len(tx.SubnetworkID) {
		return nil, fmt.Errorf("wrpc: subnetwork id must be %d bytes, got %d", len(tx.SubnetworkID), len(subnetwork))
	}
	copy(tx.SubnetworkID[:], subnetwork)
	if tx.Payload, err = hex.DecodeString(t.Payload); err != nil {
		return nil, fmt.Errorf("wrpc: decode payload: %w", err)
	}

	tx.Inputs = make([]kaspa.TransactionInput, len(t.Inputs))
	for i, in := range t.Inputs {
		prev, err := kaspa.ParseTransactionID(in.PreviousOutpoint.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("wrpc: input %d: %w", i, err)
		}
		script, err := hex.DecodeString(in.SignatureScript)
		if err != nil {
			return nil, fmt.Errorf("wrpc: input %d signature script: %w", i, err)
		}
		tx.Inputs[i] = kaspa.TransactionInput{
			PreviousOutpoint: kaspa.Outpoint{TxID: prev, Index: in.PreviousOutpoint.Index},
			SignatureScript:  script,
			Sequence:         in.Sequence,
			SigOpCount:       in.SigOpCount,
		}
	}
	tx.Outputs = make([]kaspa.TransactionOutput, len(t.Outputs))
	for i, o := range t.Outputs {
		script, err := hex.DecodeString(o.ScriptPublicKey.Script)
		if err != nil {
			return nil, fmt.Errorf("wrpc: output %d script: %w", i, err)
		}
		tx.Outputs[i] = kaspa.TransactionOutput{
			Value: o.Amount,
			ScriptPublicKey: kaspa.ScriptPublicKey{
				Version: o.ScriptPublicKey.Version,
				Script:  script,
			},
		}
	}
	return tx, nil
}

// RPCUTXOEntry is the JSON shape of a spendable output.
type RPCUTXOEntry struct {
	Amount          uint64             `json:"amount"`
	ScriptPublicKey RPCScriptPublicKey `json:"scriptPublicKey"`
	BlockDAAScore   uint64             `json:"blockDaaScore"`
	IsCoinbase      bool               `json:"isCoinbase"`
}

// UTXOsByAddressesEntry is one spendable output owned by a queried
// address.
type UTXOsByAddressesEntry struct {
	Address   string       `json:"address"`
	Outpoint  RPCOutpoint  `json:"outpoint"`
	UTXOEntry RPCUTXOEntry `json:"utxoEntry"`
}

// UTXO converts the entry to the native shape.
func (e UTXOsByAddressesEntry) UTXO() (kaspa.UTXO, error) {
	txID, err := kaspa.ParseTransactionID(e.Outpoint.TransactionID)
	if err != nil {
		return kaspa.UTXO{}, err
	}
	script, err := hex.DecodeString(e.UTXOEntry.ScriptPublicKey.Script)
	if err != nil {
		return kaspa.UTXO{}, fmt.Errorf("wrpc: decode utxo script: %w", err)
	}
	return kaspa.UTXO{
		Outpoint: kaspa.Outpoint{TxID: txID, Index: e.Outpoint.Index},
		Entry: kaspa.UTXOEntry{
			Amount: e.UTXOEntry.Amount,
			ScriptPublicKey: kaspa.ScriptPublicKey{
				Version: e.UTXOEntry.ScriptPublicKey.Version,
				Script:  script,
			},
			BlockDAAScore: e.UTXOEntry.BlockDAAScore,
			IsCoinbase:    e.UTXOEntry.IsCoinbase,
		},
	}, nil
}

// AcceptedTransaction is one transaction accepted into the virtual
// chain, with the acceptance context state transitions are stamped
// with.
type AcceptedTransaction struct {
	Transaction        RPCTransaction `json:"transaction"`
	AcceptingDAAScore  uint64         `json:"acceptingDaaScore"`
	AcceptingBlockTime uint64         `json:"acceptingBlockTime"`
}

// VirtualChainChanged reports one step of the node's selected chain:
// blocks removed by a reorg, blocks added, and the transactions the
// added blocks accepted, in acceptance order. A non-empty removed set
// marks a reorg; ReorgAncestorDAAScore is then the DAA score of the
// last block both chains share.
type VirtualChainChanged struct {
	RemovedChainBlockHashes []string              `json:"removedChainBlockHashes"`
	AddedChainBlockHashes   []string              `json:"addedChainBlockHashes"`
	ReorgAncestorDAAScore   uint64                `json:"reorgAncestorDaaScore,omitempty"`
	AcceptedTransactions    []AcceptedTransaction `json:"acceptedTransactions"`
}

// request/response payloads, one pair per method.

type getUTXOsByAddressesRequest struct {
	Addresses []string `json:"addresses"`
}

type getUTXOsByAddressesResponse struct {
	Entries []UTXOsByAddressesEntry `json:"entries"`
}

type submitTransactionRequest struct {
	Transaction RPCTransaction `json:"transaction"`
	AllowOrphan bool           `json:"allowOrphan"`
}

type submitTransactionResponse struct {
	TransactionID string `json:"transactionId"`
}

type subscribeVirtualChainChangedRequest struct {
	IncludeAcceptedTransactions bool `json:"includeAcceptedTransactions"`
}
