package web3

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrTransactionNotFound is returned when the settlement layer has no
	// record of the referenced transaction.
	ErrTransactionNotFound = errors.New("web3: transaction not found")
	// ErrInvalidReference is returned for references that cannot name a
	// transaction on the target chain.
	ErrInvalidReference = errors.New("web3: invalid transaction reference")
	// ErrUnsupportedNetwork is returned when no reader is configured for a network.
	ErrUnsupportedNetwork = errors.New("web3: unsupported network")
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Network     string `json:"network"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Transfer is a single movement of value observed inside a transaction.
// Asset is the configured symbol when the token is known, otherwise the
// token contract address.
type Transfer struct {
	From   string
	To     string
	Asset  string
	Amount *big.Int
}

// TransactionInfo summarises what the settlement layer knows about a
// transaction reference.
type TransactionInfo struct {
	Reference     string
	Pending       bool
	Succeeded     bool
	BlockNumber   uint64
	Confirmations uint64
	Transfers     []Transfer
}

// SettlementReader resolves transaction references on one network.
type SettlementReader interface {
	Network() string
	LookupTransaction(ctx context.Context, reference string) (TransactionInfo, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}

// ReaderResolver returns the reader for a named network.
type ReaderResolver interface {
	Reader(network string) (SettlementReader, error)
}
