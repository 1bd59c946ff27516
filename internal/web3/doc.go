// Package web3 houses settlement-layer connectivity: chain definitions loaded
// from YAML, the transfer model used by payment verification, and the reader
// interface implemented by concrete chain clients.
package web3
