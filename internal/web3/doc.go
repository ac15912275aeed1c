// Package web3 defines the chain-facing contract used by the rest of the
// daemon: vault, factory, registry and token calls, transaction receipts,
// chain definitions and fixed-point amount conversion. Concrete clients live
// in the ethereum (JSON-RPC) and simulated (in-process) subpackages.
package web3
