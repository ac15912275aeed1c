// Package contracts implements the PolicyVault, PolicyVaultFactory,
// MerchantRegistry and ERC20 ledger state machines in Go. The simulated chain
// executes them directly, and the settlement pre-flight reuses the same
// rollover and ceiling functions the vault applies on-chain.
package contracts
