// Package proofs produces and verifies payment proofs: an EIP-191 signature
// by the settlement executor over the settled transaction, the vault, the
// payout address, the amount and the merchant API id. Merchants recover the
// signer and compare it with the vault's trusted executor.
package proofs
