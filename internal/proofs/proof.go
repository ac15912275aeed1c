package proofs

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	xerrors "ShadowStream/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// CodeInvalidProof marks a proof that does not decode or recover.
const CodeInvalidProof xerrors.Code = "INVALID_PAYMENT_PROOF"

// ErrInvalidProof is returned by Recover and Verify.
var ErrInvalidProof = xerrors.New(CodeInvalidProof, "invalid payment proof")

func init() {
	xerrors.Register(CodeInvalidProof, xerrors.Attributes{
		Message:    "invalid payment proof",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 400,
	})
}

// Payment is the settled payment a proof attests to.
type Payment struct {
	TxHash        common.Hash
	Vault         common.Address
	Payout        common.Address
	Amount        *big.Int
	MerchantAPIID string
}

// Digest returns keccak256(txHash ‖ vault ‖ payout ‖ uint256(amount) ‖ apiID).
func (p Payment) Digest() []byte {
	amount := p.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return crypto.Keccak256(
		p.TxHash.Bytes(),
		p.Vault.Bytes(),
		p.Payout.Bytes(),
		math.U256Bytes(new(big.Int).Set(amount)),
		[]byte(p.MerchantAPIID),
	)
}

// Signer signs payment proofs with the executor key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps key. It returns an error when key is nil.
func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "proof signer requires a key")
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the account merchants should expect to recover.
func (s *Signer) Address() common.Address { return s.address }

// Sign returns the 65-byte signature over the EIP-191 hash of the digest,
// hex encoded with a 0x prefix.
func (s *Signer) Sign(p Payment) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(p.Digest()), s.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "sign payment proof")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover returns the account that signed proof over p.
func Recover(p Payment, proof string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(proof))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidProof
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(p.Digest()), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidProof, err, "recover proof signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether proof over p was produced by expected.
func Verify(p Payment, proof string, expected common.Address) error {
	signer, err := Recover(p, proof)
	if err != nil {
		return err
	}
	if signer != expected {
		return ErrInvalidProof.With(xerrors.WithMetadata("signer", signer.Hex()))
	}
	return nil
}
