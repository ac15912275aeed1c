package proofs

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	xerrors "ShadowStream/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Headers carrying a signed REST request.
const (
	HeaderSignature = "x-shadowstream-signature"
	HeaderTimestamp = "x-shadowstream-timestamp"
)

// ErrInvalidRequestSignature is returned when a request signature does not
// decode or recover.
var ErrInvalidRequestSignature = xerrors.New(xerrors.CodeUnauthorized, "Invalid request signature")

// RequestMessage is the text a caller signs with personal_sign:
//
//	ShadowStream request
//	PUT /api/user/vaults/0x.../rules
//	timestamp: 1767225600
//	body-sha256: <hex>
//
// Wallets can produce the signature without any ShadowStream code.
func RequestMessage(method, path string, timestamp int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(fmt.Sprintf("ShadowStream request\n%s %s\ntimestamp: %d\nbody-sha256: %s",
		strings.ToUpper(method), path, timestamp, hex.EncodeToString(sum[:])))
}

// SignRequest signs message with key, returning a 0x-prefixed signature with
// a 27/28 recovery id.
func SignRequest(key *ecdsa.PrivateKey, message []byte) (string, error) {
	if key == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "request signer requires a key")
	}
	sig, err := crypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "sign request")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverRequest returns the account that signed message.
func RecoverRequest(message []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidRequestSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeUnauthorized, err, "Invalid request signature")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
