package clients

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openmart/web3pay/types"
)

// VerifySignature recovers the signer of an EIP-191 personal message.
// Malformed input is INVALID_SIGNATURE; a recovered address that differs
// from whatever the caller expected is a normal verification outcome, not
// an error, so no comparison happens here.
func (p *Pool) VerifySignature(message, signature string) (string, error) {
	return RecoverSigner(message, signature)
}

// IsValidAddress reports whether the address is well-formed.
func (p *Pool) IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// RecoverSigner recovers the lower-cased address that produced an EIP-191
// personal-message signature.
func RecoverSigner(message, signature string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", types.Wrap(types.ErrInvalidSignature, err, "signature is not valid hex")
	}
	if len(sig) != 65 {
		return "", types.E(types.ErrInvalidSignature, "signature length %d, want 65", len(sig))
	}

	// Normalize v from 27/28 to 0/1.
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	if sigCopy[64] > 1 {
		return "", types.E(types.ErrInvalidSignature, "invalid recovery id %d", sig[64])
	}

	pub, err := crypto.SigToPub(personalHash(message), sigCopy)
	if err != nil {
		return "", types.Wrap(types.ErrInvalidSignature, err, "signature recovery failed")
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// PersonalSign signs a message in the EIP-191 personal scheme, returning a
// 0x-prefixed signature with v in the 27/28 convention wallets emit.
func PersonalSign(message string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(personalHash(message), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// personalHash applies the "\x19Ethereum Signed Message" envelope.
func personalHash(message string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}
