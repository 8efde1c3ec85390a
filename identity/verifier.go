package identity

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/carevault/record-access-backend/interfaces"
)

// EthereumVerifier verifies EIP-191 personal-sign signatures, the scheme
// wallet extensions use for challenge signing.
type EthereumVerifier struct{}

var _ interfaces.SignatureVerifier = (*EthereumVerifier)(nil)

// Verify recovers the signer from signature over message and compares it to
// address. A malformed signature is an error; a well-formed signature by a
// different key is a false result.
func (v *EthereumVerifier) Verify(address interfaces.WalletAddress, message []byte, signature []byte) (bool, error) {
	if len(signature) != crypto.SignatureLength {
		return false, fmt.Errorf("invalid signature length %d", len(signature))
	}

	// Wallets return V as 27/28; go-ethereum expects 0/1.
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	hash := accounts.TextHash(message)
	pubkey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false, fmt.Errorf("failed to recover signer: %w", err)
	}

	recovered := crypto.PubkeyToAddress(*pubkey)
	return recovered == address.EthAddress(), nil
}
