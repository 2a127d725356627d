// Package htlc implements the hash-timelock escrow primitives used to settle
// swaps on UTXO chains: secret/hashlock handling, timelock schedules, the
// two-branch locking script and the transactions that fund, claim and refund
// escrow outputs.
package htlc

import (
	"crypto/sha256"
	"fmt"

	"github.com/crossmesh/fusion-resolver/pkg/helpers"
)

// SecretSize is the length of swap secrets in bytes.
const SecretSize = 32

// ComputeHashlock returns the SHA-256 hashlock committing to a secret.
func ComputeHashlock(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// GenerateSecret generates a cryptographically secure 32-byte secret
// and returns both the secret and its hashlock.
func GenerateSecret() (secret []byte, hashlock [32]byte, err error) {
	secret, err = helpers.GenerateSecureRandom(SecretSize)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, ComputeHashlock(secret), nil
}

// VerifySecret checks whether a secret matches the expected hashlock in
// constant time.
func VerifySecret(secret []byte, hashlock [32]byte) bool {
	if len(secret) != SecretSize {
		return false
	}
	actual := ComputeHashlock(secret)
	return helpers.ConstantTimeCompare(actual[:], hashlock[:])
}
