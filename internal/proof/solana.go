package proof

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58"
)

func parseSolanaAddress(addr string) ([]byte, error) {
	raw, err := base58.Decode(strings.TrimSpace(addr))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrMalformedAddress
	}
	return raw, nil
}

// Solana wallets hand back raw bytes; clients send them base58 or hex encoded.
func parseSolanaSignature(sig string) ([]byte, error) {
	sig = strings.TrimSpace(sig)
	if raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x")); err == nil && len(raw) == ed25519.SignatureSize {
		return raw, nil
	}
	raw, err := base58.Decode(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return nil, ErrMalformedSignature
	}
	return raw, nil
}

func verifySolana(pub []byte, message string, sig []byte) error {
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig) {
		return ErrSignerMismatch
	}
	return nil
}
