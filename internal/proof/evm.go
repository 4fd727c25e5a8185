package proof

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// PersonalMessageHash is the EIP-191 hash wallets sign for personal_sign.
func PersonalMessageHash(message string) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message))
	return keccak256([]byte(prefix), []byte(message))
}

// ChecksumAddress validates a 0x address and returns its EIP-55 form. Mixed
// case input must already carry a valid checksum.
func ChecksumAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if len(addr) != 42 || !(strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X")) {
		return "", ErrMalformedAddress
	}
	body := addr[2:]
	raw, err := hex.DecodeString(body)
	if err != nil || len(raw) != 20 {
		return "", ErrMalformedAddress
	}
	sum := checksum(raw)
	lower, upper := strings.ToLower(body), strings.ToUpper(body)
	if body != lower && body != upper && "0x"+body != sum {
		return "", ErrBadChecksum
	}
	return sum, nil
}

func checksum(raw []byte) string {
	lower := hex.EncodeToString(raw)
	hash := keccak256([]byte(lower))
	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && c <= 'f' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

func parseEVMSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(sig), "0x"), "0X")
	raw, err := hex.DecodeString(sig)
	if err != nil || len(raw) != 65 {
		return nil, ErrMalformedSignature
	}
	switch raw[64] {
	case 0, 1, 27, 28:
	default:
		return nil, ErrMalformedSignature
	}
	return raw, nil
}

// RecoverPersonal returns the EIP-55 address that signed message. sig is
// R || S || V as produced by personal_sign.
func RecoverPersonal(message string, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return "", fmt.Errorf("invalid recovery id %d", sig[64])
	}
	// compact form is header || R || S, header = 27 + recovery id
	compact := make([]byte, 65)
	compact[0] = 27 + v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, PersonalMessageHash(message))
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	uncompressed := pub.SerializeUncompressed()
	return checksum(keccak256(uncompressed[1:])[12:]), nil
}
