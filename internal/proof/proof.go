// Package proof checks that a wallet signed a challenge message.
package proof

import (
	"strings"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
)

var (
	ErrUnsupportedNetwork = apperr.New(apperr.KindValidation, "unsupported_network", "wallet network is not supported")
	ErrMalformedAddress   = apperr.New(apperr.KindValidation, "malformed_address", "wallet address is malformed")
	ErrBadChecksum        = apperr.New(apperr.KindValidation, "address_checksum", "wallet address checksum is invalid")
	ErrMalformedSignature = apperr.New(apperr.KindValidation, "malformed_signature", "signature is malformed")
	// ErrSignerMismatch means the signature is well formed but was not made
	// by the claimed wallet over the challenge.
	ErrSignerMismatch = apperr.New(apperr.KindValidation, "signer_mismatch", "signature does not match the claimed wallet")
)

type Family int

const (
	FamilyEVM Family = iota + 1
	FamilySolana
)

var networks = map[string]Family{
	"ethereum":  FamilyEVM,
	"eth":       FamilyEVM,
	"bsc":       FamilyEVM,
	"polygon":   FamilyEVM,
	"arbitrum":  FamilyEVM,
	"optimism":  FamilyEVM,
	"base":      FamilyEVM,
	"avalanche": FamilyEVM,
	"solana":    FamilySolana,
	"sol":       FamilySolana,
}

// Claim is a user's statement that Address on Network produced Signature.
type Claim struct {
	Network   string
	Address   string
	Signature string
}

// Parsed is a Claim whose fields passed format checks.
type Parsed struct {
	Network string
	Family  Family
	// Address is the canonical form: EIP-55 for EVM, base58 for Solana.
	Address string
	sig     []byte
	pub     []byte
}

func NetworkFamily(network string) (Family, bool) {
	f, ok := networks[strings.ToLower(strings.TrimSpace(network))]
	return f, ok
}

// Parse validates formats only. It never touches the message.
func Parse(c Claim) (Parsed, error) {
	network := strings.ToLower(strings.TrimSpace(c.Network))
	family, ok := networks[network]
	if !ok {
		return Parsed{}, ErrUnsupportedNetwork
	}
	p := Parsed{Network: network, Family: family}
	var err error
	switch family {
	case FamilyEVM:
		p.Address, err = ChecksumAddress(c.Address)
		if err != nil {
			return Parsed{}, err
		}
		p.sig, err = parseEVMSignature(c.Signature)
	case FamilySolana:
		p.pub, err = parseSolanaAddress(c.Address)
		if err != nil {
			return Parsed{}, err
		}
		p.Address = strings.TrimSpace(c.Address)
		p.sig, err = parseSolanaSignature(c.Signature)
	}
	if err != nil {
		return Parsed{}, err
	}
	return p, nil
}

// Verify checks that the parsed signature was produced over message by the
// claimed address.
func (p Parsed) Verify(message string) error {
	switch p.Family {
	case FamilyEVM:
		signer, err := RecoverPersonal(message, p.sig)
		if err != nil {
			return apperr.Wrap(ErrSignerMismatch, err)
		}
		if signer != p.Address {
			return ErrSignerMismatch
		}
		return nil
	case FamilySolana:
		return verifySolana(p.pub, message, p.sig)
	}
	return ErrUnsupportedNetwork
}
