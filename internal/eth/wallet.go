// Package eth holds the signature primitives for both curve families used by rivetgate:
// the wallet curve (secp256k1, EIP-191 personal messages) and the device curve (P-256).
package eth

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/rivetgate/core"
)

var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrMalformedAddress   = errors.New("malformed address")
	ErrMalformedPublicKey = errors.New("malformed public key")
)

// IsAddress reports whether s is a well-formed 0x-prefixed 20 byte hex address
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// ChecksumAddress returns the mixed-case rendering of a valid address
func ChecksumAddress(s string) (string, error) {
	if !IsAddress(s) {
		return "", ErrMalformedAddress
	}
	return common.HexToAddress(s).Hex(), nil
}

// TextHash returns the EIP-191 personal message digest of msg
func TextHash(msg []byte) []byte {
	return accounts.TextHash(msg)
}

// RecoverText recovers the identity that produced an EIP-191 signature over msg.
// Both 0/1 and 27/28 recovery ids are accepted; high-s signatures are rejected.
func RecoverText(msg []byte, signature string) (core.Identity, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return core.Identity{}, ErrMalformedSignature
	}

	// Do not mutate the caller's buffer
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, true) {
		return core.Identity{}, ErrMalformedSignature
	}

	pub, err := crypto.SigToPub(TextHash(msg), sig)
	if err != nil {
		return core.Identity{}, ErrMalformedSignature
	}

	return core.Identity{
		Address:   crypto.PubkeyToAddress(*pub).Hex(),
		PublicKey: hexutil.Encode(crypto.FromECDSAPub(pub)),
	}, nil
}

// VerifyText is the ownership predicate: does signature over msg prove control of address?
func VerifyText(msg []byte, signature, address string) bool {
	if !IsAddress(address) {
		return false
	}
	id, err := RecoverText(msg, signature)
	if err != nil {
		return false
	}
	return core.SameAddress(id.Address, address)
}

// AddressFromPublicKey derives the address of a hex encoded secp256k1 public key
func AddressFromPublicKey(publicKey string) (string, error) {
	raw, err := hexutil.Decode(publicKey)
	if err != nil {
		return "", ErrMalformedPublicKey
	}

	var pub *ecdsa.PublicKey
	switch len(raw) {
	case 33:
		pub, err = crypto.DecompressPubkey(raw)
	default:
		pub, err = crypto.UnmarshalPubkey(raw)
	}
	if err != nil {
		return "", ErrMalformedPublicKey
	}

	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// SignText produces an EIP-191 signature with a 27/28 recovery id, the form wallets emit
func SignText(key *ecdsa.PrivateKey, msg []byte) (string, error) {
	sig, err := crypto.Sign(TextHash(msg), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
