package eth

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"
)

// Device keys are WebCrypto P-256 keys. Public keys arrive either as the raw
// uncompressed point (65 bytes) or as SPKI DER; signatures as raw r||s
// (64 bytes, the WebCrypto form) or ASN.1 DER. Any of them hex or base64 encoded.

// ParseDevicePublicKey decodes a P-256 public key
func ParseDevicePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	raw, err := decodeBinary(encoded)
	if err != nil {
		return nil, ErrMalformedPublicKey
	}

	if len(raw) == 65 && raw[0] == 0x04 {
		// ecdh validates the point is on the curve
		if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
			return nil, ErrMalformedPublicKey
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(raw[1:33]),
			Y:     new(big.Int).SetBytes(raw[33:65]),
		}, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, ErrMalformedPublicKey
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, ErrMalformedPublicKey
	}
	return pub, nil
}

// EncodeDevicePublicKey renders a P-256 key as hex of its uncompressed point
func EncodeDevicePublicKey(pub *ecdsa.PublicKey) (string, error) {
	k, err := pub.ECDH()
	if err != nil {
		return "", ErrMalformedPublicKey
	}
	return "0x" + hex.EncodeToString(k.Bytes()), nil
}

// VerifyDevice checks a P-256/SHA-256 signature over msg
func VerifyDevice(msg []byte, signature, publicKey string) bool {
	pub, err := ParseDevicePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := decodeBinary(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(msg)
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		return ecdsa.Verify(pub, digest[:], r, s)
	}
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// SignDevice signs msg the way WebCrypto does (raw r||s, hex encoded)
func SignDevice(key *ecdsa.PrivateKey, msg []byte) (string, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return "", err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return "0x" + hex.EncodeToString(sig), nil
}

func decodeBinary(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if h := strings.TrimPrefix(s, "0x"); isHex(h) {
		return hex.DecodeString(h)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
