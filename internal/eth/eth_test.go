package eth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverText(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey).Hex()

	msg := []byte("hello rivet")
	sig, err := SignText(key, msg)
	require.NoError(t, err)

	id, err := RecoverText(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, want, id.Address)

	addr, err := AddressFromPublicKey(id.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, want, addr)

	assert.True(t, VerifyText(msg, sig, strings.ToLower(want)))
}

func TestVerifyTextRejectsTampering(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	msg := []byte("Timestamp: 2026-01-01T00:00:00Z")
	sig, err := SignText(key, msg)
	require.NoError(t, err)
	raw, err := hexutil.Decode(sig)
	require.NoError(t, err)

	for i := range msg {
		tampered := append([]byte(nil), msg...)
		tampered[i] ^= 0x01
		assert.False(t, VerifyText(tampered, sig, address), "message byte %d", i)
	}

	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01
		assert.False(t, VerifyText(msg, hexutil.Encode(tampered), address), "signature byte %d", i)
	}
}

func TestVerifyTextMalformed(t *testing.T) {
	assert.False(t, VerifyText([]byte("x"), "0x1234", "0x0000000000000000000000000000000000000001"))
	assert.False(t, VerifyText([]byte("x"), "not-hex", "0x0000000000000000000000000000000000000001"))
	assert.False(t, VerifyText([]byte("x"), "0x", "not-an-address"))
}

func TestIsAddress(t *testing.T) {
	assert.True(t, IsAddress("0x52908400098527886E0F7030069857D2E4169EE7"))
	assert.True(t, IsAddress("0x52908400098527886e0f7030069857d2e4169ee7"))
	assert.False(t, IsAddress("52908400098527886E0F7030069857D2E4169EE7"))
	assert.False(t, IsAddress("0x5290840009852788"))
	assert.False(t, IsAddress(""))

	sum, err := ChecksumAddress("0x52908400098527886e0f7030069857d2e4169ee7")
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", sum)
}

func TestDeviceSignature(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := EncodeDevicePublicKey(&key.PublicKey)
	require.NoError(t, err)

	msg := []byte("GET /whitelist/check")
	sig, err := SignDevice(key, msg)
	require.NoError(t, err)

	assert.True(t, VerifyDevice(msg, sig, pub))
	assert.False(t, VerifyDevice([]byte("GET /whitelist/checK"), sig, pub))

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherPub, err := EncodeDevicePublicKey(&other.PublicKey)
	require.NoError(t, err)
	assert.False(t, VerifyDevice(msg, sig, otherPub))
}

func TestDeviceSignatureSPKIAndDER(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	msg := []byte("payload")
	digest := sha256.Sum256(msg)
	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	assert.True(t, VerifyDevice(msg, base64.StdEncoding.EncodeToString(der), base64.StdEncoding.EncodeToString(spki)))
}

func TestKeySigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewKeySignerFromHex(hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())

	sig, err := signer.SignText([]byte("server"))
	require.NoError(t, err)
	assert.True(t, VerifyText([]byte("server"), sig, signer.Address().Hex()))
}
