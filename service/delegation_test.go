package service

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rivet struct {
	key    *ecdsa.PrivateKey
	public string
}

func newRivet(t *testing.T) rivet {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := eth.EncodeDevicePublicKey(&key.PublicKey)
	require.NoError(t, err)
	return rivet{key: key, public: pub}
}

func delegatedAssertion(t *testing.T, w wallet, d rivet, cert core.DelegationCertificate, message string) core.RivetSignedAssertion {
	t.Helper()
	certSig, err := SignCertificate(w.key, cert)
	require.NoError(t, err)
	deviceSig, err := eth.SignDevice(d.key, []byte(message))
	require.NoError(t, err)
	return core.RivetSignedAssertion{
		Message:              message,
		DeviceSignature:      deviceSig,
		Certificate:          cert,
		CertificateSignature: certSig,
		WalletAddress:        w.address,
	}
}

func TestDelegationHappyPath(t *testing.T) {
	clock := newFakeClock()
	svc := NewDelegationService().WithClock(clock.Now)
	w, d := newWallet(t), newRivet(t)

	cert := NewDelegationCertificate(d.public, w.address, "example.com", clock.Now(), time.Hour, []string{"whitelist:read"})
	a := delegatedAssertion(t, w, d, cert, "GET /whitelist/check")

	verdict, err := svc.Verify(a, "example.com")
	require.NoError(t, err)
	assert.Equal(t, w.address, verdict.WalletAddress)
	assert.Equal(t, []string{"whitelist:read"}, verdict.Permissions)
	assert.Equal(t, cert.Expiry(), verdict.ExpiresAt)
}

func TestDelegationDomainIsExact(t *testing.T) {
	clock := newFakeClock()
	svc := NewDelegationService().WithClock(clock.Now)
	w, d := newWallet(t), newRivet(t)

	cert := NewDelegationCertificate(d.public, w.address, "example.com", clock.Now(), time.Hour, nil)
	a := delegatedAssertion(t, w, d, cert, "hello")

	for _, host := range []string{"other.com", "Example.com", "sub.example.com", "example.com."} {
		_, err := svc.Verify(a, host)
		assert.ErrorIs(t, err, core.ErrDomainMismatch, host)
	}
}

func TestDelegationExpiry(t *testing.T) {
	clock := newFakeClock()
	svc := NewDelegationService().WithClock(clock.Now)
	w, d := newWallet(t), newRivet(t)

	cert := NewDelegationCertificate(d.public, w.address, "example.com", clock.Now(), time.Hour, nil)
	a := delegatedAssertion(t, w, d, cert, "hello")

	clock.Advance(time.Hour)
	_, err := svc.Verify(a, "example.com")
	require.NoError(t, err, "valid up to and including expiresAt")

	clock.Advance(time.Millisecond)
	_, err = svc.Verify(a, "example.com")
	assert.ErrorIs(t, err, core.ErrCertificateExpired)

	backwards := NewDelegationCertificate(d.public, w.address, "example.com", clock.Now(), 0, nil)
	_, err = svc.Verify(delegatedAssertion(t, w, d, backwards, "hello"), "example.com")
	assert.ErrorIs(t, err, core.ErrCertificateExpired)
}

func TestDelegationForgery(t *testing.T) {
	clock := newFakeClock()
	svc := NewDelegationService().WithClock(clock.Now)
	w, d := newWallet(t), newRivet(t)
	mallory := newWallet(t)

	cert := NewDelegationCertificate(d.public, w.address, "example.com", clock.Now(), time.Hour, []string{"read"})

	t.Run("signed by another wallet", func(t *testing.T) {
		a := delegatedAssertion(t, mallory, d, cert, "hello")
		a.WalletAddress = w.address
		_, err := svc.Verify(a, "example.com")
		assert.ErrorIs(t, err, core.ErrCertificateForged)
	})

	t.Run("permissions widened after signing", func(t *testing.T) {
		a := delegatedAssertion(t, w, d, cert, "hello")
		a.Certificate.Permissions = []string{"read", "admin"}
		_, err := svc.Verify(a, "example.com")
		assert.ErrorIs(t, err, core.ErrCertificateForged)
	})

	t.Run("device key swapped", func(t *testing.T) {
		a := delegatedAssertion(t, w, d, cert, "hello")
		a.Certificate.DevicePublicKey = newRivet(t).public
		_, err := svc.Verify(a, "example.com")
		assert.ErrorIs(t, err, core.ErrCertificateForged)
	})

	t.Run("claimed wallet differs from certificate", func(t *testing.T) {
		a := delegatedAssertion(t, w, d, cert, "hello")
		a.WalletAddress = mallory.address
		_, err := svc.Verify(a, "example.com")
		assert.ErrorIs(t, err, core.ErrCertificateForged)
	})

	t.Run("message signed by another device", func(t *testing.T) {
		a := delegatedAssertion(t, w, newRivet(t), cert, "hello")
		_, err := svc.Verify(a, "example.com")
		assert.ErrorIs(t, err, core.ErrSignatureInvalid)
	})

	t.Run("message altered", func(t *testing.T) {
		a := delegatedAssertion(t, w, d, cert, "hello")
		a.Message = "hellO"
		_, err := svc.Verify(a, "example.com")
		assert.ErrorIs(t, err, core.ErrSignatureInvalid)
	})
}

func TestCanonicalCertificateStable(t *testing.T) {
	cert := core.DelegationCertificate{
		DevicePublicKey: "0x04ab",
		WalletAddress:   "0x52908400098527886E0F7030069857D2E4169EE7",
		Domain:          "example.com",
		IssuedAt:        1,
		ExpiresAt:       2,
		Version:         core.CertificateVersion,
	}
	b, err := CanonicalCertificate(cert)
	require.NoError(t, err)
	assert.Equal(t,
		`{"devicePublicKey":"0x04ab","walletAddress":"0x52908400098527886E0F7030069857D2E4169EE7","domain":"example.com","issuedAt":1,"expiresAt":2,"permissions":[],"version":1}`,
		string(b))
}
