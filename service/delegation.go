package service

import (
	"crypto/ecdsa"
	"encoding/json"
	"time"

	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/internal/metrics"
	"github.com/rs/zerolog/log"
)

// CanonicalCertificate is the exact byte string a wallet signs for a certificate.
// Field order is fixed by the struct layout; a nil permission list encodes as [].
func CanonicalCertificate(cert core.DelegationCertificate) ([]byte, error) {
	if cert.Permissions == nil {
		cert.Permissions = []string{}
	}
	return json.Marshal(cert)
}

// NewDelegationCertificate builds an unsigned certificate valid for ttl from issuedAt
func NewDelegationCertificate(devicePublicKey, walletAddress, domain string, issuedAt time.Time, ttl time.Duration, permissions []string) core.DelegationCertificate {
	return core.DelegationCertificate{
		DevicePublicKey: devicePublicKey,
		WalletAddress:   walletAddress,
		Domain:          domain,
		IssuedAt:        issuedAt.UnixMilli(),
		ExpiresAt:       issuedAt.Add(ttl).UnixMilli(),
		Permissions:     permissions,
		Version:         core.CertificateVersion,
	}
}

// SignCertificate signs the canonical certificate encoding with a wallet key
func SignCertificate(wallet *ecdsa.PrivateKey, cert core.DelegationCertificate) (string, error) {
	canonical, err := CanonicalCertificate(cert)
	if err != nil {
		return "", err
	}
	return eth.SignText(wallet, canonical)
}

// DelegationService validates wallet to rivet delegation chains. It keeps no state:
// certificates are re-presented on every request and honored until they expire.
type DelegationService struct {
	now func() time.Time
}

// NewDelegationService creates a new delegation verifier
func NewDelegationService() *DelegationService {
	return &DelegationService{now: time.Now}
}

// WithClock overrides the time source
func (s *DelegationService) WithClock(now func() time.Time) *DelegationService {
	s.now = now
	return s
}

// Verify checks the assertion in a fixed order and returns the wallet as the
// effective caller. The device key is only ever a bearer of delegated authority.
func (s *DelegationService) Verify(assertion core.RivetSignedAssertion, servingDomain string) (*core.DelegationVerdict, error) {
	verdict, err := s.verify(assertion, servingDomain, s.now())
	if err != nil {
		metrics.Delegation(string(core.KindOf(err)))
		log.Debug().Err(err).Str("wallet", assertion.WalletAddress).Msg("delegation rejected")
		return nil, err
	}
	metrics.Delegation("ok")
	return verdict, nil
}

func (s *DelegationService) verify(a core.RivetSignedAssertion, servingDomain string, now time.Time) (*core.DelegationVerdict, error) {
	cert := a.Certificate

	// 1. the wallet signed exactly this certificate
	if cert.Version != core.CertificateVersion || !core.SameAddress(cert.WalletAddress, a.WalletAddress) {
		return nil, core.ErrCertificateForged
	}
	canonical, err := CanonicalCertificate(cert)
	if err != nil || !eth.VerifyText(canonical, a.CertificateSignature, a.WalletAddress) {
		return nil, core.ErrCertificateForged
	}

	// 2. issued for this host, compared byte for byte
	if cert.Domain != servingDomain {
		return nil, core.ErrDomainMismatch
	}

	// 3. still valid; a certificate with expiresAt <= issuedAt never was
	if cert.ExpiresAt <= cert.IssuedAt || now.UnixMilli() > cert.ExpiresAt {
		return nil, core.ErrCertificateExpired
	}

	// 4. the device holding the delegated key signed the message
	if !eth.VerifyDevice([]byte(a.Message), a.DeviceSignature, cert.DevicePublicKey) {
		return nil, core.ErrSignatureInvalid
	}

	wallet, err := eth.ChecksumAddress(a.WalletAddress)
	if err != nil {
		return nil, core.ErrCertificateForged
	}
	return &core.DelegationVerdict{
		WalletAddress: wallet,
		Permissions:   append([]string(nil), cert.Permissions...),
		ExpiresAt:     cert.Expiry(),
	}, nil
}
