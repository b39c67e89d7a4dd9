package core

import "time"

// CertificateVersion is the only delegation certificate layout currently issued
const CertificateVersion = 1

// DelegationCertificate binds a rivet (device) public key to a wallet for one domain.
// Timestamps are unix milliseconds so the canonical encoding is stable.
type DelegationCertificate struct {
	DevicePublicKey string   `json:"devicePublicKey"`
	WalletAddress   string   `json:"walletAddress"`
	Domain          string   `json:"domain"`
	IssuedAt        int64    `json:"issuedAt"`
	ExpiresAt       int64    `json:"expiresAt"`
	Permissions     []string `json:"permissions"`
	Version         int      `json:"version"`
}

// Expiry returns ExpiresAt as a time
func (c DelegationCertificate) Expiry() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// RivetSignedAssertion is what a device presents with every delegated request
type RivetSignedAssertion struct {
	Message              string                `json:"message"`
	DeviceSignature      string                `json:"deviceSignature"`
	Certificate          DelegationCertificate `json:"certificate"`
	CertificateSignature string                `json:"certificateSignature"`
	WalletAddress        string                `json:"walletAddress"`
}

// DelegationVerdict is the outcome of a successful assertion check
type DelegationVerdict struct {
	WalletAddress string    `json:"walletAddress"`
	Permissions   []string  `json:"permissions"`
	ExpiresAt     time.Time `json:"expiresAt"`
}
