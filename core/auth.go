package core

import (
	"strings"
	"time"
)

// Identity is an address plus the public key it was derived from.
// Address case is preserved for display; comparisons go through SameAddress.
type Identity struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey,omitempty"`
}

// KeyExchangeRequest is the client half of the handshake
type KeyExchangeRequest struct {
	ClaimedAddress   string // Address the client claims to own
	ClaimedPublicKey string // Optional, must match the recovered key when present
	Challenge        string // Client-generated 32 byte challenge, hex encoded
	Message          string // Templated message binding address and challenge
	Signature        string // Wallet signature over Message
}

// KeyExchangeResult is the server half of the handshake
type KeyExchangeResult struct {
	ExchangeID          string   `json:"exchangeId"`
	ServerAddress       string   `json:"serverAddress"`
	Services            []string `json:"services"`
	ServerChallenge     string   `json:"serverChallenge"`
	ServerMessage       string   `json:"serverMessage"`
	ServerSignature     string   `json:"serverSignature"`
	ClientAuthenticated bool     `json:"clientAuthenticated"`
	ClientProfile       any      `json:"clientProfile,omitempty"`
}

// SessionToken is the payload carried by the session cookie
type SessionToken struct {
	RivetAddress  string
	PublicKey     string
	Authenticated bool
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// AuthMethod names the strategy that produced an AuthenticatedContext
type AuthMethod string

const (
	AuthMethodSession AuthMethod = "session"
	AuthMethodBearer  AuthMethod = "bearer"
	AuthMethodCookie  AuthMethod = "cookie"
)

// AuthenticatedContext is the per-request caller identity
type AuthenticatedContext struct {
	Address       string     `json:"address"`
	Method        AuthMethod `json:"authMethod"`
	Authenticated bool       `json:"authenticated"`
	// Permissions is set when the identity came from a delegation certificate
	Permissions []string `json:"permissions,omitempty"`
}

// BearerAssertion is the decoded payload of a "Bot" authorization header
type BearerAssertion struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

// SameAddress compares two addresses ignoring case
func SameAddress(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}
