package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims combines standard claims with the session cookie payload
type SessionClaims struct {
	jwt.RegisteredClaims
	RivetAddress  string `json:"rivetAddress"`
	PublicKey     string `json:"publicKey,omitempty"`
	Authenticated bool   `json:"authenticated"`
}
