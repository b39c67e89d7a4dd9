package tokenizer

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/ports"
)

const AudienceSession = "session:rivet"

// ErrInvalidSession is returned for tampered, expired or foreign session tokens
var ErrInvalidSession = errors.New("invalid session token")

// JWTTokenizer implements the SessionTokenizer interface with HMAC-SHA256 JWTs,
// so the cookie stays stateless but tampering is detectable
type JWTTokenizer struct {
	secret []byte
	issuer string
}

// NewJWTTokenizer creates a new JWT tokenizer. The issuer is the serving domain.
func NewJWTTokenizer(secret []byte, issuer string) *JWTTokenizer {
	return &JWTTokenizer{secret: secret, issuer: issuer}
}

// SessionToToken converts a session to a signed token
func (j *JWTTokenizer) SessionToToken(session *core.SessionToken) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   session.RivetAddress,
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			Audience:  jwt.ClaimStrings{AudienceSession},
		},
		RivetAddress:  session.RivetAddress,
		PublicKey:     session.PublicKey,
		Authenticated: session.Authenticated,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return signedToken, nil
}

// TokenToSession parses and verifies a session token
func (j *JWTTokenizer) TokenToSession(tokenStr string) (*core.SessionToken, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	},
		jwt.WithAudience(AudienceSession),
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	if !token.Valid {
		return nil, ErrInvalidSession
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || claims.RivetAddress == "" {
		return nil, ErrInvalidSession
	}

	session := &core.SessionToken{
		RivetAddress:  claims.RivetAddress,
		PublicKey:     claims.PublicKey,
		Authenticated: claims.Authenticated,
		ExpiresAt:     claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		session.IssuedAt = claims.IssuedAt.Time
	}

	return session, nil
}

var _ ports.SessionTokenizer = (*JWTTokenizer)(nil)
