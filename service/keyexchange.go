package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/internal/metrics"
	"github.com/layer-3/rivetgate/ports"
	"github.com/rs/zerolog/log"
)

// MaxSessionAge caps the lifetime of an issued session token
const MaxSessionAge = 24 * time.Hour

const challengeBytes = 32

// KeyExchangeMessage is the template both sides sign. It binds the signer's
// address to a challenge so a signature cannot be replayed for another challenge.
func KeyExchangeMessage(address, challenge string) string {
	return fmt.Sprintf("rivetgate key exchange\nAddress: %s\nChallenge: %s", address, challenge)
}

// NewChallenge returns a fresh random 32 byte challenge, hex encoded
func NewChallenge() (string, error) {
	b := make([]byte, challengeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return "0x" + hex.EncodeToString(b), nil
}

func validChallenge(c string) bool {
	h := strings.TrimPrefix(c, "0x")
	if len(h) != challengeBytes*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// Handshake is everything the transport needs to answer a key exchange
type Handshake struct {
	Result  *core.KeyExchangeResult
	Session *core.SessionToken
	Token   string
}

// KeyExchangeService runs the mutual challenge-response handshake
type KeyExchangeService struct {
	signer     eth.Signer
	tokenizer  ports.SessionTokenizer
	profiles   ports.ProfileResolver
	events     ports.EventPublisher
	services   []string
	sessionTTL time.Duration
	now        func() time.Time
}

// NewKeyExchangeService creates the handshake service. profiles may be nil.
func NewKeyExchangeService(
	signer eth.Signer,
	tokenizer ports.SessionTokenizer,
	profiles ports.ProfileResolver,
	events ports.EventPublisher,
	services []string,
	sessionTTL time.Duration,
) *KeyExchangeService {
	if sessionTTL <= 0 || sessionTTL > MaxSessionAge {
		sessionTTL = MaxSessionAge
	}
	return &KeyExchangeService{
		signer:     signer,
		tokenizer:  tokenizer,
		profiles:   profiles,
		events:     events,
		services:   services,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// SessionTTL is the max age the session cookie is issued with
func (s *KeyExchangeService) SessionTTL() time.Duration {
	return s.sessionTTL
}

// Initiate verifies the client's proof of ownership and answers with the server's own proof
func (s *KeyExchangeService) Initiate(ctx context.Context, req core.KeyExchangeRequest) (*Handshake, error) {
	if !eth.IsAddress(req.ClaimedAddress) || !validChallenge(req.Challenge) {
		metrics.Handshake("protocol_mismatch")
		return nil, core.ErrProtocolMismatch
	}
	if req.Message != KeyExchangeMessage(req.ClaimedAddress, req.Challenge) {
		metrics.Handshake("protocol_mismatch")
		return nil, core.ErrProtocolMismatch
	}

	identity, err := eth.RecoverText([]byte(req.Message), req.Signature)
	if err != nil {
		metrics.Handshake("signature_invalid")
		return nil, core.ErrSignatureInvalid
	}
	if !core.SameAddress(identity.Address, req.ClaimedAddress) {
		metrics.Handshake("identity_mismatch")
		return nil, core.ErrIdentityMismatch
	}
	if req.ClaimedPublicKey != "" {
		keyAddr, err := eth.AddressFromPublicKey(req.ClaimedPublicKey)
		if err != nil || !core.SameAddress(keyAddr, identity.Address) {
			metrics.Handshake("identity_mismatch")
			return nil, core.ErrIdentityMismatch
		}
	}

	serverChallenge, err := NewChallenge()
	if err != nil {
		return nil, err
	}
	serverAddress := s.signer.Address().Hex()
	serverMessage := KeyExchangeMessage(serverAddress, serverChallenge)
	serverSignature, err := s.signer.SignText([]byte(serverMessage))
	if err != nil {
		return nil, fmt.Errorf("failed to sign server message: %w", err)
	}

	profile := s.resolveProfile(ctx, identity)
	authenticated := profile != nil
	if authenticated {
		if err := s.profiles.OnAuthenticated(ctx, identity, profile); err != nil {
			log.Warn().Err(err).Str("address", identity.Address).Msg("onAuthenticated hook failed")
		}
	}

	now := s.now()
	session := &core.SessionToken{
		RivetAddress:  identity.Address,
		PublicKey:     identity.PublicKey,
		Authenticated: authenticated,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.sessionTTL),
	}
	token, err := s.tokenizer.SessionToToken(session)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}

	result := &core.KeyExchangeResult{
		ExchangeID:          uuid.NewString(),
		ServerAddress:       serverAddress,
		Services:            append([]string(nil), s.services...),
		ServerChallenge:     serverChallenge,
		ServerMessage:       serverMessage,
		ServerSignature:     serverSignature,
		ClientAuthenticated: authenticated,
		ClientProfile:       profile,
	}

	metrics.Handshake("ok")
	log.Debug().
		Str("address", identity.Address).
		Bool("authenticated", authenticated).
		Str("exchange_id", result.ExchangeID).
		Msg("key exchange completed")

	publish(ctx, s.events, ports.TopicConnected, identity.Address, map[string]any{
		"address":       identity.Address,
		"authenticated": authenticated,
		"exchangeId":    result.ExchangeID,
	})

	return &Handshake{Result: result, Session: session, Token: token}, nil
}

func (s *KeyExchangeService) resolveProfile(ctx context.Context, identity core.Identity) any {
	if s.profiles == nil {
		return nil
	}
	profile, err := s.profiles.ResolveProfile(ctx, identity)
	if err != nil {
		log.Warn().Err(err).Str("address", identity.Address).Msg("profile resolution failed")
		return nil
	}
	return profile
}

// VerifyServerResponse is the client half of the mutual check: the server's
// signature must cover the templated message for its own address and challenge.
func VerifyServerResponse(result *core.KeyExchangeResult) error {
	if result == nil || !eth.IsAddress(result.ServerAddress) || !validChallenge(result.ServerChallenge) {
		return core.ErrProtocolMismatch
	}
	msg := KeyExchangeMessage(result.ServerAddress, result.ServerChallenge)
	if result.ServerMessage != "" && result.ServerMessage != msg {
		return core.ErrProtocolMismatch
	}
	if !eth.VerifyText([]byte(msg), result.ServerSignature, result.ServerAddress) {
		return core.ErrIdentityMismatch
	}
	return nil
}
