package service

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProfiles struct {
	known         map[string]any
	authenticated []string
	resolveErr    error
}

func (p *stubProfiles) ResolveProfile(_ context.Context, id core.Identity) (any, error) {
	if p.resolveErr != nil {
		return nil, p.resolveErr
	}
	return p.known[id.Address], nil
}

func (p *stubProfiles) OnAuthenticated(_ context.Context, id core.Identity, _ any) error {
	p.authenticated = append(p.authenticated, id.Address)
	return errors.New("hook failures are not fatal")
}

func newKeyExchange(t *testing.T, profiles *stubProfiles) (*KeyExchangeService, eth.Signer) {
	t.Helper()
	server := newWallet(t)
	signer := eth.NewKeySigner(server.key)
	var resolver ports.ProfileResolver
	if profiles != nil {
		resolver = profiles
	}
	svc := NewKeyExchangeService(signer, newTestTokenizer(), resolver, nil, []string{"whitelist", "notabot"}, 0)
	return svc, signer
}

func signedRequest(t *testing.T, w wallet) core.KeyExchangeRequest {
	t.Helper()
	challenge, err := NewChallenge()
	require.NoError(t, err)
	msg := KeyExchangeMessage(w.address, challenge)
	sig, err := eth.SignText(w.key, []byte(msg))
	require.NoError(t, err)
	return core.KeyExchangeRequest{
		ClaimedAddress:   w.address,
		ClaimedPublicKey: hexutil.Encode(crypto.FromECDSAPub(&w.key.PublicKey)),
		Challenge:        challenge,
		Message:          msg,
		Signature:        sig,
	}
}

func TestKeyExchangeMutualAuthentication(t *testing.T) {
	svc, signer := newKeyExchange(t, nil)
	client := newWallet(t)

	hs, err := svc.Initiate(context.Background(), signedRequest(t, client))
	require.NoError(t, err)

	assert.Equal(t, signer.Address().Hex(), hs.Result.ServerAddress)
	assert.Equal(t, []string{"whitelist", "notabot"}, hs.Result.Services)
	assert.False(t, hs.Result.ClientAuthenticated)
	assert.Nil(t, hs.Result.ClientProfile)
	assert.NotEmpty(t, hs.Result.ExchangeID)
	require.NoError(t, VerifyServerResponse(hs.Result))

	session, err := newTestTokenizer().TokenToSession(hs.Token)
	require.NoError(t, err)
	assert.Equal(t, client.address, session.RivetAddress)
	assert.LessOrEqual(t, session.ExpiresAt.Sub(session.IssuedAt), MaxSessionAge)
}

func TestKeyExchangeKnownProfile(t *testing.T) {
	client := newWallet(t)
	profiles := &stubProfiles{known: map[string]any{client.address: map[string]string{"name": "alice"}}}
	svc, _ := newKeyExchange(t, profiles)

	hs, err := svc.Initiate(context.Background(), signedRequest(t, client))
	require.NoError(t, err)
	assert.True(t, hs.Result.ClientAuthenticated)
	assert.True(t, hs.Session.Authenticated)
	assert.Equal(t, []string{client.address}, profiles.authenticated)
}

func TestKeyExchangeProfileErrorIsNotFatal(t *testing.T) {
	svc, _ := newKeyExchange(t, &stubProfiles{resolveErr: errors.New("db down")})

	hs, err := svc.Initiate(context.Background(), signedRequest(t, newWallet(t)))
	require.NoError(t, err)
	assert.False(t, hs.Result.ClientAuthenticated)
}

func TestKeyExchangeRejections(t *testing.T) {
	svc, _ := newKeyExchange(t, nil)
	client := newWallet(t)
	other := newWallet(t)

	tests := []struct {
		name   string
		mutate func(*core.KeyExchangeRequest)
		want   error
	}{
		{"altered message", func(r *core.KeyExchangeRequest) { r.Message += " " }, core.ErrProtocolMismatch},
		{"short challenge", func(r *core.KeyExchangeRequest) { r.Challenge = "0x1234" }, core.ErrProtocolMismatch},
		{"bad address", func(r *core.KeyExchangeRequest) { r.ClaimedAddress = "alice" }, core.ErrProtocolMismatch},
		{"garbage signature", func(r *core.KeyExchangeRequest) { r.Signature = "0xdeadbeef" }, core.ErrSignatureInvalid},
		{"signed by someone else", func(r *core.KeyExchangeRequest) {
			sig, err := eth.SignText(other.key, []byte(r.Message))
			require.NoError(t, err)
			r.Signature = sig
		}, core.ErrIdentityMismatch},
		{"foreign public key", func(r *core.KeyExchangeRequest) {
			r.ClaimedPublicKey = hexutil.Encode(crypto.FromECDSAPub(&other.key.PublicKey))
		}, core.ErrIdentityMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t, client)
			tt.mutate(&req)
			_, err := svc.Initiate(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyServerResponseDetectsImpostor(t *testing.T) {
	svc, _ := newKeyExchange(t, nil)
	hs, err := svc.Initiate(context.Background(), signedRequest(t, newWallet(t)))
	require.NoError(t, err)

	forged := *hs.Result
	forged.ServerAddress = newWallet(t).address
	forged.ServerMessage = ""
	assert.ErrorIs(t, VerifyServerResponse(&forged), core.ErrIdentityMismatch)

	forged = *hs.Result
	forged.ServerMessage = "hello"
	assert.ErrorIs(t, VerifyServerResponse(&forged), core.ErrProtocolMismatch)
}
