package service

import (
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/rivetgate/adapters/ledger"
	"github.com/layer-3/rivetgate/adapters/store"
	"github.com/layer-3/rivetgate/adapters/tokenizer"
	"github.com/stretchr/testify/require"
)

var notabotContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

// fakeClock is a settable time source shared by services under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTokenizer() *tokenizer.JWTTokenizer {
	return tokenizer.NewJWTTokenizer([]byte("0123456789abcdef0123456789abcdef"), "example.com")
}

func newTestLedger(sponsor string) *ledger.MemoryLedger {
	return ledger.NewMemoryLedger(1337, sponsor, notabotContract)
}

func newTestStore(clock *fakeClock) *store.MemoryStore {
	return store.NewMemoryStore().WithClock(clock.Now)
}
