package rivetgate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/rivetgate/adapters/ledger"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/ports"
	"github.com/layer-3/rivetgate/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesOptions(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l := ledger.NewMemoryLedger(1337, "", common.Address{})

	_, err = New(Options{ServerKey: key, SessionSecret: make([]byte, 32), Ledger: l})
	assert.ErrorContains(t, err, "domain")
	_, err = New(Options{Domain: "example.com", SessionSecret: make([]byte, 32), Ledger: l})
	assert.ErrorContains(t, err, "server key")
	_, err = New(Options{Domain: "example.com", ServerKey: key, SessionSecret: []byte("short"), Ledger: l})
	assert.ErrorContains(t, err, "session secret")
	_, err = New(Options{Domain: "example.com", ServerKey: key, SessionSecret: make([]byte, 32)})
	assert.ErrorContains(t, err, "ledger")
}

func TestHostRoutesGuardedByList(t *testing.T) {
	gin.SetMode(gin.TestMode)

	serverKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	adminKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	admin := crypto.PubkeyToAddress(adminKey.PublicKey).Hex()

	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer pubsub.Close()
	changes, err := pubsub.Subscribe(context.Background(), "test."+ports.TopicMemberChanged)
	require.NoError(t, err)

	gate, err := New(Options{
		Domain:        "example.com",
		ServerKey:     serverKey,
		SessionSecret: []byte("0123456789abcdef0123456789abcdef"),
		BearerMaxAge:  service.DefaultBearerMaxAge,
		Ledger:        ledger.NewMemoryLedger(1337, admin, common.Address{}),
		Publisher:     pubsub,
		TopicPrefix:   "test.",
	})
	require.NoError(t, err)

	router := gin.New()
	gate.Mount(router)
	handlers := append(gate.Authenticate(), gate.RequireList("example.com::beta"), func(c *gin.Context) {
		caller, _ := Caller(c)
		c.JSON(http.StatusOK, gin.H{"hello": caller.Address})
	})
	router.GET("/app/beta", handlers...)

	botKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	bot := crypto.PubkeyToAddress(botKey.PublicKey).Hex()

	get := func() *httptest.ResponseRecorder {
		msg := fmt.Sprintf("GET /app/beta\nTimestamp: %d", time.Now().Unix())
		sig, err := eth.SignText(botKey, []byte(msg))
		require.NoError(t, err)
		header, err := service.EncodeBearer(core.BearerAssertion{Address: bot, Signature: sig, Message: msg})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/app/beta", nil)
		req.Header.Set("Authorization", service.BearerScheme+header)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusForbidden, get().Code)

	err = gate.Policy().AddMember(context.Background(), admin, "example.com::beta", bot, core.RoleRead, "bot", nil)
	require.NoError(t, err)

	select {
	case msg := <-changes:
		assert.Equal(t, bot, msg.Metadata.Get("key"))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("member change was not published")
	}

	w := get()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), bot)

	req := httptest.NewRequest(http.MethodGet, "/app/beta", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
