// Package rivetgate is wallet based trust middleware for gin applications: a mutual
// key exchange, delegated device keys, named list access control and an
// anti-automation funding guard, all backed by an external ledger.
package rivetgate

import (
	"crypto/ecdsa"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/rivetgate/adapters/events"
	"github.com/layer-3/rivetgate/adapters/store"
	"github.com/layer-3/rivetgate/adapters/tokenizer"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/ports"
	"github.com/layer-3/rivetgate/service"
	rivethttp "github.com/layer-3/rivetgate/transport/http"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// NotabotOptions enable the anti-automation guard
type NotabotOptions struct {
	// FundingAmount is granted per successful check, in ether
	FundingAmount     decimal.Decimal
	Cooldown          time.Duration
	MaxFundingsPerDay float64
	TipMultiplier     int64
}

// Options configure a Service
type Options struct {
	// Domain is the exact serving hostname
	Domain        string
	TLS           bool
	ServerKey     *ecdsa.PrivateKey
	SessionSecret []byte
	SessionTTL    time.Duration
	// BearerMaxAge of 0 accepts bot assertions of any age
	BearerMaxAge time.Duration
	Services     []string

	Ledger ports.Ledger
	// Store defaults to a process-local memory store
	Store ports.Store
	// Publisher receives domain events; nil drops them
	Publisher   message.Publisher
	TopicPrefix string
	Profiles    ports.ProfileResolver

	LedgerTimeout  time.Duration
	ReceiptTimeout time.Duration

	// Notabot is nil to disable the guard
	Notabot *NotabotOptions
}

// Service is an assembled rivetgate ready to be mounted on a router
type Service struct {
	deps rivethttp.Deps
}

// New wires every component from opts
func New(opts Options) (*Service, error) {
	if opts.Domain == "" {
		return nil, errors.New("domain is required")
	}
	if opts.ServerKey == nil {
		return nil, errors.New("server key is required")
	}
	if len(opts.SessionSecret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}

	kv := opts.Store
	if kv == nil {
		log.Warn().Msg("running on the in-memory store: funding cooldowns and pending requests are per instance, do not run more than one instance")
		kv = store.NewMemoryStore()
	}

	var publisher ports.EventPublisher = events.NopPublisher{}
	if opts.Publisher != nil {
		publisher = events.NewWatermillPublisher(opts.Publisher, opts.TopicPrefix)
	}

	signer := eth.NewKeySigner(opts.ServerKey)
	sessions := tokenizer.NewJWTTokenizer(opts.SessionSecret, opts.Domain)

	deps := rivethttp.Deps{
		KeyExchange: service.NewKeyExchangeService(signer, sessions, opts.Profiles, publisher, opts.Services, opts.SessionTTL),
		Delegation:  service.NewDelegationService(),
		Resolver:    service.NewAuthResolver(sessions, opts.BearerMaxAge),
		Policy:      service.NewPolicyService(opts.Ledger, kv, publisher, opts.Domain, opts.LedgerTimeout).WithReceiptTimeout(opts.ReceiptTimeout),
		TLS:         opts.TLS,
	}
	if n := opts.Notabot; n != nil {
		deps.Notabot = service.NewNotabotService(opts.Ledger, kv, signer, publisher, service.NotabotConfig{
			FundingAmount:     n.FundingAmount,
			Cooldown:          n.Cooldown,
			MaxFundingsPerDay: n.MaxFundingsPerDay,
			TipMultiplier:     n.TipMultiplier,
			LedgerTimeout:     opts.LedgerTimeout,
			ReceiptTimeout:    opts.ReceiptTimeout,
		})
	}
	if deps.Policy.DevMode() {
		log.Warn().Str("domain", opts.Domain).Msg("loopback domain: every list membership check passes")
	}

	log.Info().
		Str("domain", opts.Domain).
		Str("server", signer.Address().Hex()).
		Bool("notabot", deps.Notabot != nil).
		Msg("rivetgate ready")

	return &Service{deps: deps}, nil
}

// Mount registers every rivetgate route on a host router
func (s *Service) Mount(r gin.IRouter) {
	rivethttp.Register(r, s.deps)
}

// Handler returns a standalone engine serving the routes plus /metrics
func (s *Service) Handler() *gin.Engine {
	return rivethttp.SetupRouter(s.deps)
}

// Authenticate returns middleware that resolves the caller for host routes.
// Use Caller inside the handlers to read the result.
func (s *Service) Authenticate() gin.HandlersChain {
	return gin.HandlersChain{
		rivethttp.RivetAssertion(s.deps.Delegation, s.deps.Policy.Domain()),
		rivethttp.RequireAuth(s.deps.Resolver),
	}
}

// RequireList returns middleware that only lets members of list through.
// It must run after Authenticate.
func (s *Service) RequireList(list string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := rivethttp.Identity(c)
		if !ok {
			c.AbortWithStatusJSON(rivethttp.StatusFor(core.KindUnauthenticated), gin.H{"error": core.KindUnauthenticated})
			return
		}
		allowed, err := s.deps.Policy.IsMember(c.Request.Context(), caller.Address, list)
		if err != nil {
			kind := core.KindOf(err)
			c.AbortWithStatusJSON(rivethttp.StatusFor(kind), gin.H{"error": kind})
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(rivethttp.StatusFor(core.KindForbidden), gin.H{"error": core.KindForbidden, "message": "address is not on the list"})
			return
		}
		c.Next()
	}
}

// Caller returns the identity Authenticate attached to the request
func Caller(c *gin.Context) (*core.AuthenticatedContext, bool) {
	return rivethttp.Identity(c)
}

// Policy exposes the access policy engine for host side checks
func (s *Service) Policy() *service.PolicyService {
	return s.deps.Policy
}
