package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/rivetgate/internal/metrics"
	"github.com/layer-3/rivetgate/service"
)

// Deps are the services the routes are served by
type Deps struct {
	KeyExchange *service.KeyExchangeService
	Delegation  *service.DelegationService
	Resolver    *service.AuthResolver
	Policy      *service.PolicyService
	// Notabot is optional; its routes are skipped when nil
	Notabot *service.NotabotService
	TLS     bool
}

// Register mounts every rivetgate route on r
func Register(r gin.IRouter, deps Deps) {
	handlers := NewHandlers(deps)
	auth := RequireAuth(deps.Resolver)

	r.GET("/healthz", handlers.Health)
	r.POST("/connect", handlers.Connect)
	r.POST("/logout", handlers.Logout)
	r.POST("/rivet/verify", handlers.VerifyRivet)

	// Protected routes
	protected := r.Group("/")
	protected.Use(RivetAssertion(deps.Delegation, deps.Policy.Domain()), auth)

	whitelist := protected.Group("/whitelist")
	{
		whitelist.GET("/check", handlers.Check)
		whitelist.GET("/is-admin", handlers.IsAdmin)
		whitelist.GET("/members", handlers.Members)
		whitelist.POST("/add", handlers.AddMember)
		whitelist.POST("/remove", handlers.RemoveMember)
		whitelist.POST("/request-access", handlers.RequestAccess)
		whitelist.GET("/pending-requests", handlers.PendingRequests)
		whitelist.POST("/handle-request", handlers.HandleRequest)
	}

	if deps.Notabot != nil {
		r.GET("/notabot/score/:address", handlers.NotabotScore)

		notabot := protected.Group("/notabot")
		{
			notabot.POST("/commit", handlers.NotabotCommit)
			notabot.POST("/submit", handlers.NotabotSubmit)
		}
	}
}

// SetupRouter sets up a standalone Gin engine with logging, recovery and /metrics
func SetupRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	Register(router, deps)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}
