package http

import (
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/service"
)

// Handlers contains HTTP handlers for every rivetgate endpoint
type Handlers struct {
	keyExchange *service.KeyExchangeService
	delegation  *service.DelegationService
	policy      *service.PolicyService
	notabot     *service.NotabotService
	secure      bool
}

// NewHandlers creates the handlers. notabot may be nil when the guard is disabled.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		keyExchange: deps.KeyExchange,
		delegation:  deps.Delegation,
		policy:      deps.Policy,
		notabot:     deps.Notabot,
		secure:      deps.TLS,
	}
}

// Connect runs the key exchange and sets the session cookie
func (h *Handlers) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalid(c, "invalid request")
		return
	}

	hs, err := h.keyExchange.Initiate(c.Request.Context(), core.KeyExchangeRequest{
		ClaimedAddress:   req.Address,
		ClaimedPublicKey: req.PublicKey,
		Challenge:        req.Challenge,
		Message:          req.Message,
		Signature:        req.Signature,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	h.setSessionCookie(c, hs.Token, int(h.keyExchange.SessionTTL().Seconds()))
	c.JSON(http.StatusOK, hs.Result)
}

// Logout drops the session cookie. Tokens are stateless, so there is nothing to revoke.
func (h *Handlers) Logout(c *gin.Context) {
	h.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// setSessionCookie writes a host-only cookie: without a Domain attribute
// browsers never send it to subdomains
func (h *Handlers) setSessionCookie(c *gin.Context, value string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secure || c.Request.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

// Check answers whether the caller is on a list
func (h *Handlers) Check(c *gin.Context) {
	caller, _ := Identity(c)
	list := c.Query("list")
	if list == "" {
		abortInvalid(c, "list is required")
		return
	}

	decision, err := h.policy.Check(c.Request.Context(), caller.Address, list)
	if err != nil {
		abortWithError(c, err)
		return
	}

	body := gin.H{
		"allowed":  decision.Allowed,
		"address":  decision.Address,
		"listName": decision.ListName,
	}
	if decision.DevMode {
		body["devMode"] = true
	}
	if decision.Reason != "" {
		body["reason"] = decision.Reason
	}
	c.JSON(http.StatusOK, body)
}

// IsAdmin reports whether the caller administers the serving domain
func (h *Handlers) IsAdmin(c *gin.Context) {
	caller, _ := Identity(c)
	admin, err := h.policy.IsAdmin(c.Request.Context(), caller.Address)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": caller.Address, "isAdmin": admin})
}

// Members lists a named list
func (h *Handlers) Members(c *gin.Context) {
	caller, _ := Identity(c)
	list := c.Query("list")
	if list == "" {
		abortInvalid(c, "list is required")
		return
	}

	members, err := h.policy.Members(c.Request.Context(), caller.Address, list)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if members == nil {
		members = []core.ListMembership{}
	}
	c.JSON(http.StatusOK, gin.H{"listName": list, "members": members})
}

// AddMember grants a role on a list
func (h *Handlers) AddMember(c *gin.Context) {
	caller, _ := Identity(c)
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalid(c, "invalid request")
		return
	}

	role := core.RoleRead
	if req.Role != "" {
		parsed, err := core.ParseRole(req.Role)
		if err != nil {
			abortWithError(c, err)
			return
		}
		role = parsed
	}

	err := h.policy.AddMember(c.Request.Context(), caller.Address, req.List, req.Address, role, req.DisplayName, req.Metadata)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "address": req.Address, "listName": req.List, "role": role.String()})
}

// RemoveMember drops an address from a list
func (h *Handlers) RemoveMember(c *gin.Context) {
	caller, _ := Identity(c)
	var req removeMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalid(c, "invalid request")
		return
	}

	if err := h.policy.RemoveMember(c.Request.Context(), caller.Address, req.List, req.Address); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "address": req.Address, "listName": req.List})
}

// RequestAccess queues the caller for a list
func (h *Handlers) RequestAccess(c *gin.Context) {
	caller, _ := Identity(c)
	var req requestAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalid(c, "invalid request")
		return
	}

	request, already, err := h.policy.RequestAccess(c.Request.Context(), caller.Address, req.List, req.Label, req.Justification)
	if err != nil {
		abortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if already {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"request": request, "alreadyRequested": already})
}

// PendingRequests lists the requests waiting for an admin
func (h *Handlers) PendingRequests(c *gin.Context) {
	caller, _ := Identity(c)
	pending, err := h.policy.PendingRequests(c.Request.Context(), caller.Address)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": pending})
}

// HandleRequest approves or denies a pending request
func (h *Handlers) HandleRequest(c *gin.Context) {
	caller, _ := Identity(c)
	var req handleRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalid(c, "invalid request")
		return
	}

	var role *core.Role
	if req.Role != "" {
		parsed, err := core.ParseRole(req.Role)
		if err != nil {
			abortWithError(c, err)
			return
		}
		role = &parsed
	}

	handled, err := h.policy.HandleRequest(c.Request.Context(), caller.Address, req.Address, req.List, *req.Approved, role)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": handled})
}

// VerifyRivet checks a delegated assertion without acting on it
func (h *Handlers) VerifyRivet(c *gin.Context) {
	var assertion core.RivetSignedAssertion
	if err := c.ShouldBindJSON(&assertion); err != nil {
		abortInvalid(c, "invalid request")
		return
	}

	verdict, err := h.delegation.Verify(assertion, h.policy.Domain())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "walletAddress": verdict.WalletAddress, "permissions": verdict.Permissions, "expiresAt": verdict.ExpiresAt})
}

// NotabotCommit runs the guard, funds the caller and returns the commit to sign
func (h *Handlers) NotabotCommit(c *gin.Context) {
	caller, _ := Identity(c)
	var req notabotCommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalid(c, "invalid request")
		return
	}

	points, ok := new(big.Int).SetString(req.Commitment.TotalPoints, 10)
	if !ok {
		abortInvalid(c, "totalPoints must be a base 10 integer")
		return
	}

	prep, err := h.notabot.Commit(c.Request.Context(), caller.Address, core.NotabotCommitment{
		TotalPoints: points,
		ChainHead:   req.Commitment.ChainHead,
		EventCount:  req.Commitment.EventCount,
	}, req.Events)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, prep)
}

// NotabotSubmit broadcasts the commit transaction the rivet signed
func (h *Handlers) NotabotSubmit(c *gin.Context) {
	caller, _ := Identity(c)
	var req notabotSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalid(c, "invalid request")
		return
	}

	receipt, err := h.notabot.Submit(c.Request.Context(), caller.Address, req.SignedTransaction)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// NotabotScore returns the committed score of an address
func (h *Handlers) NotabotScore(c *gin.Context) {
	score, err := h.notabot.Score(c.Request.Context(), c.Param("address"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":     c.Param("address"),
		"totalPoints": score.TotalPoints.String(),
		"chainHead":   score.ChainHead,
		"eventCount":  score.EventCount,
		"lastUpdate":  score.LastUpdate,
		"advisory":    true,
	})
}

// Health is the liveness probe
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "devMode": h.policy.DevMode()})
}
