package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/layer-3/rivetgate/core"
	"github.com/layer-3/rivetgate/internal/eth"
	"github.com/layer-3/rivetgate/internal/metrics"
	"github.com/layer-3/rivetgate/ports"
	"github.com/rs/zerolog/log"
)

const (
	pendingQueueKey  = "access:pending"
	maxListName      = 256
	maxLabel         = 128
	maxJustification = 2048
	maxSwapAttempts  = 16
)

// ErrQueueContention is returned when the pending queue keeps changing under us
var ErrQueueContention = errors.New("pending queue contention")

// IsLoopbackHost reports whether host is one of the canonical loopback literals.
// The comparison is exact: "localhost.example.com" or "127.0.0.1.nip.io" do not match.
func IsLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}

// PolicyService is the named list access-control engine for one serving domain.
// List mutations are not locked here; concurrent admin writes are only as
// consistent as the ledger makes them.
type PolicyService struct {
	ledger         ports.Ledger
	store          ports.Store
	events         ports.EventPublisher
	domain         string
	ledgerTimeout  time.Duration
	receiptTimeout time.Duration
	now            func() time.Time
}

// NewPolicyService creates the policy engine for domain
func NewPolicyService(ledger ports.Ledger, store ports.Store, events ports.EventPublisher, domain string, ledgerTimeout time.Duration) *PolicyService {
	return &PolicyService{
		ledger:         ledger,
		store:          store,
		events:         events,
		domain:         domain,
		ledgerTimeout:  ledgerTimeout,
		receiptTimeout: DefaultReceiptTimeout,
		now:            time.Now,
	}
}

// WithReceiptTimeout bounds list mutations, which wait for the transaction to be mined
func (s *PolicyService) WithReceiptTimeout(d time.Duration) *PolicyService {
	if d > 0 {
		s.receiptTimeout = d
	}
	return s
}

// WithClock overrides the time source
func (s *PolicyService) WithClock(now func() time.Time) *PolicyService {
	s.now = now
	return s
}

// Domain is the serving hostname the engine was built for
func (s *PolicyService) Domain() string {
	return s.domain
}

// DevMode reports whether the loopback bypass is active
func (s *PolicyService) DevMode() bool {
	return IsLoopbackHost(s.domain)
}

// IsMember reports whether address holds any role on list
func (s *PolicyService) IsMember(ctx context.Context, address, list string) (bool, error) {
	if err := validateListName(list); err != nil {
		return false, err
	}
	if !eth.IsAddress(address) {
		return false, core.NewError(core.KindInvalidInput, "malformed address", nil)
	}
	if s.DevMode() {
		return true, nil
	}

	members, err := s.members(ctx, list)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if core.SameAddress(m.Address, address) && m.Role > core.RoleNone {
			return true, nil
		}
	}
	return false, nil
}

// Check is IsMember shaped as a decision for the caller
func (s *PolicyService) Check(ctx context.Context, address, list string) (*core.AccessDecision, error) {
	allowed, err := s.IsMember(ctx, address, list)
	if err != nil {
		return nil, err
	}

	decision := &core.AccessDecision{
		Allowed:  allowed,
		Address:  address,
		ListName: list,
		DevMode:  s.DevMode(),
	}
	switch {
	case decision.DevMode:
		metrics.PolicyDecision("dev")
	case allowed:
		metrics.PolicyDecision("allowed")
	default:
		metrics.PolicyDecision("denied")
		decision.Reason = "address is not on the list"
	}
	return decision, nil
}

// IsAdmin grants admin to members of "<domain>::admin" and to the ledger sponsor.
// The sponsor fallback keeps a freshly deployed domain from being locked out.
func (s *PolicyService) IsAdmin(ctx context.Context, address string) (bool, error) {
	member, err := s.IsMember(ctx, address, core.AdminList(s.domain))
	if err != nil {
		return false, err
	}
	if member {
		return true, nil
	}

	sponsor, err := ledgerCall(ctx, s.ledgerTimeout, "getSponsor", s.ledger.GetSponsor)
	if err != nil {
		return false, err
	}
	return core.SameAddress(sponsor, address), nil
}

// Members lists a named list for an admin
func (s *PolicyService) Members(ctx context.Context, actor, list string) ([]core.ListMembership, error) {
	if err := validateListName(list); err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return s.members(ctx, list)
}

// AddMember grants role on list to address. Only admins may call it.
func (s *PolicyService) AddMember(ctx context.Context, actor, list, address string, role core.Role, displayName string, metadata map[string]any) error {
	if err := validateListName(list); err != nil {
		return err
	}
	if !eth.IsAddress(address) {
		return core.NewError(core.KindInvalidInput, "malformed address", nil)
	}
	if !role.Valid() || role == core.RoleNone {
		return core.NewError(core.KindInvalidInput, "invalid role", nil)
	}
	if err := s.requireAdmin(ctx, actor); err != nil {
		return err
	}

	return s.mutate(ctx, actor, list, core.MembershipOp{
		Kind:        core.MembershipAdd,
		Address:     address,
		DisplayName: displayName,
		Role:        role,
		Metadata:    metadata,
	})
}

// RemoveMember drops address from list. Only admins may call it.
func (s *PolicyService) RemoveMember(ctx context.Context, actor, list, address string) error {
	if err := validateListName(list); err != nil {
		return err
	}
	if !eth.IsAddress(address) {
		return core.NewError(core.KindInvalidInput, "malformed address", nil)
	}
	if err := s.requireAdmin(ctx, actor); err != nil {
		return err
	}

	return s.mutate(ctx, actor, list, core.MembershipOp{
		Kind:    core.MembershipRemove,
		Address: address,
	})
}

// RequestAccess queues a pending request. A second identical request while the
// first is pending returns the existing one with alreadyRequested set.
func (s *PolicyService) RequestAccess(ctx context.Context, address, list, label, justification string) (*core.AccessRequest, bool, error) {
	if err := validateListName(list); err != nil {
		return nil, false, err
	}
	if !eth.IsAddress(address) {
		return nil, false, core.NewError(core.KindInvalidInput, "malformed address", nil)
	}
	if len(label) > maxLabel || len(justification) > maxJustification {
		return nil, false, core.NewError(core.KindInvalidInput, "label or justification too long", nil)
	}

	var (
		result  core.AccessRequest
		already bool
	)
	err := s.updateQueue(ctx, func(queue []core.AccessRequest) ([]core.AccessRequest, bool, error) {
		if idx := findPending(queue, address, list); idx >= 0 {
			result, already = queue[idx], true
			return nil, false, nil
		}
		result = core.AccessRequest{
			ID:             uuid.NewString(),
			Address:        address,
			ListName:       list,
			RequesterLabel: label,
			Justification:  justification,
			SubmittedAt:    s.now().UTC(),
			Status:         core.RequestPending,
		}
		already = false
		return append(queue, result), true, nil
	})
	if err != nil {
		return nil, false, err
	}

	if !already {
		log.Info().Str("address", address).Str("list", list).Msg("access requested")
		publish(ctx, s.events, ports.TopicAccessRequest, address, result)
	}
	return &result, already, nil
}

// PendingRequests lists pending requests for an admin
func (s *PolicyService) PendingRequests(ctx context.Context, actor string) ([]core.AccessRequest, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	queue, _, err := s.loadQueue(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]core.AccessRequest, 0, len(queue))
	for _, r := range queue {
		if r.Status == core.RequestPending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// HandleRequest approves or denies the pending request for (address, list).
// Approval adds the member first; the request leaves the queue only after the
// ledger write succeeded. Exactly the matched entry is removed.
func (s *PolicyService) HandleRequest(ctx context.Context, actor, address, list string, approved bool, role *core.Role) (*core.AccessRequest, error) {
	if err := validateListName(list); err != nil {
		return nil, err
	}
	if !eth.IsAddress(address) {
		return nil, core.NewError(core.KindInvalidInput, "malformed address", nil)
	}
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}

	queue, _, err := s.loadQueue(ctx)
	if err != nil {
		return nil, err
	}
	idx := findPending(queue, address, list)
	if idx < 0 {
		return nil, core.NewError(core.KindNotFound, "no pending request for this address and list", nil)
	}
	request := queue[idx]

	if approved {
		grant := core.RoleEdit
		if role != nil {
			grant = *role
		}
		if !grant.Valid() || grant == core.RoleNone {
			return nil, core.NewError(core.KindInvalidInput, "invalid role", nil)
		}
		err := s.mutate(ctx, actor, list, core.MembershipOp{
			Kind:        core.MembershipAdd,
			Address:     request.Address,
			DisplayName: request.RequesterLabel,
			Role:        grant,
			Metadata: map[string]any{
				"approvedBy":  actor,
				"requestedAt": request.SubmittedAt.Format(time.RFC3339),
				"approvedAt":  s.now().UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			return nil, err
		}
		request.Status = core.RequestApproved
	} else {
		request.Status = core.RequestDenied
	}

	err = s.updateQueue(ctx, func(queue []core.AccessRequest) ([]core.AccessRequest, bool, error) {
		kept := make([]core.AccessRequest, 0, len(queue))
		for _, r := range queue {
			if r.ID != request.ID {
				kept = append(kept, r)
			}
		}
		return kept, len(kept) != len(queue), nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("actor", actor).
		Str("address", request.Address).
		Str("list", list).
		Str("status", string(request.Status)).
		Msg("access request handled")
	publish(ctx, s.events, ports.TopicAccessHandled, request.Address, map[string]any{
		"request":   request,
		"handledBy": actor,
	})

	return &request, nil
}

func (s *PolicyService) requireAdmin(ctx context.Context, actor string) error {
	if !eth.IsAddress(actor) {
		return core.ErrUnauthenticated
	}
	admin, err := s.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !admin {
		log.Warn().Str("actor", actor).Msg("admin action refused")
		return core.ErrForbidden
	}
	return nil
}

func (s *PolicyService) members(ctx context.Context, list string) ([]core.ListMembership, error) {
	return ledgerCall(ctx, s.ledgerTimeout, "getMembership", func(ctx context.Context) ([]core.ListMembership, error) {
		return s.ledger.GetMembership(ctx, list)
	})
}

func (s *PolicyService) mutate(ctx context.Context, actor, list string, op core.MembershipOp) error {
	receipt, err := ledgerCall(ctx, s.receiptTimeout, "mutateMembership", func(ctx context.Context) (*core.TxReceipt, error) {
		return s.ledger.MutateMembership(ctx, list, op)
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("actor", actor).
		Str("list", list).
		Str("op", string(op.Kind)).
		Str("address", op.Address).
		Str("tx", receipt.TxHash).
		Msg("membership changed")
	publish(ctx, s.events, ports.TopicMemberChanged, op.Address, map[string]any{
		"list":    list,
		"op":      op.Kind,
		"address": op.Address,
		"role":    op.Role.String(),
		"actor":   actor,
		"tx":      receipt.TxHash,
	})
	return nil
}

func (s *PolicyService) loadQueue(ctx context.Context) ([]core.AccessRequest, string, error) {
	raw, err := ledgerCall(ctx, s.ledgerTimeout, "store.get", func(ctx context.Context) (string, error) {
		v, err := s.store.Get(ctx, pendingQueueKey)
		if errors.Is(err, ports.ErrKeyNotFound) {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		return nil, "", err
	}
	if raw == "" {
		return nil, "", nil
	}
	var queue []core.AccessRequest
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, "", fmt.Errorf("corrupt pending queue: %w", err)
	}
	return queue, raw, nil
}

// updateQueue applies fn with compare-and-swap, retrying when another writer got
// in first. fn is re-run on every attempt against the fresh queue.
func (s *PolicyService) updateQueue(ctx context.Context, fn func([]core.AccessRequest) ([]core.AccessRequest, bool, error)) error {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		queue, raw, err := s.loadQueue(ctx)
		if err != nil {
			return err
		}
		next, changed, err := fn(queue)
		if err != nil || !changed {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}

		swapped, err := ledgerCall(ctx, s.ledgerTimeout, "store.cas", func(ctx context.Context) (bool, error) {
			return s.store.CompareAndSwap(ctx, pendingQueueKey, raw, string(encoded), 0)
		})
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return core.Upstream("pending queue", ErrQueueContention)
}

func findPending(queue []core.AccessRequest, address, list string) int {
	for i, r := range queue {
		if r.Status == core.RequestPending && r.Matches(address, list) {
			return i
		}
	}
	return -1
}

func validateListName(list string) error {
	if strings.TrimSpace(list) == "" || len(list) > maxListName {
		return core.NewError(core.KindInvalidInput, "invalid list name", nil)
	}
	for _, r := range list {
		if unicode.IsControl(r) {
			return core.NewError(core.KindInvalidInput, "invalid list name", nil)
		}
	}
	return nil
}
