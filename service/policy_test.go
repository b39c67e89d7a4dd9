package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/layer-3/rivetgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPolicy(t *testing.T, domain string) (*PolicyService, wallet, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	sponsor := newWallet(t)
	svc := NewPolicyService(newTestLedger(sponsor.address), newTestStore(clock), nil, domain, time.Second).WithClock(clock.Now)
	return svc, sponsor, clock
}

func TestLoopbackBypass(t *testing.T) {
	ctx := context.Background()
	stranger := newWallet(t)

	for _, domain := range []string{"localhost", "127.0.0.1"} {
		svc, _, _ := newPolicy(t, domain)
		decision, err := svc.Check(ctx, stranger.address, "beta")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, domain)
		assert.True(t, decision.DevMode, domain)
	}

	for _, domain := range []string{"localhost.example.com", "127.0.0.1.nip.io", "example.com"} {
		svc, _, _ := newPolicy(t, domain)
		decision, err := svc.Check(ctx, stranger.address, "beta")
		require.NoError(t, err)
		assert.False(t, decision.Allowed, domain)
		assert.False(t, decision.DevMode, domain)
	}
}

func TestIsMemberInputValidation(t *testing.T) {
	svc, _, _ := newPolicy(t, "example.com")
	ctx := context.Background()

	_, err := svc.IsMember(ctx, "0x123", "beta")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = svc.IsMember(ctx, newWallet(t).address, "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = svc.IsMember(ctx, newWallet(t).address, "bad\x00list")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestAdminResolution(t *testing.T) {
	svc, sponsor, _ := newPolicy(t, "example.com")
	ctx := context.Background()
	admin, stranger := newWallet(t), newWallet(t)

	ok, err := svc.IsAdmin(ctx, sponsor.address)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.AddMember(ctx, sponsor.address, core.AdminList("example.com"), admin.address, core.RoleAdmin, "ops", nil))
	ok, err = svc.IsAdmin(ctx, admin.address)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsAdmin(ctx, stranger.address)
	require.NoError(t, err)
	assert.False(t, ok)

	err = svc.AddMember(ctx, stranger.address, "beta", stranger.address, core.RoleEdit, "", nil)
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestMemberManagement(t *testing.T) {
	svc, sponsor, _ := newPolicy(t, "example.com")
	ctx := context.Background()
	member := newWallet(t)

	require.NoError(t, svc.AddMember(ctx, sponsor.address, "beta", member.address, core.RoleRead, "carol", map[string]any{"team": "qa"}))
	ok, err := svc.IsMember(ctx, member.address, "beta")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := svc.Members(ctx, sponsor.address, "beta")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "carol", members[0].DisplayName)
	assert.Equal(t, core.RoleRead, members[0].Role)

	err = svc.AddMember(ctx, sponsor.address, "beta", member.address, core.Role(9), "", nil)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	require.NoError(t, svc.RemoveMember(ctx, sponsor.address, "beta", member.address))
	ok, err = svc.IsMember(ctx, member.address, "beta")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequestAccessIsIdempotent(t *testing.T) {
	svc, sponsor, _ := newPolicy(t, "example.com")
	ctx := context.Background()
	requester := newWallet(t)

	first, already, err := svc.RequestAccess(ctx, requester.address, "beta", "bob", "please")
	require.NoError(t, err)
	assert.False(t, already)

	second, already, err := svc.RequestAccess(ctx, requester.address, "beta", "bob again", "pretty please")
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "bob", second.RequesterLabel)

	_, already, err = svc.RequestAccess(ctx, requester.address, "gamma", "bob", "")
	require.NoError(t, err)
	assert.False(t, already)

	pending, err := svc.PendingRequests(ctx, sponsor.address)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = svc.PendingRequests(ctx, requester.address)
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestApproveFlow(t *testing.T) {
	svc, sponsor, clock := newPolicy(t, "example.com")
	ctx := context.Background()
	bob, carol := newWallet(t), newWallet(t)

	_, _, err := svc.RequestAccess(ctx, bob.address, "beta", "bob", "tester")
	require.NoError(t, err)
	_, _, err = svc.RequestAccess(ctx, carol.address, "beta", "carol", "tester")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	handled, err := svc.HandleRequest(ctx, sponsor.address, bob.address, "beta", true, nil)
	require.NoError(t, err)
	assert.Equal(t, core.RequestApproved, handled.Status)

	ok, err := svc.IsMember(ctx, bob.address, "beta")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := svc.Members(ctx, sponsor.address, "beta")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, core.RoleEdit, members[0].Role)
	assert.Equal(t, sponsor.address, members[0].Metadata["approvedBy"])
	assert.Equal(t, "2026-03-01T12:00:00Z", members[0].Metadata["requestedAt"])
	assert.Equal(t, "2026-03-01T13:00:00Z", members[0].Metadata["approvedAt"])

	// only the matched request leaves the queue
	pending, err := svc.PendingRequests(ctx, sponsor.address)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, carol.address, pending[0].Address)

	_, err = svc.HandleRequest(ctx, sponsor.address, bob.address, "beta", true, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDenyFlow(t *testing.T) {
	svc, sponsor, _ := newPolicy(t, "example.com")
	ctx := context.Background()
	bob := newWallet(t)

	_, _, err := svc.RequestAccess(ctx, bob.address, "beta", "bob", "")
	require.NoError(t, err)

	handled, err := svc.HandleRequest(ctx, sponsor.address, bob.address, "beta", false, nil)
	require.NoError(t, err)
	assert.Equal(t, core.RequestDenied, handled.Status)

	ok, err := svc.IsMember(ctx, bob.address, "beta")
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := svc.PendingRequests(ctx, sponsor.address)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApprovalKeepsRequestWhenLedgerFails(t *testing.T) {
	clock := newFakeClock()
	sponsor, bob := newWallet(t), newWallet(t)
	l := newTestLedger(sponsor.address)
	svc := NewPolicyService(l, newTestStore(clock), nil, "example.com", time.Second).WithClock(clock.Now)
	ctx := context.Background()

	_, _, err := svc.RequestAccess(ctx, bob.address, "beta", "bob", "")
	require.NoError(t, err)

	admin := core.RoleAdmin
	l.FailWith(errors.New("rpc unavailable"))
	_, err = svc.HandleRequest(ctx, sponsor.address, bob.address, "beta", true, &admin)
	assert.ErrorIs(t, err, core.ErrUpstreamFailure)
	l.FailWith(nil)

	pending, err := svc.PendingRequests(ctx, sponsor.address)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestLedgerTimeoutIsUpstreamFailure(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(newWallet(t).address)
	l.SetDelay(time.Second)
	svc := NewPolicyService(l, newTestStore(clock), nil, "example.com", 20*time.Millisecond)

	_, err := svc.IsMember(context.Background(), newWallet(t).address, "beta")
	assert.ErrorIs(t, err, core.ErrUpstreamFailure)
	assert.Equal(t, core.KindUpstreamFailure, core.KindOf(err))
}

func TestMembershipWritesWaitForReceipt(t *testing.T) {
	clock := newFakeClock()
	bob := newWallet(t)
	l := newTestLedger(newWallet(t).address)
	svc := NewPolicyService(l, newTestStore(clock), nil, "example.com", 20*time.Millisecond).
		WithReceiptTimeout(time.Second)
	ctx := context.Background()

	l.SetDelay(100 * time.Millisecond)
	_, err := svc.IsMember(ctx, bob.address, "beta")
	assert.ErrorIs(t, err, core.ErrUpstreamFailure, "reads keep the short bound")

	err = svc.mutate(ctx, "tester", "beta", core.MembershipOp{Kind: core.MembershipAdd, Address: bob.address, Role: core.RoleRead})
	require.NoError(t, err)

	l.SetDelay(0)
	member, err := svc.IsMember(ctx, bob.address, "beta")
	require.NoError(t, err)
	assert.True(t, member)
}
