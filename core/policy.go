package core

import (
	"fmt"
	"strings"
	"time"
)

// Role is the access level a list member holds
type Role uint8

const (
	RoleNone Role = iota
	RoleRead
	RoleEdit
	RoleAdmin
	RoleOwner
)

var roleNames = [...]string{"none", "read", "edit", "admin", "owner"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r <= RoleOwner
}

// ParseRole accepts either the role name or its numeric value
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range roleNames {
		if s == name || s == fmt.Sprint(i) {
			return Role(i), nil
		}
	}
	return RoleNone, NewError(KindInvalidInput, "unknown role "+s, nil)
}

// AdminList is the conventional admin list name for a domain
func AdminList(domain string) string {
	return domain + "::admin"
}

// ListMembership is one entry of a named list, as held by the ledger
type ListMembership struct {
	Address     string         `json:"address"`
	DisplayName string         `json:"displayName"`
	Role        Role           `json:"role"`
	AddedAt     time.Time      `json:"addedAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MembershipOpKind selects the list mutation
type MembershipOpKind string

const (
	MembershipAdd    MembershipOpKind = "add"
	MembershipRemove MembershipOpKind = "remove"
)

// MembershipOp is a single mutation forwarded to the ledger
type MembershipOp struct {
	Kind        MembershipOpKind
	Address     string
	DisplayName string
	Role        Role
	Metadata    map[string]any
}

// RequestStatus is the lifecycle state of an access request
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// AccessRequest is a pending request to join a named list
type AccessRequest struct {
	ID             string        `json:"id"`
	Address        string        `json:"address"`
	ListName       string        `json:"listName"`
	RequesterLabel string        `json:"requesterLabel"`
	Justification  string        `json:"justification"`
	SubmittedAt    time.Time     `json:"submittedAt"`
	Status         RequestStatus `json:"status"`
}

// Matches reports whether the request is for the given address and list
func (r AccessRequest) Matches(address, listName string) bool {
	return r.ListName == listName && SameAddress(r.Address, address)
}

// AccessDecision is the result of a membership check
type AccessDecision struct {
	Allowed  bool   `json:"allowed"`
	Address  string `json:"address"`
	ListName string `json:"listName"`
	DevMode  bool   `json:"devMode,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
