package http

import "github.com/layer-3/rivetgate/core"

// Every endpoint binds its body into one closed struct; unknown shapes fail at the boundary.

type connectRequest struct {
	Address   string `json:"address" binding:"required"`
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type addMemberRequest struct {
	List        string         `json:"list" binding:"required"`
	Address     string         `json:"address" binding:"required"`
	Role        string         `json:"role"`
	DisplayName string         `json:"displayName"`
	Metadata    map[string]any `json:"metadata"`
}

type removeMemberRequest struct {
	List    string `json:"list" binding:"required"`
	Address string `json:"address" binding:"required"`
}

type requestAccessRequest struct {
	List          string `json:"list" binding:"required"`
	Label         string `json:"label"`
	Justification string `json:"justification"`
}

type handleRequestRequest struct {
	Address  string `json:"address" binding:"required"`
	List     string `json:"list" binding:"required"`
	Approved *bool  `json:"approved" binding:"required"`
	Role     string `json:"role"`
}

type commitmentBody struct {
	// TotalPoints is a base 10 integer string, it may exceed 2^53
	TotalPoints string `json:"totalPoints" binding:"required"`
	ChainHead   string `json:"chainHead" binding:"required"`
	EventCount  uint64 `json:"eventCount"`
}

type notabotCommitRequest struct {
	Commitment commitmentBody      `json:"commitment"`
	Events     []core.NotabotEvent `json:"events"`
}

type notabotSubmitRequest struct {
	SignedTransaction string `json:"signedTransaction" binding:"required"`
}
