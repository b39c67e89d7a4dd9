package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/layer-3/rivetgate/core"
)

const membershipABIJSON = `[
	{"type":"function","name":"getMembers","stateMutability":"view",
	 "inputs":[{"name":"list","type":"string"}],
	 "outputs":[{"name":"accounts","type":"address[]"},{"name":"roles","type":"uint8[]"},{"name":"names","type":"string[]"},{"name":"addedAt","type":"uint64[]"},{"name":"metadata","type":"string[]"}]},
	{"type":"function","name":"addMember","stateMutability":"nonpayable",
	 "inputs":[{"name":"list","type":"string"},{"name":"account","type":"address"},{"name":"role","type":"uint8"},{"name":"name","type":"string"},{"name":"metadata","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"removeMember","stateMutability":"nonpayable",
	 "inputs":[{"name":"list","type":"string"},{"name":"account","type":"address"}],
	 "outputs":[]},
	{"type":"function","name":"sponsor","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"address"}]}
]`

const notabotABIJSON = `[
	{"type":"function","name":"commitments","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"totalPoints","type":"uint256"},{"name":"chainHead","type":"bytes32"},{"name":"eventCount","type":"uint64"},{"name":"lastUpdate","type":"uint64"}]},
	{"type":"function","name":"commit","stateMutability":"nonpayable",
	 "inputs":[{"name":"totalPoints","type":"uint256"},{"name":"chainHead","type":"bytes32"},{"name":"eventCount","type":"uint64"}],
	 "outputs":[]}
]`

var (
	membershipABI = mustParseABI(membershipABIJSON)
	notabotABI    = mustParseABI(notabotABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid contract abi: %v", err))
	}
	return parsed
}

func commitSelector() []byte {
	return notabotABI.Methods["commit"].ID
}

// isCommitCalldata reports whether data calls the notabot commit method
func isCommitCalldata(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], commitSelector())
}

func packMembershipOp(list string, op core.MembershipOp) ([]byte, error) {
	account := common.HexToAddress(op.Address)
	switch op.Kind {
	case core.MembershipAdd:
		metadata, err := encodeMetadata(op.Metadata)
		if err != nil {
			return nil, err
		}
		return membershipABI.Pack("addMember", list, account, uint8(op.Role), op.DisplayName, metadata)
	case core.MembershipRemove:
		return membershipABI.Pack("removeMember", list, account)
	default:
		return nil, fmt.Errorf("unknown membership op %q", op.Kind)
	}
}

func unpackMembers(data []byte) ([]core.ListMembership, error) {
	out, err := membershipABI.Unpack("getMembers", data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack members: %w", err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("unexpected getMembers output length %d", len(out))
	}

	accounts, ok1 := out[0].([]common.Address)
	roles, ok2 := out[1].([]uint8)
	names, ok3 := out[2].([]string)
	addedAt, ok4 := out[3].([]uint64)
	metadata, ok5 := out[4].([]string)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, fmt.Errorf("unexpected getMembers output types")
	}
	n := len(accounts)
	if len(roles) != n || len(names) != n || len(addedAt) != n || len(metadata) != n {
		return nil, fmt.Errorf("getMembers returned ragged arrays")
	}

	members := make([]core.ListMembership, 0, n)
	for i := range accounts {
		members = append(members, core.ListMembership{
			Address:     accounts[i].Hex(),
			DisplayName: names[i],
			Role:        core.Role(roles[i]),
			AddedAt:     unixTime(addedAt[i]),
			Metadata:    decodeMetadata(metadata[i]),
		})
	}
	return members, nil
}

func packCommit(c core.NotabotCommitment) ([]byte, error) {
	head, err := chainHead(c.ChainHead)
	if err != nil {
		return nil, err
	}
	points := c.TotalPoints
	if points == nil {
		points = new(big.Int)
	}
	return notabotABI.Pack("commit", points, head, c.EventCount)
}

func unpackCommit(data []byte) (*core.NotabotCommitment, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	method, err := notabotABI.MethodById(data[:4])
	if err != nil || method.Name != "commit" {
		return nil, fmt.Errorf("not a commit call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 3 {
		return nil, fmt.Errorf("failed to unpack commit: %v", err)
	}
	points, ok1 := args[0].(*big.Int)
	head, ok2 := args[1].([32]byte)
	count, ok3 := args[2].(uint64)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected commit argument types")
	}
	return &core.NotabotCommitment{
		TotalPoints: points,
		ChainHead:   hexutil.Encode(head[:]),
		EventCount:  count,
	}, nil
}

func unpackCommitment(data []byte) (*core.NotabotCommitment, error) {
	out, err := notabotABI.Unpack("commitments", data)
	if err != nil || len(out) != 4 {
		return nil, fmt.Errorf("failed to unpack commitment: %v", err)
	}
	points, ok1 := out[0].(*big.Int)
	head, ok2 := out[1].([32]byte)
	count, ok3 := out[2].(uint64)
	updated, ok4 := out[3].(uint64)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("unexpected commitment output types")
	}
	return &core.NotabotCommitment{
		TotalPoints: points,
		ChainHead:   hexutil.Encode(head[:]),
		EventCount:  count,
		LastUpdate:  updated,
	}, nil
}

func chainHead(s string) ([32]byte, error) {
	var head [32]byte
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != 32 {
		return head, fmt.Errorf("chain head must be 32 bytes hex")
	}
	copy(head[:], raw)
	return head, nil
}
