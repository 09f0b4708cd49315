package resolver

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/holiman/uint256"
)

// ErrNoMatch means a token pair does not identify the resolved pair.
var ErrNoMatch = errors.New("tokens do not match pair")

// Token is an address scoped to the chain it lives on.
type Token struct {
	ChainID int64          `json:"chain_id"`
	Address common.Address `json:"address"`
}

// Query identifies one pair/account view. It is the identity the Tracker
// sequences results under.
type Query struct {
	ChainID int64
	Pair    common.Address
	// Account is optional; when zero the LP balance is not read.
	Account common.Address
}

// PairState is the decoded on-chain view of a pair. TotalSupply and Balance
// are nil when they were not requested or could not be read.
type PairState struct {
	ChainID            int64          `json:"chain_id"`
	Pair               common.Address `json:"pair"`
	Token0             common.Address `json:"token0"`
	Token1             common.Address `json:"token1"`
	Reserve0           *uint256.Int   `json:"reserve0"`
	Reserve1           *uint256.Int   `json:"reserve1"`
	BlockTimestampLast uint32         `json:"block_timestamp_last"`
	TotalSupply        *uint256.Int   `json:"total_supply,omitempty"`
	Balance            *uint256.Int   `json:"balance,omitempty"`
}

// ResolvedReserves are a pair's reserves in the caller's token order.
type ResolvedReserves struct {
	ReserveA *uint256.Int `json:"reserve_a"`
	ReserveB *uint256.Int `json:"reserve_b"`
}

// ReservesFor permutes the reserves into (a, b) order. It fails closed: the
// tokens must be distinct, on the pair's chain, and equal {token0, token1}.
func (s PairState) ReservesFor(a, b Token) (ResolvedReserves, error) {
	switch {
	case a.Address == b.Address:
		return ResolvedReserves{}, noMatch("identical tokens")
	case a.ChainID != b.ChainID || a.ChainID != s.ChainID:
		return ResolvedReserves{}, noMatch("tokens are on different chains")
	case s.Reserve0 == nil || s.Reserve1 == nil:
		return ResolvedReserves{}, noMatch("pair reserves are unknown")
	case a.Address == s.Token0 && b.Address == s.Token1:
		return ResolvedReserves{ReserveA: s.Reserve0.Clone(), ReserveB: s.Reserve1.Clone()}, nil
	case a.Address == s.Token1 && b.Address == s.Token0:
		return ResolvedReserves{ReserveA: s.Reserve1.Clone(), ReserveB: s.Reserve0.Clone()}, nil
	default:
		return ResolvedReserves{}, noMatch("tokens are not the pair's token0/token1")
	}
}

func noMatch(reason string) error {
	return clierr.Wrap(clierr.CodeInvalidConfig, reason, ErrNoMatch)
}
