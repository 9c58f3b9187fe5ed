// Package ledger describes the fungible-value ledger that stakes, fees and
// bonuses move through. The ledger itself is an external collaborator; this
// package holds its interface and an in-memory implementation used by the
// node's single-process mode and by tests.
package ledger

import (
	"context"
	"errors"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Ledger is the balance/transfer/approve surface used opaquely for staking and
// all fee and bonus movement. Transfer moves value owned by from, so callers
// may only pass their own account as from. TransferFrom spends an allowance
// previously granted to spender by from.
type Ledger interface {
	BalanceOf(ctx context.Context, account common.Address) (math.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (math.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount math.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount math.Int) error
	Approve(ctx context.Context, owner, spender common.Address, amount math.Int) error
}

// Sum adds amounts, treating nil entries as zero.
func Sum(amounts ...math.Int) math.Int {
	total := math.ZeroInt()
	for _, a := range amounts {
		if a.IsNil() {
			continue
		}
		total = total.Add(a)
	}
	return total
}
