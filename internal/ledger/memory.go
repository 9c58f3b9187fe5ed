package ledger

import (
	"context"
	"fmt"
	"sync"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

// Memory is an in-process Ledger. It is safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	balances   map[common.Address]math.Int
	allowances map[common.Address]map[common.Address]math.Int
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[common.Address]math.Int),
		allowances: make(map[common.Address]map[common.Address]math.Int),
	}
}

// Mint credits account with amount out of thin air. Used to seed balances.
func (m *Memory) Mint(account common.Address, amount math.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = m.balanceLocked(account).Add(amount)
}

func (m *Memory) BalanceOf(_ context.Context, account common.Address) (math.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(account), nil
}

func (m *Memory) Allowance(_ context.Context, owner, spender common.Address) (math.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowanceLocked(owner, spender), nil
}

func (m *Memory) Approve(_ context.Context, owner, spender common.Address, amount math.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[common.Address]math.Int)
	}
	m.allowances[owner][spender] = amount
	return nil
}

func (m *Memory) Transfer(_ context.Context, from, to common.Address, amount math.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(from, to, amount)
}

func (m *Memory) TransferFrom(_ context.Context, spender, from, to common.Address, amount math.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := m.allowanceLocked(from, spender)
	if allowed.LT(amount) {
		return fmt.Errorf("%s spending %s from %s: %w", spender.Hex(), amount, from.Hex(), ErrInsufficientAllowance)
	}
	if err := m.moveLocked(from, to, amount); err != nil {
		return err
	}
	m.allowances[from][spender] = allowed.Sub(amount)
	return nil
}

func (m *Memory) moveLocked(from, to common.Address, amount math.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount
	}
	bal := m.balanceLocked(from)
	if bal.LT(amount) {
		return fmt.Errorf("%s has %s, needs %s: %w", from.Hex(), bal, amount, ErrInsufficientBalance)
	}
	m.balances[from] = bal.Sub(amount)
	m.balances[to] = m.balanceLocked(to).Add(amount)
	return nil
}

func (m *Memory) balanceLocked(account common.Address) math.Int {
	if b, ok := m.balances[account]; ok {
		return b
	}
	return math.ZeroInt()
}

func (m *Memory) allowanceLocked(owner, spender common.Address) math.Int {
	if a, ok := m.allowances[owner][spender]; ok {
		return a
	}
	return math.ZeroInt()
}
