package token

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	token   common.Address
	account common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// MemoryState is an in-memory ledger state used by tests and ephemeral
// deployments.
type MemoryState struct {
	mu         sync.RWMutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	supplies   map[common.Address]*big.Int
}

func NewMemoryState() *MemoryState {
	return &MemoryState{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		supplies:   make(map[common.Address]*big.Int),
	}
}

func (s *MemoryState) GetBalance(token, account common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneOrZero(s.balances[balanceKey{token: token, account: account}]), nil
}

func (s *MemoryState) PutBalance(token, account common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{token: token, account: account}] = cloneOrZero(amount)
	return nil
}

func (s *MemoryState) GetAllowance(token, owner, spender common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneOrZero(s.allowances[allowanceKey{token: token, owner: owner, spender: spender}]), nil
}

func (s *MemoryState) PutAllowance(token, owner, spender common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[allowanceKey{token: token, owner: owner, spender: spender}] = cloneOrZero(amount)
	return nil
}

func (s *MemoryState) GetSupply(token common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneOrZero(s.supplies[token]), nil
}

func (s *MemoryState) PutSupply(token common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supplies[token] = cloneOrZero(amount)
	return nil
}

func cloneOrZero(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}
