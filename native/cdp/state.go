package cdp

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type collateralKey struct {
	user  common.Address
	token common.Address
}

// MemoryState is an in-memory engine state used by tests and ephemeral
// deployments. Amounts are cloned on the way in and out.
type MemoryState struct {
	mu         sync.RWMutex
	collateral map[collateralKey]*big.Int
	debt       map[common.Address]*big.Int
}

func NewMemoryState() *MemoryState {
	return &MemoryState{
		collateral: make(map[collateralKey]*big.Int),
		debt:       make(map[common.Address]*big.Int),
	}
}

func (s *MemoryState) GetCollateral(user, token common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	amount, ok := s.collateral[collateralKey{user: user, token: token}]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(amount), nil
}

func (s *MemoryState) PutCollateral(user, token common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount == nil {
		amount = big.NewInt(0)
	}
	s.collateral[collateralKey{user: user, token: token}] = new(big.Int).Set(amount)
	return nil
}

func (s *MemoryState) GetDebt(user common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	amount, ok := s.debt[user]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(amount), nil
}

func (s *MemoryState) PutDebt(user common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount == nil {
		amount = big.NewInt(0)
	}
	s.debt[user] = new(big.Int).Set(amount)
	return nil
}
