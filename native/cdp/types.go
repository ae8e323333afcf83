package cdp

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralConfig pairs a supported collateral token with the price feed that
// quotes it. The pairing is fixed at engine construction.
type CollateralConfig struct {
	Token common.Address
	Feed  common.Address
}

// AccountSnapshot captures the derived totals for a user position: the
// outstanding synthetic debt and the USD value of all deposited collateral,
// both in 18-decimal fixed point.
type AccountSnapshot struct {
	TotalDebt          *big.Int
	CollateralValueUsd *big.Int
}

// Clone returns a deep copy of the snapshot.
func (s AccountSnapshot) Clone() AccountSnapshot {
	clone := AccountSnapshot{}
	if s.TotalDebt != nil {
		clone.TotalDebt = new(big.Int).Set(s.TotalDebt)
	}
	if s.CollateralValueUsd != nil {
		clone.CollateralValueUsd = new(big.Int).Set(s.CollateralValueUsd)
	}
	return clone
}

// EnsureDefaults populates nil amounts so callers can compare without guards.
func (s *AccountSnapshot) EnsureDefaults() {
	if s.TotalDebt == nil {
		s.TotalDebt = big.NewInt(0)
	}
	if s.CollateralValueUsd == nil {
		s.CollateralValueUsd = big.NewInt(0)
	}
}
