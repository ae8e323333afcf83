package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Backend adapts the ledger to the collateral transfer surface the engine
// expects. The module account acts as spender for pulls and as sender for
// payouts, so depositors must approve it first.
type Backend struct {
	ledger *Ledger
	module common.Address
}

func NewBackend(ledger *Ledger, module common.Address) *Backend {
	return &Backend{ledger: ledger, module: module}
}

func (b *Backend) TransferFrom(token, from, to common.Address, amount *big.Int) (bool, error) {
	if b == nil || b.ledger == nil {
		return false, errNilState
	}
	if err := b.ledger.TransferFrom(token, b.module, from, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) Transfer(token, to common.Address, amount *big.Int) (bool, error) {
	if b == nil || b.ledger == nil {
		return false, errNilState
	}
	if err := b.ledger.Transfer(token, b.module, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

// Synthetic binds the ledger to one token identifier and exposes the mint and
// burn surface of the unit-pegged asset. Burns consume the module account's
// holdings, which is where pulled tokens land.
type Synthetic struct {
	ledger *Ledger
	token  common.Address
	module common.Address
}

func NewSynthetic(ledger *Ledger, token, module common.Address) *Synthetic {
	return &Synthetic{ledger: ledger, token: token, module: module}
}

// Token returns the synthetic asset's ledger identifier.
func (s *Synthetic) Token() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.token
}

func (s *Synthetic) Mint(to common.Address, amount *big.Int) (bool, error) {
	if s == nil || s.ledger == nil {
		return false, errNilState
	}
	if err := s.ledger.Mint(s.token, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Synthetic) Burn(amount *big.Int) error {
	if s == nil || s.ledger == nil {
		return errNilState
	}
	return s.ledger.Burn(s.token, s.module, amount)
}

func (s *Synthetic) TransferFrom(from, to common.Address, amount *big.Int) (bool, error) {
	if s == nil || s.ledger == nil {
		return false, errNilState
	}
	if err := s.ledger.TransferFrom(s.token, s.module, from, to, amount); err != nil {
		return false, err
	}
	return true, nil
}
