package token

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errNilState = errors.New("token ledger: state not configured")

	ErrInvalidAmount         = errors.New("token ledger: amount must be positive")
	ErrInsufficientBalance   = errors.New("token ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("token ledger: insufficient allowance")
)

// ledgerState is the persistence boundary for balances, allowances and total
// supply. Implementations must treat a missing key as zero.
type ledgerState interface {
	GetBalance(token, account common.Address) (*big.Int, error)
	PutBalance(token, account common.Address, amount *big.Int) error
	GetAllowance(token, owner, spender common.Address) (*big.Int, error)
	PutAllowance(token, owner, spender common.Address, amount *big.Int) error
	GetSupply(token common.Address) (*big.Int, error)
	PutSupply(token common.Address, amount *big.Int) error
}

// Ledger tracks balances and allowances for any number of tokens addressed by
// identifier. It implements the transfer, mint and burn primitives the
// collateral engine builds on.
type Ledger struct {
	mu    sync.Mutex
	state ledgerState
}

func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state}
}

func (l *Ledger) BalanceOf(token, account common.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.load(l.state.GetBalance(token, account))
}

func (l *Ledger) Allowance(token, owner, spender common.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.load(l.state.GetAllowance(token, owner, spender))
}

func (l *Ledger) TotalSupply(token common.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.load(l.state.GetSupply(token))
}

// Approve sets the spender's allowance over the owner's balance. A zero amount
// revokes it.
func (l *Ledger) Approve(token, owner, spender common.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.PutAllowance(token, owner, spender, amount)
}

// Transfer moves amount of token from one account to another.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(token, from, to, amount)
}

// TransferFrom moves amount of the owner's tokens on behalf of spender,
// consuming allowance unless the spender is the owner.
func (l *Ledger) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if spender != from {
		allowance, err := l.load(l.state.GetAllowance(token, from, spender))
		if err != nil {
			return err
		}
		if allowance.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		if err := l.state.PutAllowance(token, from, spender, new(big.Int).Sub(allowance, amount)); err != nil {
			return err
		}
	}
	if err := l.move(token, from, to, amount); err != nil {
		if spender != from {
			// Hand the consumed allowance back; the transfer never happened.
			allowance, loadErr := l.load(l.state.GetAllowance(token, from, spender))
			if loadErr != nil {
				return loadErr
			}
			if putErr := l.state.PutAllowance(token, from, spender, new(big.Int).Add(allowance, amount)); putErr != nil {
				return putErr
			}
		}
		return err
	}
	return nil
}

// Mint credits amount of token to the account and grows total supply.
func (l *Ledger) Mint(token, to common.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(l.state.GetBalance(token, to))
	if err != nil {
		return err
	}
	if err := l.state.PutBalance(token, to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	supply, err := l.load(l.state.GetSupply(token))
	if err != nil {
		return err
	}
	return l.state.PutSupply(token, new(big.Int).Add(supply, amount))
}

// Burn debits amount of token from the account and shrinks total supply.
func (l *Ledger) Burn(token, from common.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(l.state.GetBalance(token, from))
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := l.state.PutBalance(token, from, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	supply, err := l.load(l.state.GetSupply(token))
	if err != nil {
		return err
	}
	if supply.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return l.state.PutSupply(token, new(big.Int).Sub(supply, amount))
}

func (l *Ledger) move(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromBalance, err := l.load(l.state.GetBalance(token, from))
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := l.state.PutBalance(token, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	toBalance, err := l.load(l.state.GetBalance(token, to))
	if err != nil {
		return err
	}
	if err := l.state.PutBalance(token, to, new(big.Int).Add(toBalance, amount)); err != nil {
		if restoreErr := l.state.PutBalance(token, from, fromBalance); restoreErr != nil {
			return restoreErr
		}
		return err
	}
	return nil
}

func (l *Ledger) load(amount *big.Int, err error) (*big.Int, error) {
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(amount), nil
}
