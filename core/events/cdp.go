package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	TypeCollateralDeposited = "cdp.collateral_deposited"
	TypeCollateralRedeemed  = "cdp.collateral_redeemed"
	TypeSynthMinted         = "cdp.synth_minted"
	TypeSynthBurned         = "cdp.synth_burned"
	TypeLiquidated          = "cdp.liquidated"
)

type CollateralDeposited struct {
	User   common.Address
	Token  common.Address
	Amount *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Event() *Event {
	return &Event{
		Type: TypeCollateralDeposited,
		Attributes: map[string]string{
			"user":   e.User.Hex(),
			"token":  e.Token.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

type CollateralRedeemed struct {
	From   common.Address
	To     common.Address
	Token  common.Address
	Amount *big.Int
}

func (CollateralRedeemed) EventType() string { return TypeCollateralRedeemed }

func (e CollateralRedeemed) Event() *Event {
	return &Event{
		Type: TypeCollateralRedeemed,
		Attributes: map[string]string{
			"from":   e.From.Hex(),
			"to":     e.To.Hex(),
			"token":  e.Token.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

type SynthMinted struct {
	User   common.Address
	Amount *big.Int
}

func (SynthMinted) EventType() string { return TypeSynthMinted }

func (e SynthMinted) Event() *Event {
	return &Event{
		Type: TypeSynthMinted,
		Attributes: map[string]string{
			"user":   e.User.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

type SynthBurned struct {
	User   common.Address
	Amount *big.Int
}

func (SynthBurned) EventType() string { return TypeSynthBurned }

func (e SynthBurned) Event() *Event {
	return &Event{
		Type: TypeSynthBurned,
		Attributes: map[string]string{
			"user":   e.User.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

type Liquidated struct {
	Liquidator       common.Address
	User             common.Address
	Token            common.Address
	DebtCovered      *big.Int
	CollateralSeized *big.Int
	EndingHealth     *big.Int
}

func (Liquidated) EventType() string { return TypeLiquidated }

func (e Liquidated) Event() *Event {
	return &Event{
		Type: TypeLiquidated,
		Attributes: map[string]string{
			"liquidator":       e.Liquidator.Hex(),
			"user":             e.User.Hex(),
			"token":            e.Token.Hex(),
			"debtCovered":      formatAmount(e.DebtCovered),
			"collateralSeized": formatAmount(e.CollateralSeized),
			"endingHealth":     formatAmount(e.EndingHealth),
		},
	}
}
