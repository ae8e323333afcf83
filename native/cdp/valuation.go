package cdp

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// OracleDecimals is the fixed decimal count of every price feed quote.
	OracleDecimals = 8

	// Only half of the collateral's USD value counts toward solvency, i.e.
	// positions must stay at least 200% collateralized.
	liquidationThreshold = 50
	liquidationPrecision = 100

	// Liquidators receive a 10% collateral premium on the covered debt.
	liquidationBonus = 10
)

var (
	// precision is the 18-decimal working fixed point shared by USD values,
	// token amounts and health factors.
	precision = mustBigInt("1000000000000000000")

	// additionalFeedPrecision lifts 8-decimal oracle quotes up to working
	// precision.
	additionalFeedPrecision = mustBigInt("10000000000")

	// MinHealthFactor is the solvency floor: anything strictly below is
	// liquidatable.
	MinHealthFactor = mustBigInt("1000000000000000000")

	// maxHealthFactor is the sentinel reported for debt-free positions.
	maxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// UsdValue converts amount of token into its 18-decimal USD value at the
// latest oracle quote.
func (e *Engine) UsdValue(token common.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.usdValue(token, amount)
}

// TokenAmountFromUsd converts an 18-decimal USD value into the equivalent
// token amount at the latest oracle quote. Division truncates toward zero;
// the undercount deliberately favors the protocol.
func (e *Engine) TokenAmountFromUsd(token common.Address, usdValue *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.tokenAmountFromUsd(token, usdValue)
}

func (e *Engine) usdValue(token common.Address, amount *big.Int) (*big.Int, error) {
	price, err := e.latestPrice(token)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return big.NewInt(0), nil
	}
	value := new(big.Int).Mul(price, additionalFeedPrecision)
	value.Mul(value, amount)
	return value.Quo(value, precision), nil
}

func (e *Engine) tokenAmountFromUsd(token common.Address, usdValue *big.Int) (*big.Int, error) {
	price, err := e.latestPrice(token)
	if err != nil {
		return nil, err
	}
	if usdValue == nil {
		return big.NewInt(0), nil
	}
	amount := new(big.Int).Mul(usdValue, precision)
	scaled := new(big.Int).Mul(price, additionalFeedPrecision)
	return amount.Quo(amount, scaled), nil
}

// latestPrice fetches and validates the freshest quote for the token. Quotes
// are re-fetched on every valuation; nothing is cached.
func (e *Engine) latestPrice(token common.Address) (*big.Int, error) {
	feed, ok := e.feeds[token]
	if !ok {
		return nil, ErrUnsupportedAsset
	}
	if e.oracle == nil {
		return nil, errNilOracle
	}
	round, err := e.oracle.LatestRoundData(feed)
	if err != nil {
		return nil, fmt.Errorf("cdp engine: fetch price: %w", err)
	}
	if round.Price == nil || round.Price.Sign() <= 0 {
		return nil, ErrInvalidOraclePrice
	}
	return new(big.Int).Set(round.Price), nil
}

func (e *Engine) healthFactor(user common.Address) (*big.Int, error) {
	snap, err := e.accountSnapshot(user)
	if err != nil {
		return nil, err
	}
	return healthFactorFromSnapshot(snap), nil
}

// healthFactorFromSnapshot computes the solvency scalar:
// (collateralUsd * threshold / 100) * 1e18 / totalDebt. A zero debt
// short-circuits to the sentinel; the division below is otherwise safe.
func healthFactorFromSnapshot(snap AccountSnapshot) *big.Int {
	snap.EnsureDefaults()
	if snap.TotalDebt.Sign() == 0 {
		return new(big.Int).Set(maxHealthFactor)
	}
	adjusted := new(big.Int).Mul(snap.CollateralValueUsd, big.NewInt(liquidationThreshold))
	adjusted.Quo(adjusted, big.NewInt(liquidationPrecision))
	health := adjusted.Mul(adjusted, precision)
	return health.Quo(health, snap.TotalDebt)
}
