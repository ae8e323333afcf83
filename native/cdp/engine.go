package cdp

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"stablemint/core/events"
	nativecommon "stablemint/native/common"
)

const moduleName = "cdp"

var (
	errNilState      = errors.New("cdp engine: state not configured")
	errNilOracle     = errors.New("cdp engine: oracle not configured")
	errNilCollateral = errors.New("cdp engine: collateral backend not configured")
	errNilSynthetic  = errors.New("cdp engine: synthetic ledger not configured")

	ErrInvalidAmount           = errors.New("cdp engine: amount must be positive")
	ErrUnsupportedAsset        = errors.New("cdp engine: collateral token not supported")
	ErrConfigMismatch          = errors.New("cdp engine: token and feed lists must match")
	ErrTransferFailed          = errors.New("cdp engine: token transfer failed")
	ErrMintFailed              = errors.New("cdp engine: synthetic mint failed")
	ErrInsufficientCollateral  = errors.New("cdp engine: insufficient collateral balance")
	ErrInsufficientDebt        = errors.New("cdp engine: amount exceeds outstanding debt")
	ErrHealthFactorOk          = errors.New("cdp engine: position is healthy, nothing to liquidate")
	ErrHealthFactorNotImproved = errors.New("cdp engine: liquidation did not restore solvency")
	ErrHealthFactorBroken      = errors.New("cdp engine: health factor below minimum")
	ErrInvalidOraclePrice      = errors.New("cdp engine: oracle returned a non-positive price")
	ErrReentrantCall           = errors.New("cdp engine: reentrant call rejected")
)

// HealthFactorError reports the offending health factor for an operation that
// would leave the caller's position undercollateralized.
type HealthFactorError struct {
	HealthFactor *big.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("cdp engine: health factor %s below minimum", e.HealthFactor)
}

func (e *HealthFactorError) Is(target error) bool { return target == ErrHealthFactorBroken }

// engineState is the persistence boundary for the two position ledgers. The
// engine is the sole writer; implementations must treat a missing key as zero.
type engineState interface {
	GetCollateral(user, token common.Address) (*big.Int, error)
	PutCollateral(user, token common.Address, amount *big.Int) error
	GetDebt(user common.Address) (*big.Int, error)
	PutDebt(user common.Address, amount *big.Int) error
}

// CollateralBackend moves collateral tokens between accounts. A false return
// without an error is still a failed transfer.
type CollateralBackend interface {
	TransferFrom(token, from, to common.Address, amount *big.Int) (bool, error)
	Transfer(token, to common.Address, amount *big.Int) (bool, error)
}

// SyntheticAsset is the mint/burn surface of the unit-pegged token. The engine
// is the sole authorized minter and burner.
type SyntheticAsset interface {
	Mint(to common.Address, amount *big.Int) (bool, error)
	Burn(amount *big.Int) error
	TransferFrom(from, to common.Address, amount *big.Int) (bool, error)
}

// Engine orchestrates the collateral and debt ledgers: deposits, synthetic
// mint/burn, redemptions and liquidations. Every mutating operation runs
// inside a single global non-reentrant critical section and either commits all
// of its effects or none of them.
type Engine struct {
	mu            sync.Mutex
	state         engineState
	oracle        OracleSource
	collateral    CollateralBackend
	synth         SyntheticAsset
	moduleAddress common.Address
	tokens        []common.Address
	feeds         map[common.Address]common.Address
	events        events.Emitter
	pending       []*events.Event
	pauses        nativecommon.PauseView
}

// NewEngine constructs an engine for the supplied collateral set. Tokens and
// feeds are paired positionally; mismatched lengths fail before any state is
// touched.
func NewEngine(moduleAddr common.Address, tokens, feeds []common.Address) (*Engine, error) {
	if len(tokens) != len(feeds) {
		return nil, ErrConfigMismatch
	}
	e := &Engine{
		moduleAddress: moduleAddr,
		tokens:        append([]common.Address(nil), tokens...),
		feeds:         make(map[common.Address]common.Address, len(tokens)),
	}
	for i, token := range tokens {
		e.feeds[token] = feeds[i]
	}
	return e, nil
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOracle installs the price source consulted for every valuation.
func (e *Engine) SetOracle(oracle OracleSource) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// SetCollateralBackend installs the collateral token transfer primitive.
func (e *Engine) SetCollateralBackend(backend CollateralBackend) {
	if e == nil {
		return
	}
	e.collateral = backend
}

// SetSyntheticLedger installs the synthetic asset mint/burn ledger.
func (e *Engine) SetSyntheticLedger(synth SyntheticAsset) {
	if e == nil {
		return
	}
	e.synth = synth
}

// SetEvents installs the sink notified after each successful operation.
func (e *Engine) SetEvents(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.events = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// ModuleAddress returns the account holding deposited collateral and pulled
// synthetic tokens.
func (e *Engine) ModuleAddress() common.Address {
	if e == nil {
		return common.Address{}
	}
	return e.moduleAddress
}

// begin validates wiring and enters the global critical section. A held lock
// means an operation is already in flight; the caller is rejected, not queued.
func (e *Engine) begin() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.oracle == nil {
		return errNilOracle
	}
	if e.collateral == nil {
		return errNilCollateral
	}
	if e.synth == nil {
		return errNilSynthetic
	}
	if !e.mu.TryLock() {
		return ErrReentrantCall
	}
	return nil
}

// DepositCollateral locks amount of token for user. Bookkeeping happens before
// the transfer-in so a reentrant caller can never observe stale balances.
func (e *Engine) DepositCollateral(user, token common.Address, amount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	err := e.depositCollateral(user, token, amount)
	e.flushEvents(err)
	return err
}

// DepositCollateralAndMint composes a deposit and a mint as one atomic unit:
// if the mint's solvency check fails, the deposit is unwound as well.
func (e *Engine) DepositCollateralAndMint(user, token common.Address, collateralAmount, synthAmount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	err := e.depositAndMint(user, token, collateralAmount, synthAmount)
	e.flushEvents(err)
	return err
}

func (e *Engine) depositAndMint(user, token common.Address, collateralAmount, synthAmount *big.Int) error {
	if err := e.depositCollateral(user, token, collateralAmount); err != nil {
		return err
	}
	if err := e.mintSynth(user, synthAmount); err != nil {
		if undoErr := e.redeemCollateral(user, user, token, collateralAmount, false); undoErr != nil {
			return fmt.Errorf("cdp engine: unwind deposit after failed mint: %w", undoErr)
		}
		return err
	}
	return nil
}

// Mint issues synthAmount of the synthetic asset against the caller's
// collateral, rejecting the whole operation if the resulting health factor
// drops below the minimum.
func (e *Engine) Mint(user common.Address, amount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	err := e.mintSynth(user, amount)
	e.flushEvents(err)
	return err
}

// RedeemCollateral releases amount of token back to user while ensuring the
// remaining position stays solvent.
func (e *Engine) RedeemCollateral(user, token common.Address, amount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	err := e.redeemCollateral(user, user, token, amount, true)
	e.flushEvents(err)
	return err
}

// RedeemCollateralForSynth burns synthAmount of the caller's debt and then
// redeems collateralAmount of token, atomically: a failed redemption restores
// the burned debt.
func (e *Engine) RedeemCollateralForSynth(user, token common.Address, collateralAmount, synthAmount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	err := e.redeemForBurn(user, token, collateralAmount, synthAmount)
	e.flushEvents(err)
	return err
}

func (e *Engine) redeemForBurn(user, token common.Address, collateralAmount, synthAmount *big.Int) error {
	if err := e.burnSynth(user, user, synthAmount); err != nil {
		return err
	}
	if err := e.redeemCollateral(user, user, token, collateralAmount, true); err != nil {
		if undoErr := e.restoreDebt(user, user, synthAmount); undoErr != nil {
			return fmt.Errorf("cdp engine: unwind burn after failed redeem: %w", undoErr)
		}
		return err
	}
	return nil
}

// Burn retires amount of the caller's synthetic debt.
func (e *Engine) Burn(user common.Address, amount *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	err := e.burnSynth(user, user, amount)
	e.flushEvents(err)
	return err
}

// Liquidate lets a third party cover debtToCover (a USD-denominated synthetic
// amount) of an undercollateralized user's debt in exchange for the
// equivalent collateral plus a bonus. The seized collateral amount is
// returned. The target must start below the minimum health factor and end at
// or above it; the liquidator's own position must remain solvent.
func (e *Engine) Liquidate(liquidator, user, token common.Address, debtToCover *big.Int) (*big.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	seize, err := e.liquidate(liquidator, user, token, debtToCover)
	e.flushEvents(err)
	return seize, err
}

func (e *Engine) liquidate(liquidator, user, token common.Address, debtToCover *big.Int) (*big.Int, error) {
	if debtToCover == nil || debtToCover.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, ok := e.feeds[token]; !ok {
		return nil, ErrUnsupportedAsset
	}

	startHealth, err := e.healthFactor(user)
	if err != nil {
		return nil, err
	}
	if startHealth.Cmp(MinHealthFactor) >= 0 {
		return nil, ErrHealthFactorOk
	}

	tokenAmount, err := e.tokenAmountFromUsd(token, debtToCover)
	if err != nil {
		return nil, err
	}
	bonus := new(big.Int).Mul(tokenAmount, big.NewInt(liquidationBonus))
	bonus.Quo(bonus, big.NewInt(liquidationPrecision))
	seize := new(big.Int).Add(tokenAmount, bonus)

	balance, err := e.loadCollateral(user, token)
	if err != nil {
		return nil, err
	}
	// Seizing more than the deposited balance is a fatal inconsistency, never
	// a silent clamp.
	if balance.Cmp(seize) < 0 {
		return nil, ErrInsufficientCollateral
	}
	debt, err := e.loadDebt(user)
	if err != nil {
		return nil, err
	}
	if debt.Cmp(debtToCover) < 0 {
		return nil, ErrInsufficientDebt
	}

	if err := e.state.PutCollateral(user, token, new(big.Int).Sub(balance, seize)); err != nil {
		return nil, err
	}
	if err := e.state.PutDebt(user, new(big.Int).Sub(debt, debtToCover)); err != nil {
		if restoreErr := e.state.PutCollateral(user, token, balance); restoreErr != nil {
			return nil, restoreErr
		}
		return nil, err
	}

	rollback := func() error {
		if err := e.state.PutCollateral(user, token, balance); err != nil {
			return err
		}
		return e.state.PutDebt(user, debt)
	}

	endingHealth, err := e.healthFactor(user)
	if err != nil {
		if rbErr := rollback(); rbErr != nil {
			return nil, rbErr
		}
		return nil, err
	}
	if endingHealth.Cmp(MinHealthFactor) < 0 {
		if rbErr := rollback(); rbErr != nil {
			return nil, rbErr
		}
		return nil, ErrHealthFactorNotImproved
	}
	if err := e.requireHealthy(liquidator); err != nil {
		if rbErr := rollback(); rbErr != nil {
			return nil, rbErr
		}
		return nil, err
	}

	// External side effects last: pull the liquidator's synthetic tokens,
	// retire them, then pay out the seized collateral.
	ok, err := e.synth.TransferFrom(liquidator, e.moduleAddress, debtToCover)
	if err != nil || !ok {
		if rbErr := rollback(); rbErr != nil {
			return nil, rbErr
		}
		return nil, ErrTransferFailed
	}
	if err := e.synth.Burn(debtToCover); err != nil {
		_, _ = e.synth.TransferFrom(e.moduleAddress, liquidator, debtToCover)
		if rbErr := rollback(); rbErr != nil {
			return nil, rbErr
		}
		return nil, ErrTransferFailed
	}
	ok, err = e.collateral.Transfer(token, liquidator, seize)
	if err != nil || !ok {
		// The burned tokens are re-minted to make the liquidator whole.
		_, _ = e.synth.Mint(liquidator, debtToCover)
		if rbErr := rollback(); rbErr != nil {
			return nil, rbErr
		}
		return nil, ErrTransferFailed
	}

	e.emit(events.Liquidated{
		Liquidator:       liquidator,
		User:             user,
		Token:            token,
		DebtCovered:      debtToCover,
		CollateralSeized: seize,
		EndingHealth:     endingHealth,
	})
	return seize, nil
}

func (e *Engine) depositCollateral(user, token common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, ok := e.feeds[token]; !ok {
		return ErrUnsupportedAsset
	}
	balance, err := e.loadCollateral(user, token)
	if err != nil {
		return err
	}
	if err := e.state.PutCollateral(user, token, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	ok, err := e.collateral.TransferFrom(token, user, e.moduleAddress, amount)
	if err != nil || !ok {
		if restoreErr := e.state.PutCollateral(user, token, balance); restoreErr != nil {
			return restoreErr
		}
		return ErrTransferFailed
	}
	e.emit(events.CollateralDeposited{User: user, Token: token, Amount: amount})
	return nil
}

func (e *Engine) mintSynth(user common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	debt, err := e.loadDebt(user)
	if err != nil {
		return err
	}
	if err := e.state.PutDebt(user, new(big.Int).Add(debt, amount)); err != nil {
		return err
	}
	if err := e.requireHealthy(user); err != nil {
		if restoreErr := e.state.PutDebt(user, debt); restoreErr != nil {
			return restoreErr
		}
		return err
	}
	ok, err := e.synth.Mint(user, amount)
	if err != nil || !ok {
		if restoreErr := e.state.PutDebt(user, debt); restoreErr != nil {
			return restoreErr
		}
		return ErrMintFailed
	}
	e.emit(events.SynthMinted{User: user, Amount: amount})
	return nil
}

// redeemCollateral moves amount of owner's deposited token to the recipient.
// The solvency gate is skipped when unwinding a failed composed operation.
func (e *Engine) redeemCollateral(owner, to, token common.Address, amount *big.Int, enforceHealth bool) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, ok := e.feeds[token]; !ok {
		return ErrUnsupportedAsset
	}
	balance, err := e.loadCollateral(owner, token)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	if err := e.state.PutCollateral(owner, token, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	if enforceHealth {
		if err := e.requireHealthy(owner); err != nil {
			if restoreErr := e.state.PutCollateral(owner, token, balance); restoreErr != nil {
				return restoreErr
			}
			return err
		}
	}
	ok, err := e.collateral.Transfer(token, to, amount)
	if err != nil || !ok {
		if restoreErr := e.state.PutCollateral(owner, token, balance); restoreErr != nil {
			return restoreErr
		}
		return ErrTransferFailed
	}
	e.emit(events.CollateralRedeemed{From: owner, To: to, Token: token, Amount: amount})
	return nil
}

// burnSynth retires amount of onBehalf's debt, pulling the tokens from payer.
func (e *Engine) burnSynth(onBehalf, payer common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	debt, err := e.loadDebt(onBehalf)
	if err != nil {
		return err
	}
	if debt.Cmp(amount) < 0 {
		return ErrInsufficientDebt
	}
	if err := e.state.PutDebt(onBehalf, new(big.Int).Sub(debt, amount)); err != nil {
		return err
	}
	ok, err := e.synth.TransferFrom(payer, e.moduleAddress, amount)
	if err != nil || !ok {
		if restoreErr := e.state.PutDebt(onBehalf, debt); restoreErr != nil {
			return restoreErr
		}
		return ErrTransferFailed
	}
	if err := e.synth.Burn(amount); err != nil {
		_, _ = e.synth.TransferFrom(e.moduleAddress, payer, amount)
		if restoreErr := e.state.PutDebt(onBehalf, debt); restoreErr != nil {
			return restoreErr
		}
		return ErrTransferFailed
	}
	// A burn never worsens solvency, but a position that entered the call
	// underwater can still end below the minimum. Failing the check unwinds
	// the burn like any other fault: the debt comes back and the payer is
	// made whole.
	if err := e.requireHealthy(onBehalf); err != nil {
		if ok, mintErr := e.synth.Mint(payer, amount); mintErr != nil || !ok {
			return ErrMintFailed
		}
		if restoreErr := e.state.PutDebt(onBehalf, debt); restoreErr != nil {
			return restoreErr
		}
		return err
	}
	e.emit(events.SynthBurned{User: onBehalf, Amount: amount})
	return nil
}

// restoreDebt re-establishes a previously burned debt position, minting the
// synthetic tokens back to the payer. Used only to unwind composed operations.
func (e *Engine) restoreDebt(onBehalf, payer common.Address, amount *big.Int) error {
	debt, err := e.loadDebt(onBehalf)
	if err != nil {
		return err
	}
	if err := e.state.PutDebt(onBehalf, new(big.Int).Add(debt, amount)); err != nil {
		return err
	}
	ok, err := e.synth.Mint(payer, amount)
	if err != nil || !ok {
		return ErrMintFailed
	}
	return nil
}

func (e *Engine) requireHealthy(user common.Address) error {
	health, err := e.healthFactor(user)
	if err != nil {
		return err
	}
	if health.Cmp(MinHealthFactor) < 0 {
		return &HealthFactorError{HealthFactor: health}
	}
	return nil
}

func (e *Engine) loadCollateral(user, token common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amount, err := e.state.GetCollateral(user, token)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(amount), nil
}

func (e *Engine) loadDebt(user common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amount, err := e.state.GetDebt(user)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(amount), nil
}

// emit buffers the event until the surrounding operation commits. Buffered
// events are dropped when the operation fails, so the stream only ever
// describes state that was actually persisted.
func (e *Engine) emit(evt interface{ Event() *events.Event }) {
	if e == nil || e.events == nil {
		return
	}
	e.pending = append(e.pending, evt.Event())
}

// flushEvents delivers the buffered events when the operation succeeded and
// discards them otherwise. Called while the critical section is still held.
func (e *Engine) flushEvents(opErr error) {
	if e == nil {
		return
	}
	pending := e.pending
	e.pending = nil
	if opErr != nil || e.events == nil {
		return
	}
	for _, evt := range pending {
		e.events.Emit(evt)
	}
}

// AccountInformation returns the derived totals backing the health factor.
func (e *Engine) AccountInformation(user common.Address) (AccountSnapshot, error) {
	if e == nil || e.state == nil {
		return AccountSnapshot{}, errNilState
	}
	return e.accountSnapshot(user)
}

// AccountCollateralValue sums the USD value of every deposited collateral
// token for the user.
func (e *Engine) AccountCollateralValue(user common.Address) (*big.Int, error) {
	snap, err := e.AccountInformation(user)
	if err != nil {
		return nil, err
	}
	return snap.CollateralValueUsd, nil
}

// HealthFactor reports the user's solvency margin in 18-decimal fixed point.
// Debt-free positions report the maximally healthy sentinel.
func (e *Engine) HealthFactor(user common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.healthFactor(user)
}

// CollateralBalanceOf returns the deposited amount for (user, token).
func (e *Engine) CollateralBalanceOf(user, token common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadCollateral(user, token)
}

// CollateralTokens returns the configured collateral set in registration order.
func (e *Engine) CollateralTokens() []common.Address {
	if e == nil {
		return nil
	}
	return append([]common.Address(nil), e.tokens...)
}

// CollateralConfigs returns the token/feed pairings in registration order.
func (e *Engine) CollateralConfigs() []CollateralConfig {
	if e == nil {
		return nil
	}
	configs := make([]CollateralConfig, 0, len(e.tokens))
	for _, token := range e.tokens {
		configs = append(configs, CollateralConfig{Token: token, Feed: e.feeds[token]})
	}
	return configs
}

// CollateralFeed resolves the price feed configured for the token.
func (e *Engine) CollateralFeed(token common.Address) (common.Address, error) {
	if e == nil {
		return common.Address{}, ErrUnsupportedAsset
	}
	feed, ok := e.feeds[token]
	if !ok {
		return common.Address{}, ErrUnsupportedAsset
	}
	return feed, nil
}

func (e *Engine) accountSnapshot(user common.Address) (AccountSnapshot, error) {
	debt, err := e.loadDebt(user)
	if err != nil {
		return AccountSnapshot{}, err
	}
	total := big.NewInt(0)
	for _, token := range e.tokens {
		balance, err := e.loadCollateral(user, token)
		if err != nil {
			return AccountSnapshot{}, err
		}
		if balance.Sign() == 0 {
			continue
		}
		value, err := e.usdValue(token, balance)
		if err != nil {
			return AccountSnapshot{}, err
		}
		total.Add(total, value)
	}
	return AccountSnapshot{TotalDebt: debt, CollateralValueUsd: total}, nil
}
