package cdp

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stablemint/core/events"
	nativecommon "stablemint/native/common"
)

func makeAddress(last byte) common.Address {
	var addr common.Address
	addr[19] = last
	return addr
}

type stubOracle struct {
	prices map[common.Address]*big.Int
	rounds map[common.Address]uint64
}

func newStubOracle() *stubOracle {
	return &stubOracle{
		prices: make(map[common.Address]*big.Int),
		rounds: make(map[common.Address]uint64),
	}
}

func (o *stubOracle) setPrice(feed common.Address, price *big.Int) {
	o.rounds[feed]++
	o.prices[feed] = new(big.Int).Set(price)
}

func (o *stubOracle) LatestRoundData(feed common.Address) (RoundData, error) {
	price, ok := o.prices[feed]
	if !ok {
		return RoundData{}, errors.New("stub oracle: unknown feed")
	}
	return RoundData{
		RoundID:   o.rounds[feed],
		Price:     new(big.Int).Set(price),
		UpdatedAt: time.Unix(1_700_000_000, 0),
	}, nil
}

type bankTransfer struct {
	token  common.Address
	from   common.Address
	to     common.Address
	amount *big.Int
}

type stubBank struct {
	transfers        []bankTransfer
	failTransferFrom bool
	failTransfer     bool
	onTransferFrom   func()
}

func (b *stubBank) TransferFrom(token, from, to common.Address, amount *big.Int) (bool, error) {
	if b.onTransferFrom != nil {
		b.onTransferFrom()
	}
	if b.failTransferFrom {
		return false, nil
	}
	b.transfers = append(b.transfers, bankTransfer{token: token, from: from, to: to, amount: new(big.Int).Set(amount)})
	return true, nil
}

func (b *stubBank) Transfer(token, to common.Address, amount *big.Int) (bool, error) {
	if b.failTransfer {
		return false, nil
	}
	b.transfers = append(b.transfers, bankTransfer{token: token, to: to, amount: new(big.Int).Set(amount)})
	return true, nil
}

type synthMove struct {
	from   common.Address
	to     common.Address
	amount *big.Int
}

type stubSynth struct {
	minted           map[common.Address]*big.Int
	burned           *big.Int
	pulls            []synthMove
	failMint         bool
	failBurn         bool
	failTransferFrom bool
}

func newStubSynth() *stubSynth {
	return &stubSynth{minted: make(map[common.Address]*big.Int), burned: big.NewInt(0)}
}

func (s *stubSynth) Mint(to common.Address, amount *big.Int) (bool, error) {
	if s.failMint {
		return false, nil
	}
	prev := s.minted[to]
	if prev == nil {
		prev = big.NewInt(0)
	}
	s.minted[to] = new(big.Int).Add(prev, amount)
	return true, nil
}

func (s *stubSynth) Burn(amount *big.Int) error {
	if s.failBurn {
		return errors.New("stub synth: burn failed")
	}
	s.burned = new(big.Int).Add(s.burned, amount)
	return nil
}

func (s *stubSynth) TransferFrom(from, to common.Address, amount *big.Int) (bool, error) {
	if s.failTransferFrom {
		return false, nil
	}
	s.pulls = append(s.pulls, synthMove{from: from, to: to, amount: new(big.Int).Set(amount)})
	return true, nil
}

type testEnv struct {
	engine   *Engine
	state    *MemoryState
	oracle   *stubOracle
	bank     *stubBank
	synth    *stubSynth
	module   common.Address
	user     common.Address
	weth     common.Address
	wethFeed common.Address
}

// newTestEngine wires a single-collateral engine with WETH quoted at $2000.
func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		module:   makeAddress(0x01),
		user:     makeAddress(0x20),
		weth:     makeAddress(0x10),
		wethFeed: makeAddress(0x11),
	}
	engine, err := NewEngine(env.module, []common.Address{env.weth}, []common.Address{env.wethFeed})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.engine = engine
	env.state = NewMemoryState()
	env.oracle = newStubOracle()
	env.oracle.setPrice(env.wethFeed, amt("200000000000")) // $2000.00000000
	env.bank = &stubBank{}
	env.synth = newStubSynth()
	engine.SetState(env.state)
	engine.SetOracle(env.oracle)
	engine.SetCollateralBackend(env.bank)
	engine.SetSyntheticLedger(env.synth)
	return env
}

func amt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid amount literal: " + value)
	}
	return v
}

func TestNewEngineConfigMismatch(t *testing.T) {
	tokens := []common.Address{makeAddress(0x10), makeAddress(0x12)}
	feeds := []common.Address{makeAddress(0x11)}
	if _, err := NewEngine(makeAddress(0x01), tokens, feeds); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected config mismatch, got %v", err)
	}
}

func TestDepositCollateralValuesAccount(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	value, err := env.engine.AccountCollateralValue(env.user)
	if err != nil {
		t.Fatalf("collateral value: %v", err)
	}
	if value.Cmp(amt("20000000000000000000000")) != 0 {
		t.Fatalf("unexpected collateral value: %s", value)
	}

	balance, err := env.engine.CollateralBalanceOf(env.user, env.weth)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(amt("10000000000000000000")) != 0 {
		t.Fatalf("unexpected collateral balance: %s", balance)
	}

	if len(env.bank.transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(env.bank.transfers))
	}
	moved := env.bank.transfers[0]
	if moved.from != env.user || moved.to != env.module {
		t.Fatalf("transfer routed %s -> %s", moved.from.Hex(), moved.to.Hex())
	}
}

func TestDepositRejectsUnsupportedToken(t *testing.T) {
	env := newTestEngine(t)
	err := env.engine.DepositCollateral(env.user, makeAddress(0xEE), big.NewInt(1))
	if !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected unsupported asset, got %v", err)
	}
}

func TestMintAtExactBoundary(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// $20000 of collateral supports exactly $10000 of debt at the 50%
	// threshold.
	if err := env.engine.Mint(env.user, amt("10000000000000000000000")); err != nil {
		t.Fatalf("mint at boundary: %v", err)
	}
	health, err := env.engine.HealthFactor(env.user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if health.Cmp(MinHealthFactor) != 0 {
		t.Fatalf("expected health factor exactly at minimum, got %s", health)
	}
	if env.synth.minted[env.user].Cmp(amt("10000000000000000000000")) != 0 {
		t.Fatalf("unexpected minted amount: %s", env.synth.minted[env.user])
	}

	// One more wei of debt tips the position below the floor.
	err = env.engine.Mint(env.user, big.NewInt(1))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected broken health factor, got %v", err)
	}
	var hfErr *HealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("expected HealthFactorError, got %T", err)
	}
	if hfErr.HealthFactor.Cmp(amt("999999999999999999")) != 0 {
		t.Fatalf("unexpected reported health factor: %s", hfErr.HealthFactor)
	}

	debt, err := env.state.GetDebt(env.user)
	if err != nil {
		t.Fatalf("get debt: %v", err)
	}
	if debt.Cmp(amt("10000000000000000000000")) != 0 {
		t.Fatalf("debt mutated by failed mint: %s", debt)
	}
}

func TestMintWithoutCollateralFails(t *testing.T) {
	env := newTestEngine(t)
	err := env.engine.Mint(env.user, big.NewInt(1))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected broken health factor, got %v", err)
	}
}

func TestRedeemMoreThanDeposited(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("1000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	err := env.engine.RedeemCollateral(env.user, env.weth, amt("2000000000000000000"))
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected insufficient collateral, got %v", err)
	}
	balance, _ := env.engine.CollateralBalanceOf(env.user, env.weth)
	if balance.Cmp(amt("1000000000000000000")) != 0 {
		t.Fatalf("balance mutated by failed redeem: %s", balance)
	}
}

func TestRedeemGuardedByHealthFactor(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Mint(env.user, amt("10000000000000000000000")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := env.engine.RedeemCollateral(env.user, env.weth, big.NewInt(1))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected broken health factor, got %v", err)
	}
	balance, _ := env.engine.CollateralBalanceOf(env.user, env.weth)
	if balance.Cmp(amt("10000000000000000000")) != 0 {
		t.Fatalf("balance mutated by rejected redeem: %s", balance)
	}
}

func TestRedeemTransfersOut(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.RedeemCollateral(env.user, env.weth, amt("4000000000000000000")); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	balance, _ := env.engine.CollateralBalanceOf(env.user, env.weth)
	if balance.Cmp(amt("6000000000000000000")) != 0 {
		t.Fatalf("unexpected remaining balance: %s", balance)
	}
	last := env.bank.transfers[len(env.bank.transfers)-1]
	if last.to != env.user || last.amount.Cmp(amt("4000000000000000000")) != 0 {
		t.Fatalf("unexpected payout: to=%s amount=%s", last.to.Hex(), last.amount)
	}
}

func TestBurnReducesDebtExactly(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Mint(env.user, amt("1000000000000000000000")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.engine.Burn(env.user, amt("400000000000000000000")); err != nil {
		t.Fatalf("burn: %v", err)
	}
	debt, _ := env.state.GetDebt(env.user)
	if debt.Cmp(amt("600000000000000000000")) != 0 {
		t.Fatalf("unexpected debt after burn: %s", debt)
	}
	if env.synth.burned.Cmp(amt("400000000000000000000")) != 0 {
		t.Fatalf("unexpected burned total: %s", env.synth.burned)
	}
	if len(env.synth.pulls) != 1 || env.synth.pulls[0].from != env.user || env.synth.pulls[0].to != env.module {
		t.Fatalf("synth pull not routed through the module account")
	}
}

func TestBurnExceedingDebt(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Mint(env.user, amt("100000000000000000000")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := env.engine.Burn(env.user, amt("100000000000000000001"))
	if !errors.Is(err, ErrInsufficientDebt) {
		t.Fatalf("expected insufficient debt, got %v", err)
	}
	debt, _ := env.state.GetDebt(env.user)
	if debt.Cmp(amt("100000000000000000000")) != 0 {
		t.Fatalf("debt mutated by failed burn: %s", debt)
	}
}

func TestBurnWhileStillUnderwaterUnwinds(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Mint(env.user, amt("10000000000000000000000")); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// A crash to $1000 halves the collateral value; even after retiring $1000
	// of debt the position stays below the floor, so the burn must be
	// rejected in full.
	env.oracle.setPrice(env.wethFeed, amt("100000000000"))
	err := env.engine.Burn(env.user, amt("1000000000000000000000"))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected broken health factor, got %v", err)
	}
	var hfErr *HealthFactorError
	if !errors.As(err, &hfErr) {
		t.Fatalf("expected HealthFactorError, got %T", err)
	}
	// 5000 of adjusted collateral against the 9000 of debt the burn would
	// have left behind.
	if hfErr.HealthFactor.Cmp(amt("555555555555555555")) != 0 {
		t.Fatalf("unexpected reported health factor: %s", hfErr.HealthFactor)
	}

	debt, _ := env.state.GetDebt(env.user)
	if debt.Cmp(amt("10000000000000000000000")) != 0 {
		t.Fatalf("debt mutated by rejected burn: %s", debt)
	}
	// The pulled and burned tokens were minted back, so the caller holds the
	// same amount as before the call.
	if env.synth.burned.Cmp(amt("1000000000000000000000")) != 0 {
		t.Fatalf("unexpected burned total: %s", env.synth.burned)
	}
	if env.synth.minted[env.user].Cmp(amt("11000000000000000000000")) != 0 {
		t.Fatalf("pulled tokens not restored to caller: %s", env.synth.minted[env.user])
	}
}

func TestBurnFullDebtWhileUnderwater(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Mint(env.user, amt("10000000000000000000000")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	env.oracle.setPrice(env.wethFeed, amt("100000000000"))

	// Retiring the whole debt is always allowed; the position ends debt-free.
	if err := env.engine.Burn(env.user, amt("10000000000000000000000")); err != nil {
		t.Fatalf("full burn: %v", err)
	}
	debt, _ := env.state.GetDebt(env.user)
	if debt.Sign() != 0 {
		t.Fatalf("debt remains after full burn: %s", debt)
	}
	health, err := env.engine.HealthFactor(env.user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if health.BitLen() != 256 {
		t.Fatalf("expected debt-free sentinel, got %s", health)
	}
}

func TestZeroAmountGuards(t *testing.T) {
	env := newTestEngine(t)
	zero := big.NewInt(0)
	cases := map[string]error{
		"deposit": env.engine.DepositCollateral(env.user, env.weth, zero),
		"mint":    env.engine.Mint(env.user, zero),
		"redeem":  env.engine.RedeemCollateral(env.user, env.weth, zero),
		"burn":    env.engine.Burn(env.user, zero),
	}
	if _, err := env.engine.Liquidate(makeAddress(0x99), env.user, env.weth, zero); err != nil {
		cases["liquidate"] = err
	}
	for name, err := range cases {
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%s: expected invalid amount, got %v", name, err)
		}
	}
}

func TestDepositAndMintUnwindsAtomically(t *testing.T) {
	env := newTestEngine(t)
	// $2000 of collateral supports at most $1000 of debt.
	err := env.engine.DepositCollateralAndMint(env.user, env.weth,
		amt("1000000000000000000"), amt("1500000000000000000000"))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected broken health factor, got %v", err)
	}
	balance, _ := env.engine.CollateralBalanceOf(env.user, env.weth)
	if balance.Sign() != 0 {
		t.Fatalf("deposit not unwound: %s", balance)
	}
	debt, _ := env.state.GetDebt(env.user)
	if debt.Sign() != 0 {
		t.Fatalf("debt not unwound: %s", debt)
	}
	// Transfer-in followed by the compensating transfer-out.
	if len(env.bank.transfers) != 2 {
		t.Fatalf("expected two transfers, got %d", len(env.bank.transfers))
	}
	if env.bank.transfers[1].to != env.user {
		t.Fatalf("unwind payout routed to %s", env.bank.transfers[1].to.Hex())
	}
}

func TestDepositAndMintSucceeds(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateralAndMint(env.user, env.weth,
		amt("10000000000000000000"), amt("5000000000000000000000")); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	debt, _ := env.state.GetDebt(env.user)
	if debt.Cmp(amt("5000000000000000000000")) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
}

func TestRedeemForBurn(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateralAndMint(env.user, env.weth,
		amt("10000000000000000000"), amt("10000000000000000000000")); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := env.engine.RedeemCollateralForSynth(env.user, env.weth,
		amt("2000000000000000000"), amt("4000000000000000000000")); err != nil {
		t.Fatalf("redeem for burn: %v", err)
	}
	debt, _ := env.state.GetDebt(env.user)
	if debt.Cmp(amt("6000000000000000000000")) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
	balance, _ := env.engine.CollateralBalanceOf(env.user, env.weth)
	if balance.Cmp(amt("8000000000000000000")) != 0 {
		t.Fatalf("unexpected collateral: %s", balance)
	}
}

func TestRedeemForBurnUnwindsFailedRedeem(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateralAndMint(env.user, env.weth,
		amt("10000000000000000000"), amt("10000000000000000000000")); err != nil {
		t.Fatalf("setup: %v", err)
	}
	// Burning $1000 leaves $9000 of debt; redeeming 9 WETH would leave only
	// $1000 of borrowing power behind it.
	err := env.engine.RedeemCollateralForSynth(env.user, env.weth,
		amt("9000000000000000000"), amt("1000000000000000000000"))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected broken health factor, got %v", err)
	}
	debt, _ := env.state.GetDebt(env.user)
	if debt.Cmp(amt("10000000000000000000000")) != 0 {
		t.Fatalf("burn not unwound: %s", debt)
	}
	balance, _ := env.engine.CollateralBalanceOf(env.user, env.weth)
	if balance.Cmp(amt("10000000000000000000")) != 0 {
		t.Fatalf("collateral mutated: %s", balance)
	}
}

func TestTransferFailureRollsBack(t *testing.T) {
	env := newTestEngine(t)
	env.bank.failTransferFrom = true
	err := env.engine.DepositCollateral(env.user, env.weth, amt("1000000000000000000"))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	balance, _ := env.engine.CollateralBalanceOf(env.user, env.weth)
	if balance.Sign() != 0 {
		t.Fatalf("position persisted despite failed transfer: %s", balance)
	}
}

func TestMintFailureRollsBack(t *testing.T) {
	env := newTestEngine(t)
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	env.synth.failMint = true
	err := env.engine.Mint(env.user, amt("1000000000000000000"))
	if !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected mint failure, got %v", err)
	}
	debt, _ := env.state.GetDebt(env.user)
	if debt.Sign() != 0 {
		t.Fatalf("debt persisted despite failed mint: %s", debt)
	}
}

func TestReentrantCallRejected(t *testing.T) {
	env := newTestEngine(t)
	var inner error
	env.bank.onTransferFrom = func() {
		inner = env.engine.Mint(env.user, big.NewInt(1))
	}
	if err := env.engine.DepositCollateral(env.user, env.weth, amt("1000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !errors.Is(inner, ErrReentrantCall) {
		t.Fatalf("expected reentrant call rejection, got %v", inner)
	}
}

func TestPausedModuleRejectsOperations(t *testing.T) {
	env := newTestEngine(t)
	env.engine.SetPauses(nativecommon.NewPauseSet([]string{"cdp"}))
	err := env.engine.DepositCollateral(env.user, env.weth, big.NewInt(1))
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected module paused, got %v", err)
	}
}

func TestEventsFollowCommittedOperations(t *testing.T) {
	env := newTestEngine(t)
	var emitted []*events.Event
	env.engine.SetEvents(events.EmitterFunc(func(evt *events.Event) {
		emitted = append(emitted, evt)
	}))

	if err := env.engine.DepositCollateral(env.user, env.weth, amt("10000000000000000000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if len(emitted) != 1 || emitted[0].Type != events.TypeCollateralDeposited {
		t.Fatalf("unexpected event stream after deposit: %+v", emitted)
	}

	emitted = nil
	if err := env.engine.DepositCollateralAndMint(env.user, env.weth,
		amt("1000000000000000000"), amt("1000000000000000000000")); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}
	if len(emitted) != 2 || emitted[0].Type != events.TypeCollateralDeposited || emitted[1].Type != events.TypeSynthMinted {
		t.Fatalf("unexpected event stream after composed operation: %+v", emitted)
	}

	// A composed operation that fails leaves no trace in the stream, not even
	// for the sub-operation that initially succeeded and was unwound.
	emitted = nil
	err := env.engine.DepositCollateralAndMint(env.user, env.weth,
		amt("1000000000000000000"), amt("12000000000000000000000"))
	if !errors.Is(err, ErrHealthFactorBroken) {
		t.Fatalf("expected broken health factor, got %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("failed operation emitted %d events", len(emitted))
	}
}

func TestCollateralQueries(t *testing.T) {
	env := newTestEngine(t)
	tokens := env.engine.CollateralTokens()
	if len(tokens) != 1 || tokens[0] != env.weth {
		t.Fatalf("unexpected collateral set: %v", tokens)
	}
	feed, err := env.engine.CollateralFeed(env.weth)
	if err != nil || feed != env.wethFeed {
		t.Fatalf("unexpected feed: %s err=%v", feed.Hex(), err)
	}
	if _, err := env.engine.CollateralFeed(makeAddress(0xEE)); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected unsupported asset, got %v", err)
	}
}
