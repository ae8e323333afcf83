package server

import (
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"log/slog"

	"stablemint/observability"
	"stablemint/observability/logging"
)

type depositRequest struct {
	User   string `json:"user"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type synthRequest struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

type positionRequest struct {
	User             string `json:"user"`
	Token            string `json:"token"`
	CollateralAmount string `json:"collateral_amount"`
	SynthAmount      string `json:"synth_amount"`
}

type liquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	User        string `json:"user"`
	Token       string `json:"token"`
	DebtToCover string `json:"debt_to_cover"`
}

type approveRequest struct {
	Owner  string `json:"owner"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type oraclePriceRequest struct {
	Feed  string `json:"feed"`
	Price string `json:"price"`
}

type operationResponse struct {
	Reference    string `json:"reference"`
	HealthFactor string `json:"health_factor,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	user, token, amount, err := parsePosition(req.User, req.Token, req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	opErr := s.engine.DepositCollateral(user, token, amount)
	s.observe("deposit", start, opErr)
	if opErr != nil {
		writeEngineError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, s.operationResult(user))
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	user, token, amount, err := parsePosition(req.User, req.Token, req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	opErr := s.engine.RedeemCollateral(user, token, amount)
	s.observe("redeem", start, opErr)
	if opErr != nil {
		writeEngineError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, s.operationResult(user))
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req synthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	opErr := s.engine.Mint(user, amount)
	s.observe("mint", start, opErr)
	if opErr != nil {
		writeEngineError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, s.operationResult(user))
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req synthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	opErr := s.engine.Burn(user, amount)
	s.observe("burn", start, opErr)
	if opErr != nil {
		writeEngineError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, s.operationResult(user))
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	user, token, collateralAmount, err := parsePosition(req.User, req.Token, req.CollateralAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	synthAmount, err := parseAmount("synth_amount", req.SynthAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	opErr := s.engine.DepositCollateralAndMint(user, token, collateralAmount, synthAmount)
	s.observe("open_position", start, opErr)
	if opErr != nil {
		writeEngineError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, s.operationResult(user))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	user, token, collateralAmount, err := parsePosition(req.User, req.Token, req.CollateralAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	synthAmount, err := parseAmount("synth_amount", req.SynthAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	opErr := s.engine.RedeemCollateralForSynth(user, token, collateralAmount, synthAmount)
	s.observe("close_position", start, opErr)
	if opErr != nil {
		writeEngineError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, s.operationResult(user))
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	liquidator, err := parseAddress("liquidator", req.Liquidator)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	user, token, debtToCover, err := parsePosition(req.User, req.Token, req.DebtToCover)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	seized, opErr := s.engine.Liquidate(liquidator, user, token, debtToCover)
	s.observe("liquidate", start, opErr)
	if opErr != nil {
		writeEngineError(w, opErr)
		return
	}
	s.metrics.RecordLiquidation()
	health, _ := s.engine.HealthFactor(user)
	writeJSON(w, http.StatusOK, map[string]string{
		"reference":         uuid.New().String(),
		"collateral_seized": seized.String(),
		"health_factor":     bigString(health),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	tokenAddr, err := parseAddress("token", req.Token)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	// Zero revokes, so the positive-amount rule is relaxed here.
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() < 0 {
		writeBadRequest(w, fmt.Errorf("amount must be a non-negative integer"))
		return
	}
	if err := s.ledger.Approve(tokenAddr, owner, s.module, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"reference": uuid.New().String(),
		"owner":     owner.Hex(),
		"token":     tokenAddr.Hex(),
		"spender":   s.module.Hex(),
		"allowance": amount.String(),
	})
}

type collateralBalance struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type accountResponse struct {
	User               string              `json:"user"`
	TotalDebt          string              `json:"total_debt"`
	CollateralValueUsd string              `json:"collateral_value_usd"`
	HealthFactor       string              `json:"health_factor"`
	SynthBalance       string              `json:"synth_balance"`
	Collateral         []collateralBalance `json:"collateral"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	snap, err := s.engine.AccountInformation(user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	health, err := s.engine.HealthFactor(user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	synthBalance, err := s.ledger.BalanceOf(s.synth, user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := accountResponse{
		User:               user.Hex(),
		TotalDebt:          bigString(snap.TotalDebt),
		CollateralValueUsd: bigString(snap.CollateralValueUsd),
		HealthFactor:       bigString(health),
		SynthBalance:       bigString(synthBalance),
	}
	for _, tokenAddr := range s.engine.CollateralTokens() {
		balance, err := s.engine.CollateralBalanceOf(user, tokenAddr)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp.Collateral = append(resp.Collateral, collateralBalance{
			Token:  tokenAddr.Hex(),
			Amount: bigString(balance),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCollateralTokens(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		Token string `json:"token"`
		Feed  string `json:"feed"`
	}
	entries := []entry{}
	for _, cfg := range s.engine.CollateralConfigs() {
		entries = append(entries, entry{Token: cfg.Token.Hex(), Feed: cfg.Feed.Hex()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": entries})
}

func (s *Server) handleUsdValue(w http.ResponseWriter, r *http.Request) {
	tokenAddr, err := parseAddress("token", r.URL.Query().Get("token"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	value, err := s.engine.UsdValue(tokenAddr, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"usd_value": value.String()})
}

func (s *Server) handleTokenAmount(w http.ResponseWriter, r *http.Request) {
	tokenAddr, err := parseAddress("token", r.URL.Query().Get("token"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	usd, err := parseAmount("usd", r.URL.Query().Get("usd"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := s.engine.TokenAmountFromUsd(tokenAddr, usd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token_amount": amount.String()})
}

func (s *Server) handleOraclePrice(w http.ResponseWriter, r *http.Request) {
	var req oraclePriceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	feed, err := parseAddress("feed", req.Feed)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	price, ok := new(big.Int).SetString(req.Price, 10)
	if !ok {
		writeBadRequest(w, fmt.Errorf("price must be a decimal integer"))
		return
	}
	round, err := s.prices.SetPrice(feed, price)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	observability.Oracle().RecordUpdate(feed.Hex(), round.RoundID)
	s.logger.Info("price posted",
		slog.String("feed", feed.Hex()),
		slog.Uint64("round", round.RoundID),
		logging.MaskField("client", clientID(r)))
	writeJSON(w, http.StatusOK, map[string]any{
		"feed":       feed.Hex(),
		"round_id":   round.RoundID,
		"price":      round.Price.String(),
		"updated_at": round.UpdatedAt.Format(time.RFC3339),
	})
}

// operationResult builds the standard success body for mutating operations,
// refreshing the caller's health factor.
func (s *Server) operationResult(user common.Address) operationResponse {
	resp := operationResponse{Reference: uuid.New().String()}
	if health, err := s.engine.HealthFactor(user); err == nil {
		resp.HealthFactor = bigString(health)
	}
	return resp
}

func parsePosition(rawUser, rawToken, rawAmount string) (common.Address, common.Address, *big.Int, error) {
	user, err := parseAddress("user", rawUser)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	tokenAddr, err := parseAddress("token", rawToken)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	amount, err := parseAmount("amount", rawAmount)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	return user, tokenAddr, amount, nil
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(value), nil
}

func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%s must be a positive decimal integer", field)
	}
	return amount, nil
}

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
