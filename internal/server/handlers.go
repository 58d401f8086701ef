package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"marginledger/internal/collateral"
	"marginledger/internal/liquidation"
	"marginledger/internal/margin"
	"marginledger/internal/wad"
)

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/collateral", s.handleListCollateral},
		{"POST", "/v1/collateral", s.handleAddCollateral},
		{"POST", "/v1/collateral/weight", s.handleChangeWeight},
		{"POST", "/v1/collateral/cap", s.handleChangeCap},

		{"POST", "/v1/deposits", s.handleDeposit},
		{"POST", "/v1/withdrawals", s.handleWithdraw},
		{"POST", "/v1/withdrawals/all", s.handleWithdrawAll},
		{"POST", "/v1/withdrawals/delegated", s.handleWithdrawFor},

		{"POST", "/v1/allowances/increase", s.handleIncreaseAllowance},
		{"POST", "/v1/allowances/decrease", s.handleDecreaseAllowance},
		{"GET", "/v1/allowances/{owner}/{spender}/{symbol}", s.handleGetAllowance},

		{"POST", "/v1/pnl", s.handleSettlePnL},

		{"POST", "/v1/liquidations/trader", s.handleLiquidateTrader},
		{"POST", "/v1/liquidations/lp", s.handleLiquidateLp},
		{"GET", "/v1/seizures/{account}", s.handleCanSeize},
		{"POST", "/v1/seizures", s.handleSeize},

		{"GET", "/v1/insurance", s.handleInsuranceState},
		{"POST", "/v1/insurance/fund", s.handleFundInsurance},

		{"GET", "/v1/accounts/{account}/balances/{symbol}", s.handleGetBalance},
		{"GET", "/v1/accounts/{account}/reserve", s.handleReserveValue},
		{"GET", "/v1/accounts/{account}/margin", s.handleMarginRatio},
		{"GET", "/v1/accounts/{account}/free-collateral", s.handleFreeCollateral},
		{"GET", "/v1/accounts/{account}/exposure-check", s.handleExposureCheck},
		{"GET", "/v1/tvl", s.handleTVL},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.handler); err != nil {
			return fmt.Errorf("route %s %s: %w", rt.method, rt.path, err)
		}
	}
	return nil
}

// --- request parsing ---

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

// parseWad parses a human decimal string ("0.25") into a wad.
func parseWad(field, s string) (*big.Int, error) {
	w, err := wad.ParseDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return w, nil
}

// parseNative parses a raw token amount in the asset's own decimals.
func parseNative(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: not a base-10 integer", field)
	}
	return n, nil
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "BAD_REQUEST"})
}

// --- governance ---

type addCollateralRequest struct {
	Caller    string `json:"caller"`
	Symbol    string `json:"symbol"`
	Decimals  uint8  `json:"decimals"`
	Weight    string `json:"weight"`
	MaxAmount string `json:"max_amount"`
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req addCollateralRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, err := parseID("caller", req.Caller)
	if err != nil {
		badRequest(w, err)
		return
	}
	weight, err := parseWad("weight", req.Weight)
	if err != nil {
		badRequest(w, err)
		return
	}
	maxAmount, err := parseWad("max_amount", req.MaxAmount)
	if err != nil {
		badRequest(w, err)
		return
	}
	asset := collateral.Asset{Symbol: req.Symbol, Decimals: req.Decimals}
	if err := s.engine.AddWhiteListedCollateral(caller, asset, weight, maxAmount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"symbol": req.Symbol})
}

type changeWeightRequest struct {
	Caller string `json:"caller"`
	Symbol string `json:"symbol"`
	Weight string `json:"weight"`
}

func (s *Server) handleChangeWeight(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req changeWeightRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, err := parseID("caller", req.Caller)
	if err != nil {
		badRequest(w, err)
		return
	}
	weight, err := parseWad("weight", req.Weight)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.engine.ChangeCollateralWeight(caller, req.Symbol, weight); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": req.Symbol, "weight": wad.String(weight)})
}

type changeCapRequest struct {
	Caller    string `json:"caller"`
	Symbol    string `json:"symbol"`
	MaxAmount string `json:"max_amount"`
}

func (s *Server) handleChangeCap(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req changeCapRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, err := parseID("caller", req.Caller)
	if err != nil {
		badRequest(w, err)
		return
	}
	maxAmount, err := parseWad("max_amount", req.MaxAmount)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.engine.ChangeCollateralMaxAmount(caller, req.Symbol, maxAmount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": req.Symbol, "max_amount": wad.String(maxAmount)})
}

type collateralView struct {
	Index     int    `json:"index"`
	Symbol    string `json:"symbol"`
	Decimals  uint8  `json:"decimals"`
	Weight    string `json:"weight"`
	MaxAmount string `json:"max_amount"`
	Total     string `json:"total"`
}

func (s *Server) handleListCollateral(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	infos := s.engine.ListCollateral()
	out := make([]collateralView, 0, len(infos))
	for _, c := range infos {
		out = append(out, collateralView{
			Index:     c.Index,
			Symbol:    c.Symbol,
			Decimals:  c.Decimals,
			Weight:    wad.String(c.Weight),
			MaxAmount: wad.String(c.MaxAmount),
			Total:     wad.String(c.Total),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"collateral": out})
}

// --- funds movement ---

type depositRequest struct {
	Payer       string `json:"payer"`
	Beneficiary string `json:"beneficiary"`
	Symbol      string `json:"symbol"`
	Amount      string `json:"amount"` // native token units
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	payer, err := parseID("payer", req.Payer)
	if err != nil {
		badRequest(w, err)
		return
	}
	beneficiary, err := parseID("beneficiary", req.Beneficiary)
	if err != nil {
		badRequest(w, err)
		return
	}
	amount, err := parseNative("amount", req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.settlement.Deposit(payer, beneficiary, amount, req.Symbol); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

type withdrawRequest struct {
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"` // native token units
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req withdrawRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	account, err := parseID("account", req.Account)
	if err != nil {
		badRequest(w, err)
		return
	}
	amount, err := parseNative("amount", req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.engine.Withdraw(account, amount, req.Symbol); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

type withdrawAllRequest struct {
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
}

func (s *Server) handleWithdrawAll(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req withdrawAllRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	account, err := parseID("account", req.Account)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.engine.WithdrawAll(account, req.Symbol); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

type withdrawForRequest struct {
	Spender string `json:"spender"`
	Owner   string `json:"owner"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"` // native token units
}

func (s *Server) handleWithdrawFor(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req withdrawForRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	spender, err := parseID("spender", req.Spender)
	if err != nil {
		badRequest(w, err)
		return
	}
	owner, err := parseID("owner", req.Owner)
	if err != nil {
		badRequest(w, err)
		return
	}
	amount, err := parseNative("amount", req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.engine.WithdrawFor(spender, owner, amount, req.Symbol); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

// --- allowances ---

type allowanceRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"` // internal 18-decimal units as decimal string
}

func (s *Server) handleIncreaseAllowance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleAllowance(w, r, s.engine.IncreaseAllowance)
}

func (s *Server) handleDecreaseAllowance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleAllowance(w, r, s.engine.DecreaseAllowance)
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request, apply func(owner, spender uuid.UUID, amount *big.Int, symbol string) error) {
	var req allowanceRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	owner, err := parseID("owner", req.Owner)
	if err != nil {
		badRequest(w, err)
		return
	}
	spender, err := parseID("spender", req.Spender)
	if err != nil {
		badRequest(w, err)
		return
	}
	amount, err := parseWad("amount", req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := apply(owner, spender, amount, req.Symbol); err != nil {
		writeError(w, err)
		return
	}
	remaining, err := s.engine.GetAllowance(owner, spender, req.Symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"allowance": wad.String(remaining)})
}

func (s *Server) handleGetAllowance(w http.ResponseWriter, _ *http.Request, pathParams map[string]string) {
	owner, err := parseID("owner", pathParams["owner"])
	if err != nil {
		badRequest(w, err)
		return
	}
	spender, err := parseID("spender", pathParams["spender"])
	if err != nil {
		badRequest(w, err)
		return
	}
	allowance, err := s.engine.GetAllowance(owner, spender, pathParams["symbol"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"allowance": wad.String(allowance)})
}

// --- settlement ---

type settlePnLRequest struct {
	Account string `json:"account"`
	Delta   string `json:"delta"` // signed decimal string
}

func (s *Server) handleSettlePnL(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req settlePnLRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	account, err := parseID("account", req.Account)
	if err != nil {
		badRequest(w, err)
		return
	}
	delta, err := parseWad("delta", req.Delta)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.settlement.SettlePnL(account, delta); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

// --- liquidation & seizure ---

type liquidateRequest struct {
	Liquidator     string `json:"liquidator"`
	Account        string `json:"account"`
	MarketID       string `json:"market_id"`
	ProposedAmount string `json:"proposed_amount"`
	MinAmount      string `json:"min_amount"`
}

type liquidateResponse struct {
	Market           string `json:"market"`
	Kind             string `json:"kind"`
	ClosedNotional   string `json:"closed_notional"`
	ClosedSize       string `json:"closed_size"`
	RealizedPnL      string `json:"realized_pnl"`
	Reward           string `json:"reward"`
	LiquidatorReward string `json:"liquidator_reward"`
	InsuranceReward  string `json:"insurance_reward"`
}

func (s *Server) handleLiquidateTrader(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleLiquidate(w, r, s.engine.LiquidateTrader)
}

func (s *Server) handleLiquidateLp(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.handleLiquidate(w, r, s.engine.LiquidateLp)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request, apply func(liquidator, account uuid.UUID, marketID string, proposedAmount, minOut *big.Int) (*liquidation.Result, error)) {
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	liquidator, err := parseID("liquidator", req.Liquidator)
	if err != nil {
		badRequest(w, err)
		return
	}
	account, err := parseID("account", req.Account)
	if err != nil {
		badRequest(w, err)
		return
	}
	proposed, err := parseWad("proposed_amount", req.ProposedAmount)
	if err != nil {
		badRequest(w, err)
		return
	}
	minOut := new(big.Int)
	if req.MinAmount != "" {
		if minOut, err = parseWad("min_amount", req.MinAmount); err != nil {
			badRequest(w, err)
			return
		}
	}
	res, err := apply(liquidator, account, req.MarketID, proposed, minOut)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidateResponse{
		Market:           res.Market,
		Kind:             res.Kind.String(),
		ClosedNotional:   wad.String(res.ClosedNotional),
		ClosedSize:       wad.String(res.ClosedSize),
		RealizedPnL:      wad.String(res.RealizedPnL),
		Reward:           wad.String(res.Reward),
		LiquidatorReward: wad.String(res.LiquidatorReward),
		InsuranceReward:  wad.String(res.InsuranceReward),
	})
}

func (s *Server) handleCanSeize(w http.ResponseWriter, _ *http.Request, pathParams map[string]string) {
	account, err := parseID("account", pathParams["account"])
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.engine.CanSeizeCollateral(account); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"seizable": false, "reason": errorCode(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seizable": true})
}

type seizeRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
}

type seizedLotView struct {
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
	Payment string `json:"payment"`
}

func (s *Server) handleSeize(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req seizeRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, err := parseID("caller", req.Caller)
	if err != nil {
		badRequest(w, err)
		return
	}
	account, err := parseID("account", req.Account)
	if err != nil {
		badRequest(w, err)
		return
	}
	res, err := s.engine.SeizeCollateral(caller, account)
	if err != nil {
		writeError(w, err)
		return
	}
	lots := make([]seizedLotView, 0, len(res.Seized))
	for _, lot := range res.Seized {
		lots = append(lots, seizedLotView{
			Symbol:  lot.Symbol,
			Amount:  wad.String(lot.Amount),
			Payment: wad.String(lot.Payment),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seized":   lots,
		"proceeds": wad.String(res.Proceeds),
		"bad_debt": wad.String(res.BadDebt),
	})
}

// --- insurance ---

func (s *Server) handleInsuranceState(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	balance, badDebt := s.engine.InsuranceState()
	writeJSON(w, http.StatusOK, map[string]string{
		"balance":         wad.String(balance),
		"system_bad_debt": wad.String(badDebt),
	})
}

type fundInsuranceRequest struct {
	Funder string `json:"funder"`
	Amount string `json:"amount"`
}

func (s *Server) handleFundInsurance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req fundInsuranceRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	funder, err := parseID("funder", req.Funder)
	if err != nil {
		badRequest(w, err)
		return
	}
	amount, err := parseWad("amount", req.Amount)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.engine.FundInsurance(funder, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "funded"})
}

// --- account views ---

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, pathParams map[string]string) {
	account, err := parseID("account", pathParams["account"])
	if err != nil {
		badRequest(w, err)
		return
	}
	balance, err := s.engine.GetBalance(account, pathParams["symbol"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": wad.String(balance)})
}

func (s *Server) handleReserveValue(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, err := parseID("account", pathParams["account"])
	if err != nil {
		badRequest(w, err)
		return
	}
	discounted := r.URL.Query().Get("discounted") == "true"
	value, err := s.engine.GetReserveValue(account, discounted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reserve_value": wad.String(value),
		"discounted":    discounted,
	})
}

func (s *Server) handleMarginRatio(w http.ResponseWriter, _ *http.Request, pathParams map[string]string) {
	account, err := parseID("account", pathParams["account"])
	if err != nil {
		badRequest(w, err)
		return
	}
	ratio, hasExposure, err := s.engine.MarginRatio(account)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"has_exposure": hasExposure}
	if hasExposure {
		resp["margin_ratio"] = wad.String(ratio)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFreeCollateral(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, err := parseID("account", pathParams["account"])
	if err != nil {
		badRequest(w, err)
		return
	}
	ratioStr := r.URL.Query().Get("ratio")
	if ratioStr == "" {
		badRequest(w, fmt.Errorf("missing ratio query parameter"))
		return
	}
	ratio, err := parseWad("ratio", ratioStr)
	if err != nil {
		badRequest(w, err)
		return
	}
	free, err := s.engine.GetFreeCollateralByRatio(account, ratio)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"free_collateral": wad.String(free)})
}

// handleExposureCheck reports whether the account clears the stricter
// at-creation margin floor, for venues deciding whether to open a
// position.
func (s *Server) handleExposureCheck(w http.ResponseWriter, _ *http.Request, pathParams map[string]string) {
	account, err := parseID("account", pathParams["account"])
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.engine.CheckNewExposure(account); err != nil {
		if errors.Is(err, margin.ErrBelowMinMargin) {
			writeJSON(w, http.StatusOK, map[string]any{"can_open": false})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"can_open": true})
}

func (s *Server) handleTVL(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	tvl, err := s.engine.GetTotalValueLocked()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"total_value_locked": wad.String(tvl)})
}
