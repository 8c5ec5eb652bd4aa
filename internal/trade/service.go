// Package trade provides the HTTP handlers for executing transactions,
// moving cash, and querying holdings, valuations, and chain history.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/broker"
	"github.com/atmx/portfolio-engine/internal/holding"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/portfolio"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

// Service exposes one portfolio over HTTP. Serialisation of transactions
// is the manager's job.
type Service struct {
	pm       *portfolio.Manager
	validate *validator.Validate
}

// NewService creates a new trade service.
func NewService(pm *portfolio.Manager) *Service {
	return &Service{
		pm:       pm,
		validate: validator.New(),
	}
}

// --- Request/Response types ---

// LegRequest is one leg of a transaction request. Symbols longer than 12
// characters are parsed as OCC option symbols.
type LegRequest struct {
	Symbol   string          `json:"symbol" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"` // positive = buy, negative = sell
	Price    decimal.Decimal `json:"price"`
}

// TransactionRequest is the JSON body for POST /transactions/{kind}.
type TransactionRequest struct {
	ID      string       `json:"id,omitempty"`
	ChainID int64        `json:"chainid,omitempty" validate:"gte=0"`
	Legs    []LegRequest `json:"legs" validate:"required,min=1,dive"`
}

// CashRequest is the JSON body for POST /cash.
type CashRequest struct {
	Amount decimal.Decimal `json:"amount"` // positive = deposit, negative = withdrawal
}

// PricesRequest is the JSON body for POST /pnl and POST /margin.
type PricesRequest struct {
	Prices map[string]decimal.Decimal `json:"prices" validate:"required"`
}

// MarginResponse is the JSON body returned from POST /margin.
type MarginResponse struct {
	Total        decimal.Decimal            `json:"total"`
	Requirements map[string]decimal.Decimal `json:"requirements"`
}

// CashResponse is the JSON body returned from POST /cash.
type CashResponse struct {
	Cash decimal.Decimal `json:"cash"`
}

// toTransaction builds the domain transaction from a request.
func (req *TransactionRequest) toTransaction() (*model.Transaction, error) {
	tx := &model.Transaction{ID: req.ID, ChainID: req.ChainID}
	for _, l := range req.Legs {
		leg, err := model.NewLeg(l.Symbol, l.Quantity, l.Price)
		if err != nil {
			return nil, err
		}
		tx.Legs = append(tx.Legs, leg)
	}
	return tx, nil
}

// --- HTTP Handlers ---

// ExecuteTransaction handles POST /api/v1/transactions/{kind}
// kind is one of open, close, roll, auto.
func (s *Service) ExecuteTransaction(w http.ResponseWriter, r *http.Request) {
	kind := model.LedgerKind(chi.URLParam(r, "kind"))
	switch kind {
	case model.KindOpen, model.KindClose, model.KindRoll, model.KindAuto:
	default:
		writeError(w, "unknown transaction kind: "+string(kind), http.StatusNotFound)
		return
	}

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	tx, err := req.toTransaction()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rcpt, err := s.pm.Execute(r.Context(), kind, tx)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rcpt)
}

// UpdateCash handles POST /api/v1/cash
func (s *Service) UpdateCash(w http.ResponseWriter, r *http.Request) {
	var req CashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cash, err := s.pm.UpdateCash(r.Context(), req.Amount)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CashResponse{Cash: cash})
}

// ListHoldings handles GET /api/v1/holdings
// Optionally filtered by ?field=<name>&value=<v>[&exclude=true].
func (s *Service) ListHoldings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("field")
	if name == "" {
		writeJSON(w, http.StatusOK, s.pm.Holdings())
		return
	}

	field, err := holding.ParseField(name)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	exclude, _ := strconv.ParseBool(q.Get("exclude"))

	holdings, err := s.pm.FindHoldings(field, q.Get("value"), exclude, nil)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, holdings)
}

// GetPortfolio handles GET /api/v1/portfolio
// Returns cash, holdings, realized PnL, and the next chain id.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pm.Snapshot())
}

// CalculatePnL handles POST /api/v1/pnl
// Returns the per-position valuation report at the supplied prices.
func (s *Service) CalculatePnL(w http.ResponseWriter, r *http.Request) {
	prices, ok := s.decodePrices(w, r)
	if !ok {
		return
	}

	report, err := s.pm.Valuation(prices)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// CalculateMargin handles POST /api/v1/margin
func (s *Service) CalculateMargin(w http.ResponseWriter, r *http.Request) {
	prices, ok := s.decodePrices(w, r)
	if !ok {
		return
	}

	reqs, err := s.pm.MarginRequirements(prices)
	if err != nil {
		writeFailure(w, err)
		return
	}
	total := decimal.Zero
	for _, req := range reqs {
		total = total.Add(req)
	}

	writeJSON(w, http.StatusOK, MarginResponse{Total: total, Requirements: reqs})
}

// GetChainHistory handles GET /api/v1/chains/{chainID}
// Returns the chain's ledger rows, including those of a retired chain.
func (s *Service) GetChainHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chainID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid chain id", http.StatusBadRequest)
		return
	}

	entries, err := s.pm.ChainHistory(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if len(entries) == 0 {
		writeError(w, "chain not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) decodePrices(w http.ResponseWriter, r *http.Request) (valuation.Prices, bool) {
	var req PricesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return valuation.Prices(req.Prices), true
}

// writeFailure maps domain errors to HTTP status codes.
func writeFailure(w http.ResponseWriter, err error) {
	var missing *valuation.MissingPriceError
	switch {
	case errors.As(err, &missing):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  err.Error(),
			"symbol": missing.Symbol,
		})
	case errors.Is(err, portfolio.ErrValidation),
		errors.Is(err, portfolio.ErrReversalRejected),
		errors.Is(err, portfolio.ErrMissingHoldingForRoll):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, broker.ErrAdapterFailure):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
