package ledger

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/atmx/wager-engine/internal/address"
	"github.com/atmx/wager-engine/internal/auth"
	"github.com/atmx/wager-engine/internal/errs"
	"github.com/atmx/wager-engine/internal/model"
)

// Handler serves the ledger over HTTP.
type Handler struct {
	engine *Engine
	hub    *WSHub
}

// NewHandler creates the HTTP surface for engine. hub may be nil, in which
// case no WebSocket route is mounted.
func NewHandler(engine *Engine, hub *WSHub) *Handler {
	return &Handler{engine: engine, hub: hub}
}

// Mount registers the ledger routes on r.
func (h *Handler) Mount(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/stats", h.InitStats)
	r.Get("/stats", h.GetStats)

	r.Post("/accounts", h.RegisterAccount)
	r.Get("/accounts", h.GetAccountOf)
	r.Get("/accounts/{address}", h.GetAccount)
	r.Post("/accounts/{address}/deposit", h.Deposit)
	r.Post("/accounts/{address}/withdraw", h.Withdraw)
	r.Delete("/accounts/{address}", h.CloseAccount)

	r.Post("/games", h.OpenGame)
	r.Get("/games", h.ListGames)
	r.Get("/games/{address}", h.GetGame)
	r.Post("/games/{address}/active", h.SetGameActive)
	r.Delete("/games/{address}", h.CloseGame)
	r.Post("/games/{address}/bets", h.PlaceBet)

	r.Get("/bets", h.ListBets)
	r.Get("/bets/{address}", h.GetBet)
	r.Post("/bets/{address}/fulfill", h.FulfillRandomness)
	r.Post("/bets/{address}/settle", h.SettleBet)
	r.Post("/bets/{address}/mark-close", h.MarkBetForClose)
	r.Delete("/bets/{address}", h.CloseBet)

	r.Get("/wallets/{address}", h.GetWallet)
	r.Post("/wallets/{address}/fund", h.FundWallet)
}

// --- Request types ---

// RegisterAccountRequest is the body of POST /accounts.
type RegisterAccountRequest struct {
	Referral *string `json:"referral,omitempty"`
	Username *string `json:"username,omitempty"`
}

// AmountRequest is the body of deposit, withdraw and fund requests.
type AmountRequest struct {
	Amount uint64 `json:"amount"`
}

// OpenGameRequest is the body of POST /games.
type OpenGameRequest struct {
	MinWager uint64               `json:"min_wager"`
	MaxWager uint64               `json:"max_wager"`
	Config   model.GameTypeConfig `json:"config"`
}

// SetActiveRequest is the body of POST /games/{address}/active.
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// FulfillRequest is the body of POST /bets/{address}/fulfill.
type FulfillRequest struct {
	RandomValue model.HexBytes `json:"random_value"`
	Proof       model.HexBytes `json:"proof"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Stats        model.Stats `json:"stats"`
	VaultBalance uint64      `json:"vault_balance"`
}

// BetResponse adds the derived lifecycle state and the escrowed total to a
// bet.
type BetResponse struct {
	model.Bet
	State    model.BetState `json:"state"`
	Escrowed uint64         `json:"escrowed"`
}

// WalletResponse is returned by wallet routes.
type WalletResponse struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

// --- Stats ---

// InitStats handles POST /api/v1/stats
func (h *Handler) InitStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.InitStats(r.Context(), auth.Principal(r.Context()))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	s, vault, err := h.engine.Stats(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Stats: *s, VaultBalance: vault})
}

// --- Accounts ---

// RegisterAccount handles POST /api/v1/accounts
func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterAccountRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.engine.RegisterAccount(r.Context(), auth.Principal(r.Context()), req.Referral, req.Username)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /api/v1/accounts/{address}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	a, err := h.engine.Account(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetAccountOf handles GET /api/v1/accounts?authority=
func (h *Handler) GetAccountOf(w http.ResponseWriter, r *http.Request) {
	authority := r.URL.Query().Get("authority")
	if authority == "" {
		authority = auth.Principal(r.Context())
	}
	if authority == "" {
		writeError(w, "authority is required", http.StatusBadRequest)
		return
	}
	a, err := h.engine.AccountOf(r.Context(), authority)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Deposit handles POST /api/v1/accounts/{address}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.engine.Deposit(r.Context(), auth.Principal(r.Context()), addr, req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Withdraw handles POST /api/v1/accounts/{address}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.Withdraw(r.Context(), auth.Principal(r.Context()), addr, req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CloseAccount handles DELETE /api/v1/accounts/{address}
func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	if err := h.engine.CloseAccount(r.Context(), auth.Principal(r.Context()), addr); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Games ---

// OpenGame handles POST /api/v1/games
func (h *Handler) OpenGame(w http.ResponseWriter, r *http.Request) {
	var req OpenGameRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.engine.OpenGame(r.Context(), auth.Principal(r.Context()), req.MinWager, req.MaxWager, req.Config)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// ListGames handles GET /api/v1/games?host=&active=true
func (h *Handler) ListGames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	games, err := h.engine.Games(r.Context(), GameFilter{
		Host:       q.Get("host"),
		ActiveOnly: q.Get("active") == "true",
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if games == nil {
		games = []model.Game{}
	}
	writeJSON(w, http.StatusOK, games)
}

// GetGame handles GET /api/v1/games/{address}
func (h *Handler) GetGame(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	g, err := h.engine.Game(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// SetGameActive handles POST /api/v1/games/{address}/active
func (h *Handler) SetGameActive(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	var req SetActiveRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.engine.SetGameActive(r.Context(), auth.Principal(r.Context()), addr, req.Active)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// CloseGame handles DELETE /api/v1/games/{address}
func (h *Handler) CloseGame(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	if err := h.engine.CloseGame(r.Context(), auth.Principal(r.Context()), addr); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Bets ---

// PlaceBet handles POST /api/v1/games/{address}/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	var in model.BetInput
	if !decode(w, r, &in) {
		return
	}
	b, err := h.engine.PlaceBet(r.Context(), auth.Principal(r.Context()), addr, in)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, betResponse(b))
}

// ListBets handles GET /api/v1/bets?owner=
func (h *Handler) ListBets(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = auth.Principal(r.Context())
	}
	if owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	bets, err := h.engine.BetsOf(r.Context(), owner)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	out := make([]BetResponse, 0, len(bets))
	for i := range bets {
		out = append(out, betResponse(&bets[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBet handles GET /api/v1/bets/{address}
func (h *Handler) GetBet(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	b, err := h.engine.Bet(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, betResponse(b))
}

// FulfillRandomness handles POST /api/v1/bets/{address}/fulfill
func (h *Handler) FulfillRandomness(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	var req FulfillRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.engine.FulfillRandomness(r.Context(), auth.Principal(r.Context()),
		addr, req.RandomValue, req.Proof)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, betResponse(b))
}

// SettleBet handles POST /api/v1/bets/{address}/settle
func (h *Handler) SettleBet(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	s, err := h.engine.SettleBet(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementEvent(s, s.Bet.Input.Type))
}

// MarkBetForClose handles POST /api/v1/bets/{address}/mark-close
func (h *Handler) MarkBetForClose(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	b, err := h.engine.MarkBetForClose(r.Context(), auth.Principal(r.Context()), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, betResponse(b))
}

// CloseBet handles DELETE /api/v1/bets/{address}
func (h *Handler) CloseBet(w http.ResponseWriter, r *http.Request) {
	addr, ok := recordAddress(w, r)
	if !ok {
		return
	}
	if err := h.engine.CloseBet(r.Context(), auth.Principal(r.Context()), addr); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Wallets ---

// GetWallet handles GET /api/v1/wallets/{address}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	bal, err := h.engine.WalletBalance(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{Address: addr, Balance: bal})
}

// FundWallet handles POST /api/v1/wallets/{address}/fund
func (h *Handler) FundWallet(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	addr := chi.URLParam(r, "address")
	bal, err := h.engine.Fund(r.Context(), auth.Principal(r.Context()), addr, req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{Address: addr, Balance: bal})
}

func betResponse(b *model.Bet) BetResponse {
	return BetResponse{Bet: *b, State: b.State(), Escrowed: b.Escrowed()}
}

// --- Helpers ---

// recordAddress returns the {address} path parameter of a record route,
// rejecting anything that is not a derived address.
func recordAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr := chi.URLParam(r, "address")
	if !address.Valid(addr) {
		writeLedgerError(w, fmt.Errorf("%w: malformed address %q", errs.ErrInvalidArgument, addr))
		return "", false
	}
	return addr, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeLedgerError maps a ledger failure to its HTTP status. Errors outside
// the errs taxonomy are infrastructure faults and are not echoed.
func writeLedgerError(w http.ResponseWriter, err error) {
	kind, ok := errs.KindOf(err)
	if !ok {
		log.WithError(err).Error("ledger request failed")
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	le, _ := errs.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  le.Code,
		"kind":  string(kind),
	})
}

func statusFor(k errs.Kind) int {
	switch k {
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindUninitializedRecord:
		return http.StatusNotFound
	case errs.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case errs.KindStateConflict, errs.KindGameInactive:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
