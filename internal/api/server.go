// Package api exposes the resolver's client surface: a REST API for swap
// intake and inspection, and a websocket stream of per-swap events. The
// preimage never crosses this boundary; clients only ever see the hash lock.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PrabalParihar/omnimonster-sub000/internal/config"
	"github.com/PrabalParihar/omnimonster-sub000/internal/htlc"
	"github.com/PrabalParihar/omnimonster-sub000/internal/registry"
	"github.com/PrabalParihar/omnimonster-sub000/internal/storage"
	"github.com/PrabalParihar/omnimonster-sub000/pkg/helpers"
	"github.com/PrabalParihar/omnimonster-sub000/pkg/logging"
)

// MinTimelock is the shortest accepted window between swap creation and
// expiration. Anything shorter leaves no room for two confirmations and a
// claim on each side.
const MinTimelock = time.Hour

const defaultListLimit = 50

// API error codes returned in the response body.
const (
	codeInvalidRequest   = "INVALID_REQUEST"
	codeUnknownChain     = "UNKNOWN_CHAIN"
	codeUnknownPair      = "UNKNOWN_PAIR"
	codeTimelockTooShort = "TIMELOCK_TOO_SHORT"
	codeNotFound         = "NOT_FOUND"
	codeForbidden        = "FORBIDDEN"
	codeNotCancellable   = "NOT_CANCELLABLE"
	codeNotFundable      = "NOT_FUNDABLE"
	codeInternal         = "INTERNAL"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	cfg      config.APIConfig
	store    *storage.Storage
	reg      *registry.Registry
	adapters map[string]htlc.Adapter
	hub      *WSHub
	log      *logging.Logger

	httpServer *http.Server
}

// NewServer wires the API over the store, registry and chain adapters. The
// adapters are only used for chain-time reads during validation.
func NewServer(cfg config.APIConfig, store *storage.Storage, reg *registry.Registry, adapters map[string]htlc.Adapter, log *logging.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		reg:      reg,
		adapters: adapters,
		hub:      NewWSHub(store, log),
		log:      log.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tokens", s.handleListTokens)
	mux.HandleFunc("GET /pairs", s.handleListPairs)
	mux.HandleFunc("GET /inventory", s.handleListInventory)
	mux.HandleFunc("POST /swaps", s.handleCreateSwap)
	mux.HandleFunc("GET /swaps", s.handleListSwaps)
	mux.HandleFunc("GET /swaps/{id}", s.handleGetSwap)
	mux.HandleFunc("DELETE /swaps/{id}", s.handleCancelSwap)
	mux.HandleFunc("POST /swaps/{id}/fund", s.handleReportFunding)
	mux.HandleFunc("GET /swaps/{id}/events", s.handleSwapEvents)
	mux.HandleFunc("GET /ws/swaps/{id}", s.handleSwapEvents)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("API server listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("API server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing stack for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ----------------------------------------------------------------------------
// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	type tokenView struct {
		Chain    string `json:"chain"`
		Symbol   string `json:"symbol"`
		Address  string `json:"address"`
		Decimals uint8  `json:"decimals"`
		Native   bool   `json:"native"`
	}

	var out []tokenView
	for chain := range s.adapters {
		for _, tok := range s.reg.TokensForChain(chain) {
			out = append(out, tokenView{
				Chain:    tok.Chain,
				Symbol:   tok.Symbol,
				Address:  tok.Address,
				Decimals: tok.Decimals,
				Native:   tok.IsNative(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": out})
}

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	type pairView struct {
		SourceChain string  `json:"sourceChain"`
		SourceToken string  `json:"sourceToken"`
		TargetChain string  `json:"targetChain"`
		TargetToken string  `json:"targetToken"`
		Rate        float64 `json:"rate"`
	}

	var out []pairView
	for _, p := range s.reg.Pairs() {
		out = append(out, pairView{
			SourceChain: p.SourceChain,
			SourceToken: p.SourceToken,
			TargetChain: p.TargetChain,
			TargetToken: p.TargetToken,
			Rate:        p.Rate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pairs": out})
}

func (s *Server) handleListInventory(w http.ResponseWriter, r *http.Request) {
	type inventoryView struct {
		Chain     string    `json:"chain"`
		Token     string    `json:"token"`
		Total     string    `json:"total"`
		Reserved  string    `json:"reserved"`
		Available string    `json:"available"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	rows, err := s.store.ListInventory()
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to read inventory")
		return
	}

	out := make([]inventoryView, 0, len(rows))
	for _, inv := range rows {
		out = append(out, inventoryView{
			Chain:     inv.Chain,
			Token:     inv.Token,
			Total:     inv.Total.String(),
			Reserved:  inv.Reserved.String(),
			Available: inv.Available().String(),
			UpdatedAt: inv.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"inventory": out})
}

type createSwapRequest struct {
	UserAddress       string  `json:"userAddress"`
	Beneficiary       string  `json:"beneficiary"`
	SourceChain       string  `json:"sourceChain"`
	SourceToken       string  `json:"sourceToken"`
	SourceAmount      string  `json:"sourceAmount"`
	TargetChain       string  `json:"targetChain"`
	TargetToken       string  `json:"targetToken"`
	ExpectedAmount    string  `json:"expectedAmount"`
	SlippageTolerance float64 `json:"slippageTolerance"`
	ExpirationTime    int64   `json:"expirationTime"`
}

func (s *Server) handleCreateSwap(w http.ResponseWriter, r *http.Request) {
	var req createSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed JSON body")
		return
	}

	if !helpers.ValidateEVMAddress(req.UserAddress) {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid userAddress")
		return
	}
	if req.Beneficiary == "" {
		// The payout lands on the same address unless the client says
		// otherwise.
		req.Beneficiary = req.UserAddress
	}
	if !helpers.ValidateEVMAddress(req.Beneficiary) {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid beneficiary")
		return
	}

	if _, ok := s.adapters[req.SourceChain]; !ok {
		writeError(w, http.StatusBadRequest, codeUnknownChain, fmt.Sprintf("unknown chain %q", req.SourceChain))
		return
	}
	if _, ok := s.adapters[req.TargetChain]; !ok {
		writeError(w, http.StatusBadRequest, codeUnknownChain, fmt.Sprintf("unknown chain %q", req.TargetChain))
		return
	}
	if _, err := s.reg.Pair(req.SourceChain, req.SourceToken, req.TargetChain, req.TargetToken); err != nil {
		writeError(w, http.StatusBadRequest, codeUnknownPair, err.Error())
		return
	}

	sourceAmount, ok := parseAmount(req.SourceAmount)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "sourceAmount must be a positive base-unit integer")
		return
	}
	expectedAmount, ok := parseAmount(req.ExpectedAmount)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "expectedAmount must be a positive base-unit integer")
		return
	}
	if req.SlippageTolerance < 0 || req.SlippageTolerance > 1 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "slippageTolerance must be within [0, 1]")
		return
	}

	// The expiry window is measured against the source chain's clock, not
	// the server's.
	chainNow, err := s.adapters[req.SourceChain].ChainTime(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "source chain unavailable")
		return
	}
	if req.ExpirationTime < chainNow.Add(MinTimelock).Unix() {
		writeError(w, http.StatusBadRequest, codeTimelockTooShort,
			fmt.Sprintf("expirationTime must be at least %s past chain time %d", MinTimelock, chainNow.Unix()))
		return
	}

	preimage, err := htlc.GeneratePreimage()
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to generate preimage")
		return
	}

	swap := &storage.Swap{
		UserAddress:       req.UserAddress,
		Beneficiary:       req.Beneficiary,
		SourceChain:       req.SourceChain,
		SourceToken:       req.SourceToken,
		SourceAmount:      sourceAmount,
		TargetChain:       req.TargetChain,
		TargetToken:       req.TargetToken,
		ExpectedAmount:    expectedAmount,
		SlippageTolerance: req.SlippageTolerance,
		Preimage:          preimage,
		HashLock:          htlc.HashPreimage(preimage),
		ExpirationTime:    req.ExpirationTime,
	}
	if err := s.store.CreateSwap(swap); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	s.log.Info("Swap created", "swap", swap.ID,
		"pair", fmt.Sprintf("%s/%s -> %s/%s", swap.SourceChain, swap.SourceToken, swap.TargetChain, swap.TargetToken))
	writeJSON(w, http.StatusCreated, swapToView(swap))
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	swap, err := s.store.GetSwap(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrSwapNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "swap not found")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to read swap")
		return
	}

	ops, err := s.store.ListOperations(swap.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to read operations")
		return
	}
	opViews := make([]*operationView, 0, len(ops))
	for _, op := range ops {
		opViews = append(opViews, operationToView(op))
	}

	writeJSON(w, http.StatusOK, &swapDetail{
		swapView:   swapToView(swap),
		Operations: opViews,
	})
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ListFilter{
		UserAddress: q.Get("userAddress"),
		Status:      storage.SwapStatus(q.Get("status")),
		Limit:       defaultListLimit,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be within [1, 500]")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "offset must be non-negative")
			return
		}
		filter.Offset = n
	}

	swaps, err := s.store.ListSwaps(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to list swaps")
		return
	}

	views := make([]*swapView, 0, len(swaps))
	for _, swap := range swaps {
		views = append(views, swapToView(swap))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"swaps": views})
}

// handleCancelSwap withdraws a swap that hasn't been funded. Only the
// originator may cancel, and only while the swap is still PENDING.
func (s *Server) handleCancelSwap(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get("userAddress")
	if !helpers.ValidateEVMAddress(caller) {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "userAddress query parameter required")
		return
	}

	swap, err := s.store.GetSwap(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrSwapNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "swap not found")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to read swap")
		return
	}
	if !strings.EqualFold(swap.UserAddress, caller) {
		writeError(w, http.StatusForbidden, codeForbidden, "only the originator may cancel")
		return
	}

	st := storage.StatusCancelled
	err = s.store.UpdateSwapAndAppendEvent(swap.ID,
		&storage.SwapPatch{Status: &st},
		&storage.SwapEvent{Type: storage.EventCancelled})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, codeNotCancellable,
				fmt.Sprintf("swap in status %s cannot be cancelled", swap.Status))
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to cancel swap")
		return
	}

	s.log.Info("Swap cancelled", "swap", swap.ID)
	swap.Status = storage.StatusCancelled
	writeJSON(w, http.StatusOK, swapToView(swap))
}

type reportFundingRequest struct {
	UserLockID string `json:"userLockId"`
	TxHash     string `json:"txHash"`
}

// handleReportFunding records the user's lock id against a pending swap.
// The id is advisory: the source engine verifies the lock on-chain before
// anything advances.
func (s *Server) handleReportFunding(w http.ResponseWriter, r *http.Request) {
	var req reportFundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed JSON body")
		return
	}
	lockID, err := helpers.DecodeHash(req.UserLockID)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "userLockId must be a 32-byte hex string")
		return
	}
	if helpers.IsZeroHash(lockID) {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "userLockId must not be zero")
		return
	}

	swap, err := s.store.GetSwap(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrSwapNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "swap not found")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to read swap")
		return
	}
	if swap.Status != storage.StatusPending {
		writeError(w, http.StatusConflict, codeNotFundable,
			fmt.Sprintf("swap in status %s does not accept funding reports", swap.Status))
		return
	}

	if err := s.store.UpdateSwap(swap.ID, &storage.SwapPatch{UserLockID: &lockID}); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to record funding")
		return
	}

	s.log.Info("User funding reported", "swap", swap.ID, "tx", req.TxHash)
	swap.UserLockID = lockID
	writeJSON(w, http.StatusAccepted, swapToView(swap))
}

func (s *Server) handleSwapEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.handleSubscribe(w, r, r.PathValue("id"))
}

// ----------------------------------------------------------------------------
// Views and helpers

// swapView is the client-facing shape of a swap. The preimage is the one
// field that must never appear here before the on-chain claim reveals it.
type swapView struct {
	ID                string     `json:"id"`
	UserAddress       string     `json:"userAddress"`
	Beneficiary       string     `json:"beneficiary"`
	SourceChain       string     `json:"sourceChain"`
	SourceToken       string     `json:"sourceToken"`
	SourceAmount      string     `json:"sourceAmount"`
	TargetChain       string     `json:"targetChain"`
	TargetToken       string     `json:"targetToken"`
	ExpectedAmount    string     `json:"expectedAmount"`
	SlippageTolerance float64    `json:"slippageTolerance"`
	HashLock          string     `json:"hashLock"`
	ExpirationTime    int64      `json:"expirationTime"`
	UserLockID        string     `json:"userLockId,omitempty"`
	PoolLockID        string     `json:"poolLockId,omitempty"`
	Status            string     `json:"status"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	MatchedAt         *time.Time `json:"matchedAt,omitempty"`
	PoolClaimedAt     *time.Time `json:"poolClaimedAt,omitempty"`
}

// swapDetail is the single-swap response: the view plus the resolver's
// attempt log.
type swapDetail struct {
	*swapView
	Operations []*operationView `json:"operations"`
}

// operationView is the client-facing shape of one resolver attempt.
type operationView struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	TxHash       string     `json:"txHash,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func operationToView(op *storage.Operation) *operationView {
	v := &operationView{
		ID:           op.ID,
		Type:         op.Type,
		Status:       op.Status,
		ErrorMessage: op.ErrorMessage,
		TxHash:       op.TxHash,
		StartedAt:    op.StartedAt,
	}
	if !op.CompletedAt.IsZero() {
		v.CompletedAt = &op.CompletedAt
	}
	return v
}

func swapToView(swap *storage.Swap) *swapView {
	v := &swapView{
		ID:                swap.ID,
		UserAddress:       swap.UserAddress,
		Beneficiary:       swap.Beneficiary,
		SourceChain:       swap.SourceChain,
		SourceToken:       swap.SourceToken,
		SourceAmount:      swap.SourceAmount.String(),
		TargetChain:       swap.TargetChain,
		TargetToken:       swap.TargetToken,
		ExpectedAmount:    swap.ExpectedAmount.String(),
		SlippageTolerance: swap.SlippageTolerance,
		HashLock:          helpers.EncodeHash(swap.HashLock),
		ExpirationTime:    swap.ExpirationTime,
		Status:            string(swap.Status),
		ErrorMessage:      swap.ErrorMessage,
		CreatedAt:         swap.CreatedAt,
		UpdatedAt:         swap.UpdatedAt,
	}
	if !helpers.IsZeroHash(swap.UserLockID) {
		v.UserLockID = helpers.EncodeHash(swap.UserLockID)
	}
	if !helpers.IsZeroHash(swap.PoolLockID) {
		v.PoolLockID = helpers.EncodeHash(swap.PoolLockID)
	}
	if !swap.MatchedAt.IsZero() {
		v.MatchedAt = &swap.MatchedAt
	}
	if !swap.PoolClaimedAt.IsZero() {
		v.PoolClaimedAt = &swap.PoolClaimedAt
	}
	return v
}

func parseAmount(raw string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
