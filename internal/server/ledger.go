package server

import (
	"encoding/json"
	"net/http"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

// minter is implemented by ledgers that can create value. Only the
// in-memory ledger of a standalone node does.
type minter interface {
	Mint(account common.Address, amount math.Int)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	bal, err := s.ledger.BalanceOf(r.Context(), addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "balance": bal})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	spender, ok := parseAddress(chi.URLParam(r, "spender"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid spender")
		return
	}
	amt, err := s.ledger.Allowance(r.Context(), owner, spender)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner.Hex(), "spender": spender.Hex(), "allowance": amt})
}

// handleApprove grants spender an allowance over the caller's balance.
// Oracles approve the registry custody for their stake; requesters approve
// the dispatcher for fees and bonuses.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Spender string   `json:"spender"`
		Amount  math.Int `json:"amount"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	spender, ok := parseAddress(req.Spender)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid spender")
		return
	}
	if req.Amount.IsNil() {
		writeError(w, http.StatusBadRequest, "amount is required")
		return
	}
	if err := s.ledger.Approve(r.Context(), caller, spender, req.Amount); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": caller.Hex(), "spender": spender.Hex(), "allowance": req.Amount})
}

// handleMint credits an account on a standalone node's ledger. Owner only.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	m, ok := s.ledger.(minter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "ledger does not support minting")
		return
	}
	caller, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if caller != s.registry.Owner() {
		writeError(w, http.StatusForbidden, "owner only")
		return
	}
	var req struct {
		Address string   `json:"address"`
		Amount  math.Int `json:"amount"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	addr, ok := parseAddress(req.Address)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	if req.Amount.IsNil() || !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	m.Mint(addr, req.Amount)
	bal, err := s.ledger.BalanceOf(r.Context(), addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "balance": bal})
}
