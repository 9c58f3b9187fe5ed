package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"cosmossdk.io/math"
	"github.com/go-chi/chi/v5"

	"github.com/ssd-technologies/quorum/internal/identity"
	"github.com/ssd-technologies/quorum/internal/registry"
)

// oracleView is a registry record plus live mesh presence.
type oracleView struct {
	ID string `json:"id"`
	registry.OracleRecord
	Online bool `json:"online"`
}

func (s *Server) view(rec registry.OracleRecord) oracleView {
	v := oracleView{ID: rec.Identity.String(), OracleRecord: rec}
	if s.hub != nil {
		_, v.Online = s.hub.Tracker().Lookup(rec.Identity)
	}
	return v
}

// identityParam reads the {worker}/{capability} path pair. On failure it
// writes a 400 and returns false.
func identityParam(w http.ResponseWriter, r *http.Request) (identity.OracleIdentity, bool) {
	worker, ok := parseAddress(chi.URLParam(r, "worker"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid worker address")
		return identity.OracleIdentity{}, false
	}
	capability, err := identity.ParseCapability(chi.URLParam(r, "capability"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid capability: "+err.Error())
		return identity.OracleIdentity{}, false
	}
	return identity.New(worker, capability), true
}

func (s *Server) handleRegisterOracle(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req struct {
		Worker     string   `json:"worker"`
		Capability string   `json:"capability"`
		Fee        math.Int `json:"fee"`
		Classes    []uint64 `json:"classes"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	capability, err := identity.ParseCapability(req.Capability)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid capability: "+err.Error())
		return
	}

	// The worker defaults to the caller; only the owner may name another.
	worker := caller
	if req.Worker != "" {
		addr, ok := parseAddress(req.Worker)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid worker address")
			return
		}
		worker = addr
	}

	id := identity.New(worker, capability)
	if err := s.registry.RegisterOracle(r.Context(), caller, id, req.Fee, req.Classes); err != nil {
		writeErr(w, err)
		return
	}
	rec, err := s.registry.Record(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(rec))
}

func (s *Server) handleDeregisterOracle(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	caller, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := s.registry.DeregisterOracle(r.Context(), caller, id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered", "id": id.String()})
}

func (s *Server) handleListOracles(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	var class uint64
	if c := r.URL.Query().Get("class"); c != "" {
		n, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid class")
			return
		}
		class = n
	}

	out := []oracleView{}
	for _, rec := range s.registry.ListOracles() {
		if activeOnly && !rec.Active {
			continue
		}
		if class != 0 && !identity.HasClass(rec.Classes, class) {
			continue
		}
		out = append(out, s.view(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWorkerOracles lists the persisted records a worker address controls.
func (s *Server) handleWorkerOracles(w http.ResponseWriter, r *http.Request) {
	worker, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid worker address")
		return
	}
	recs, err := s.db.OraclesByWorker(worker)
	if err != nil {
		log.Printf("[server] oracles by worker %s: %v", worker.Hex(), err)
		writeError(w, http.StatusInternalServerError, "failed to list oracles")
		return
	}
	out := make([]oracleView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.view(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOnlineNodes(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	nodes := s.hub.Tracker().OnlineNodes()
	if nodes == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetOracle(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	info, err := s.registry.GetOracleInfo(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleScoreHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	history, err := s.registry.ScoreHistory(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if history == nil {
		history = []registry.ScoreSnapshot{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleSelectionScore previews an oracle's selection weight for the given
// alpha, max_fee, base_cost and scaling_cap query values.
func (s *Server) handleSelectionScore(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	alpha, err := strconv.ParseUint(q.Get("alpha"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alpha")
		return
	}
	maxFee, ok := math.NewIntFromString(q.Get("max_fee"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid max_fee")
		return
	}
	baseCost := math.ZeroInt()
	if v := q.Get("base_cost"); v != "" {
		if baseCost, ok = math.NewIntFromString(v); !ok {
			writeError(w, http.StatusBadRequest, "invalid base_cost")
			return
		}
	}
	scalingCap := uint64(1)
	if v := q.Get("scaling_cap"); v != "" {
		if scalingCap, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid scaling_cap")
			return
		}
	}

	score, err := s.registry.GetSelectionScore(id, alpha, maxFee, baseCost, scalingCap)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id.String(), "score": score})
}

// --- Consumers ---

func (s *Server) handleApproveConsumer(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	addr, ok := parseAddress(req.Address)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid consumer address")
		return
	}
	if err := s.registry.ApproveContract(caller, addr); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"address": addr.Hex(), "approved": true})
}

func (s *Server) handleGetConsumer(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid consumer address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "approved": s.registry.IsApproved(addr)})
}

func (s *Server) handleRemoveConsumer(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid consumer address")
		return
	}
	caller, _, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := s.registry.RemoveContract(caller, addr); err != nil {
		if errors.Is(err, registry.ErrUnauthorized) {
			writeErr(w, err)
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "approved": false})
}
