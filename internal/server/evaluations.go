package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ssd-technologies/quorum/internal/dispatch"
)

func (s *Server) handleSubmitEvaluation(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !s.submitLimiter.Allow(caller.Hex()) {
		writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var req dispatch.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	id, err := s.dispatcher.RequestEvaluation(r.Context(), caller, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"request_id": id})
}

// handleGetEvaluation returns the aggregated result. Both fields stay empty
// until the evaluation completes.
func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	likelihoods, justification, exists := s.dispatcher.GetEvaluation(id)
	if !exists {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	if likelihoods == nil {
		likelihoods = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":    id,
		"likelihoods":   likelihoods,
		"justification": justification,
	})
}

func (s *Server) handleEvaluationStatus(w http.ResponseWriter, r *http.Request) {
	ev, err := s.dispatcher.EvaluationStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     ev.Status(),
		"deadline":   ev.Deadline(),
		"evaluation": ev,
	})
}

// handleListEvaluations lists evaluations newest first. Filters: requester,
// status (collecting, finalizing, complete) and limit.
func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	limit := 100
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var requester string
	if v := q.Get("requester"); v != "" {
		addr, ok := parseAddress(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid requester address")
			return
		}
		requester = addr.Hex()
	}

	type summary struct {
		ID            string `json:"request_id"`
		Requester     string `json:"requester"`
		Status        string `json:"status"`
		Responses     int    `json:"responses"`
		Required      int    `json:"required"`
		Deadline      int64  `json:"deadline"`
		StartedAt     int64  `json:"started_at"`
		FinalizedAt   int64  `json:"finalized_at,omitempty"`
		Justification string `json:"justification,omitempty"`
	}
	out := []summary{}
	for _, ev := range s.dispatcher.ListEvaluations() {
		if status != "" && ev.Status() != status {
			continue
		}
		if requester != "" && ev.Requester.Hex() != requester {
			continue
		}
		out = append(out, summary{
			ID:            ev.ID,
			Requester:     ev.Requester.Hex(),
			Status:        ev.Status(),
			Responses:     ev.ResponseCount,
			Required:      ev.RequiredResponses,
			Deadline:      ev.Deadline(),
			StartedAt:     ev.StartTimestamp,
			FinalizedAt:   ev.FinalizedAt,
			Justification: ev.Justification,
		})
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFulfill accepts an oracle answer over HTTP. The request must be
// signed by the worker the outbound request was sent to.
func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	outboundID := chi.URLParam(r, "outboundID")
	caller, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	oracle, known := s.dispatcher.SlotOracle(outboundID)
	if !known {
		writeError(w, http.StatusNotFound, "unknown outbound request")
		return
	}
	if oracle.Worker != caller {
		writeError(w, http.StatusForbidden, "outbound request belongs to another worker")
		return
	}

	var req struct {
		Likelihoods      []int64 `json:"likelihoods"`
		JustificationRef string  `json:"justification_ref"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	err := s.dispatcher.Fulfill(r.Context(), outboundID, req.Likelihoods, req.JustificationRef)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded", "outbound_id": outboundID})
	case errors.Is(err, dispatch.ErrSettlement):
		// The response is recorded; the sweeper retries settlement.
		log.Printf("[server] fulfill %s: %v", outboundID, err)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "settlement_pending", "outbound_id": outboundID})
	default:
		writeErr(w, err)
	}
}

// handleFinalizeTimeout lets anyone close an evaluation whose response
// window has passed with a quorum in hand.
func (s *Server) handleFinalizeTimeout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.dispatcher.FinalizeEvaluationTimeout(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete", "request_id": id})
}
