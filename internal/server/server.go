package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ssd-technologies/quorum/internal/auth"
	"github.com/ssd-technologies/quorum/internal/dispatch"
	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/ledger"
	"github.com/ssd-technologies/quorum/internal/mesh"
	"github.com/ssd-technologies/quorum/internal/ratelimit"
	"github.com/ssd-technologies/quorum/internal/registry"
	"github.com/ssd-technologies/quorum/internal/storage"
)

// maxBodySize bounds every request body.
const maxBodySize = 1 << 20

// Config tunes the HTTP layer and its background workers.
type Config struct {
	RequestRate    int           // requests per client IP per minute
	SubmitRate     int           // evaluation submissions per caller per minute
	SweepInterval  time.Duration // how often due evaluations are finalized
	PruneInterval  time.Duration // how often silent oracle nodes are marked offline
	OfflineTimeout time.Duration
}

// DefaultConfig returns the defaults used by quorum-node.
func DefaultConfig() Config {
	return Config{
		RequestRate:    600,
		SubmitRate:     30,
		SweepInterval:  15 * time.Second,
		PruneInterval:  30 * time.Second,
		OfflineTimeout: 90 * time.Second,
	}
}

// Deps are the components the API serves.
type Deps struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Ledger     ledger.Ledger
	DB         *storage.DB
	Hub        *mesh.Hub
	Bus        *events.Bus
}

// Server is the HTTP server for the quorum API.
type Server struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	ledger     ledger.Ledger
	db         *storage.DB
	hub        *mesh.Hub
	bus        *events.Bus
	cfg        Config

	ipLimiter     *ratelimit.Keyed
	submitLimiter *ratelimit.Keyed
	replay        *auth.ReplayGuard

	router chi.Router
}

// New creates a new Server with all routes registered.
func New(deps Deps, cfg Config) *Server {
	s := &Server{
		registry:      deps.Registry,
		dispatcher:    deps.Dispatcher,
		ledger:        deps.Ledger,
		db:            deps.DB,
		hub:           deps.Hub,
		bus:           deps.Bus,
		cfg:           cfg,
		ipLimiter:     ratelimit.NewKeyed(cfg.RequestRate, time.Minute),
		submitLimiter: ratelimit.NewKeyed(cfg.SubmitRate, time.Minute),
		replay:        auth.NewReplayGuard(auth.DefaultReplayCacheSize),
		router:        chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)

	// Oracle nodes connect here; the hub applies its own per-connection limit.
	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Get("/api/stats", s.handleStats)
		r.Get("/api/config", s.handleGetConfig)
		r.Put("/api/config/registry", s.handleSetRegistryConfig)
		r.Put("/api/config/dispatch", s.handleSetDispatchConfig)
		r.Put("/api/config/owner", s.handleTransferOwnership)

		r.Route("/api/oracles", func(r chi.Router) {
			r.Post("/", s.handleRegisterOracle)
			r.Get("/", s.handleListOracles)
			r.Get("/online", s.handleOnlineNodes)
			r.Get("/{worker}/{capability}", s.handleGetOracle)
			r.Delete("/{worker}/{capability}", s.handleDeregisterOracle)
			r.Get("/{worker}/{capability}/history", s.handleScoreHistory)
			r.Get("/{worker}/{capability}/score", s.handleSelectionScore)
		})

		r.Get("/api/workers/{address}/oracles", s.handleWorkerOracles)

		r.Route("/api/consumers", func(r chi.Router) {
			r.Post("/", s.handleApproveConsumer)
			r.Get("/{address}", s.handleGetConsumer)
			r.Delete("/{address}", s.handleRemoveConsumer)
		})

		r.Route("/api/evaluations", func(r chi.Router) {
			r.Post("/", s.handleSubmitEvaluation)
			r.Get("/", s.handleListEvaluations)
			r.Get("/{id}", s.handleGetEvaluation)
			r.Get("/{id}/status", s.handleEvaluationStatus)
			r.Post("/{id}/finalize", s.handleFinalizeTimeout)
		})
		r.Post("/api/fulfill/{outboundID}", s.handleFulfill)

		r.Route("/api/ledger", func(r chi.Router) {
			r.Get("/{address}", s.handleBalance)
			r.Get("/{address}/allowance/{spender}", s.handleAllowance)
			r.Post("/approve", s.handleApprove)
			r.Post("/mint", s.handleMint)
		})

		r.Get("/api/events", s.handleListEvents)
		r.Get("/api/events/stream", s.handleEventStream)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "quorum",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"dispatch": s.dispatcher.Stats(),
		"oracles":  len(s.registry.ListOracles()),
	}
	if s.hub != nil {
		resp["mesh"] = s.hub.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":      s.registry.Owner().Hex(),
		"custody":    s.registry.Custody().Hex(),
		"dispatcher": s.dispatcher.Address().Hex(),
		"registry":   s.registry.Config(),
		"dispatch":   s.dispatcher.Config(),
	})
}

func (s *Server) handleSetRegistryConfig(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	cfg := s.registry.Config()
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.registry.SetConfig(caller, cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Config())
}

// handleTransferOwnership hands the registry and dispatcher owner role to
// {"owner": "0x..."}.
func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	next, ok := parseAddress(req.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	if err := s.registry.TransferOwnership(caller, next); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": next.Hex()})
}

func (s *Server) handleSetDispatchConfig(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	cfg := s.dispatcher.Config()
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.dispatcher.SetConfig(caller, cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Config())
}

// ---------------------------------------------------------------------------
// Auth helpers
// ---------------------------------------------------------------------------

// authenticate reads the body, verifies the caller's signature over it and
// refuses a nonce the caller already used. On failure it writes a 401 and
// returns false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (common.Address, []byte, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return common.Address{}, nil, false
	}
	caller, err := auth.VerifyRequest(r, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed: "+err.Error())
		return common.Address{}, nil, false
	}
	if err := s.replay.Check(caller, r.Header.Get(auth.HeaderNonce)); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return common.Address{}, nil, false
	}
	return caller, body, true
}

// readBody reads the full request body. The body bytes are needed for
// signature verification before JSON decoding.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
}

// parseAddress validates a hex address path or body value.
func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a registry, dispatcher or ledger error to its status code.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnauthorized), errors.Is(err, dispatch.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, dispatch.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrFunding),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance):
		return http.StatusPaymentRequired
	case errors.Is(err, registry.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, registry.ErrNoEligibleOracles):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrTimeoutNotReached):
		return http.StatusTooEarly
	case errors.Is(err, registry.ErrNotActive),
		errors.Is(err, dispatch.ErrAlreadyFulfilled),
		errors.Is(err, dispatch.ErrEvaluationComplete),
		errors.Is(err, dispatch.ErrInsufficientResponses):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrSettlement):
		return http.StatusBadGateway
	case errors.Is(err, registry.ErrAdmission),
		errors.Is(err, registry.ErrInvalidParams),
		errors.Is(err, registry.ErrInvalidConfig),
		errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, dispatch.ErrInvalidResponse),
		errors.Is(err, dispatch.ErrInvalidConfig),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
