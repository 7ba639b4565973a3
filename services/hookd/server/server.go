package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pricehook/services/hookd/storage"

	hook "pricehook/native/hook"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	BearerToken   string
}

// Server exposes the hookd admin and read API.
type Server struct {
	cfg     Config
	storage *storage.Storage
	manual  *hook.ManualFeed
	machine *hook.StateMachine
	logger  *slog.Logger
}

// New constructs the server. The manual feed and state machine are optional;
// the endpoints backed by an absent collaborator respond 404.
func New(cfg Config, store *storage.Storage, manual *hook.ManualFeed, machine *hook.StateMachine, logger *slog.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, fmt.Errorf("listen address required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, storage: store, manual: manual, machine: machine, logger: logger}, nil
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/healthz", otelhttp.NewHandler(http.HandlerFunc(s.handleHealth), "hookd.health"))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodGet, "/prices/{symbol}", otelhttp.NewHandler(http.HandlerFunc(s.handlePrice), "hookd.price"))
		r.Method(http.MethodGet, "/decisions", otelhttp.NewHandler(http.HandlerFunc(s.handleDecisions), "hookd.decisions"))
		r.Method(http.MethodPost, "/actions/dry-run", otelhttp.NewHandler(http.HandlerFunc(s.handleDryRun), "hookd.dryrun"))
		r.Method(http.MethodPost, "/admin/override", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handleOverride)), "hookd.override"))
	})
	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(s.cfg.BearerToken)
		if token == "" {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		supplied := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type priceResponse struct {
	Symbol       string   `json:"symbol"`
	TrustedPrice string   `json:"trusted_price"`
	Confidence   string   `json:"confidence"`
	Sources      []string `json:"sources"`
	AsOf         string   `json:"as_of"`
	RecordedAt   string   `json:"recorded_at"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(chi.URLParam(r, "symbol"))
	snap, err := s.storage.LatestSnapshot(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "no snapshot for symbol", http.StatusNotFound)
			return
		}
		s.logger.Error("snapshot lookup failed", "symbol", symbol, "err", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		Symbol:       snap.Symbol,
		TrustedPrice: snap.TrustedPrice,
		Confidence:   snap.Confidence,
		Sources:      snap.Sources,
		AsOf:         snap.AsOf.UTC().Format(time.RFC3339),
		RecordedAt:   snap.RecordedAt.UTC().Format(time.RFC3339),
	})
}

type decisionResponse struct {
	ID               string `json:"id"`
	ActionID         string `json:"action_id"`
	Symbol           string `json:"symbol"`
	FeeBps           int64  `json:"fee_bps"`
	CurveShiftBps    int64  `json:"curve_shift_bps"`
	Rejected         bool   `json:"rejected"`
	Reason           string `json:"reason"`
	Confidence       string `json:"confidence"`
	TrustedPrice     string `json:"trusted_price"`
	RealizedFeeBps   int64  `json:"realized_fee_bps"`
	RealizedRejected bool   `json:"realized_rejected"`
	CreatedAt        string `json:"created_at"`
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	records, err := s.storage.RecentDecisions(r.Context(), limit)
	if err != nil {
		s.logger.Error("decision listing failed", "err", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]decisionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, decisionResponse{
			ID:               rec.ID,
			ActionID:         rec.ActionID,
			Symbol:           rec.Symbol,
			FeeBps:           rec.FeeBps,
			CurveShiftBps:    rec.CurveShiftBps,
			Rejected:         rec.Rejected,
			Reason:           rec.Reason,
			Confidence:       rec.Confidence,
			TrustedPrice:     rec.TrustedPrice,
			RealizedFeeBps:   rec.RealizedFeeBps,
			RealizedRejected: rec.RealizedRejected,
			CreatedAt:        rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type dryRunRequest struct {
	Symbol   string `json:"symbol"`
	Notional string `json:"notional"`
}

type dryRunResponse struct {
	ActionID      string `json:"action_id"`
	FeeBps        int64  `json:"fee_bps"`
	CurveShiftBps int64  `json:"curve_shift_bps"`
	Rejected      bool   `json:"rejected"`
	Reason        string `json:"reason"`
}

// handleDryRun drives one full lifecycle so operators can inspect the decision
// the embedded hook would take right now. Nothing is transferred; the realized
// outcome echoes the decision back.
func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	if s.machine == nil {
		http.Error(w, "state machine not configured", http.StatusNotFound)
		return
	}
	var req dryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var notional *big.Rat
	if strings.TrimSpace(req.Notional) != "" {
		parsed, ok := new(big.Rat).SetString(strings.TrimSpace(req.Notional))
		if !ok || parsed.Sign() < 0 {
			http.Error(w, "invalid notional", http.StatusBadRequest)
			return
		}
		notional = parsed
	}
	action := hook.NewActionContext(req.Symbol, notional)
	decision, err := s.machine.BeforeAction(r.Context(), action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	outcome := hook.RealizedOutcome{
		FeeBps:        decision.FeeBps,
		CurveShiftBps: decision.CurveShiftBps,
		Rejected:      decision.RejectSwap,
	}
	if err := s.machine.AfterAction(r.Context(), action, outcome); err != nil {
		s.logger.Error("dry-run reconciliation failed", "action", action.ID, "err", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dryRunResponse{
		ActionID:      action.ID,
		FeeBps:        decision.FeeBps,
		CurveShiftBps: decision.CurveShiftBps,
		Rejected:      decision.RejectSwap,
		Reason:        string(decision.Reason),
	})
}

type overrideRequest struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if s.manual == nil {
		http.Error(w, "manual feed not configured", http.StatusNotFound)
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	ts := time.Now().UTC()
	if req.Timestamp > 0 {
		ts = time.Unix(req.Timestamp, 0).UTC()
	}
	if err := s.manual.SetDecimal(req.Symbol, req.Price, ts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("manual price override applied", "symbol", strings.ToUpper(strings.TrimSpace(req.Symbol)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
