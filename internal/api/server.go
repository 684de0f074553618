// Package api exposes the payment-gated resources and the bookkeeping
// reads (reputation, wallet, payment history) over REST/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitagent/backend/internal/agent"
	"github.com/bitagent/backend/internal/gate"
	"github.com/bitagent/backend/internal/invoice"
	"github.com/bitagent/backend/internal/policy"
	"github.com/bitagent/backend/internal/reputation"
	"github.com/bitagent/backend/internal/wallet"
)

// Server wires the access gate and the ledgers into one HTTP surface.
type Server struct {
	gate       *gate.Gate
	reputation *reputation.Ledger
	wallet     *wallet.Ledger
	invoices   *invoice.Ledger
	agent      *agent.Client // optional in-process demo caller
}

func NewServer(g *gate.Gate, rep *reputation.Ledger, w *wallet.Ledger, inv *invoice.Ledger, a *agent.Client) *Server {
	return &Server{gate: g, reputation: rep, wallet: w, invoices: inv, agent: a}
}

// Router builds the route table. Metered resources go through the gate;
// everything else is free bookkeeping reads.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// Metered resources
	r.HandleFunc("/api/weather/{city}", s.gate.Require(s.handleWeather)).Methods("GET")
	r.HandleFunc("/api/headlines", s.gate.Require(s.handleHeadlines)).Methods("GET")

	// Reputation
	r.HandleFunc("/api/reputation", s.handleReputationList).Methods("GET")
	r.HandleFunc("/api/reputation/{caller_id}", s.handleReputation).Methods("GET")

	// Wallet
	r.HandleFunc("/api/wallet/{caller_id}", s.handleWallet).Methods("GET")
	r.HandleFunc("/api/wallet/{caller_id}/topup", s.handleTopUp).Methods("POST")

	// Audit
	r.HandleFunc("/api/payments", s.handlePayments).Methods("GET")
	r.HandleFunc("/api/invoices/{id}", s.handleInvoice).Methods("GET")

	// In-process agent demo driver
	if s.agent != nil {
		r.HandleFunc("/agent/task", s.handleAgentTask).Methods("POST")
	}

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	return r
}

// Start runs the server until it fails or the listener closes.
func (s *Server) Start(port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	slog.Info("API server listening", "addr", srv.Addr)
	return srv.ListenAndServe()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Metered resource handlers ---

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	city := mux.Vars(r)["city"]
	writeJSON(w, http.StatusOK, map[string]any{
		"data":     generateWeather(city),
		"payment":  "verified",
		"endpoint": r.URL.Path,
	})
}

func (s *Server) handleHeadlines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data":    generateHeadlines(),
		"payment": "verified",
	})
}

// --- Bookkeeping handlers ---

func (s *Server) handleReputationList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reputation.All())
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	callerID := mux.Vars(r)["caller_id"]
	rec, err := s.reputation.Get(callerID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "caller not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"caller_id":           rec.CallerID,
		"score":               rec.Score,
		"discount_percent":    reputation.DiscountTier(rec.Score),
		"total_payments":      rec.TotalPayments,
		"successful_payments": rec.SuccessfulPayments,
		"total_sats_spent":    rec.TotalSatsSpent,
		"registered_at":       rec.RegisteredAt,
		"last_updated":        rec.LastUpdated,
	})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	callerID := mux.Vars(r)["caller_id"]
	stats, err := s.wallet.Stats(callerID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "wallet not found"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	callerID := mux.Vars(r)["caller_id"]
	var req struct {
		AmountSats int64 `json:"amount_sats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.wallet.Credit(callerID, req.AmountSats); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, wallet.ErrNoAccount) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	stats, _ := s.wallet.Stats(callerID)
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.History(100))
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.invoices.Get(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "invoice not found"})
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleAgentTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource string `json:"resource"`
		Priority string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Priority == "" {
		req.Priority = string(policy.PriorityNormal)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	res, err := s.agent.Fetch(ctx, req.Resource, policy.Priority(req.Priority))
	if err != nil {
		// Policy declines and protocol denials are outcomes, not
		// server faults.
		if errors.Is(err, agent.ErrDeclined) || errors.Is(err, agent.ErrAccessDenied) ||
			errors.Is(err, agent.ErrSettlementFailed) {
			writeJSON(w, http.StatusOK, map[string]any{
				"completed": false,
				"reason":    err.Error(),
				"result":    res,
			})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"completed": true,
		"result":    res,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encode failed", "error", err)
	}
}
