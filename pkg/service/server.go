package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/readiness"
	"github.com/fedbridge/fedbridge/node/pkg/version"
)

// Server exposes the read-only views of a World over HTTP, plus the
// Prometheus metrics endpoint.
type Server struct {
	logger     *zap.Logger
	world      *World
	adminToken string
	http       *http.Server
}

func NewServer(logger *zap.Logger, world *World, listenAddr, adminToken string) *Server {
	s := &Server{logger: logger, world: world, adminToken: adminToken}

	r := mux.NewRouter()
	r.Use(s.requestID)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/batches/current", s.handleCurrentBatch).Methods(http.MethodGet)
	r.HandleFunc("/v1/batches/{id}", s.handleBatch).Methods(http.MethodGet)
	r.HandleFunc("/v1/refunds/{addr}", s.handleRefunds).Methods(http.MethodGet)
	r.HandleFunc("/v1/tokens", s.handleTokens).Methods(http.MethodGet)
	r.HandleFunc("/v1/wrapper/tokens", s.handleWrapperTokens).Methods(http.MethodGet)
	r.HandleFunc("/v1/proxy/pending", s.handlePendingCalls).Methods(http.MethodGet)
	r.HandleFunc("/v1/coordinator/board", s.handleBoard).Methods(http.MethodGet)
	r.HandleFunc("/v1/refunds/{addr}/claim", s.handleClaimRefund).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/readyz", readiness.Handler)

	admin := r.PathPrefix("/v1/admin").Subrouter()
	admin.Use(s.adminAuth)
	admin.HandleFunc("/tokens", s.handleAddToken).Methods(http.MethodPost)
	admin.HandleFunc("/tokens/{token}", s.handleRemoveToken).Methods(http.MethodDelete)
	admin.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	admin.HandleFunc("/unpause", s.handleUnpause).Methods(http.MethodPost)
	admin.HandleFunc("/refunds/move", s.handleMoveRefundBatch).Methods(http.MethodPost)
	admin.HandleFunc("/refunds/requeue", s.handleRequeueRefund).Methods(http.MethodPost)
	admin.HandleFunc("/fees/distribute", s.handleDistributeFees).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:              listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("status server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestID tags every request so log lines of one request correlate.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		s.logger.Debug("http request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":                version.Version(),
		"first_batch_id":         s.world.Vault.FirstBatchID(),
		"last_inbound_batch_id":  s.world.Executor.LastExecutedBatchID(),
		"last_inbound_tx_id":     s.world.Executor.LastExecutedTxID(),
		"lowest_pending_call_id": s.world.Proxy.LowestTxID(),
		"quorum":                 s.world.Coordinator.Quorum(),
	})
}

type transferJSON struct {
	Seq       uint64 `json:"seq"`
	From      string `json:"from"`
	ToForeign string `json:"to_foreign"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	IsRefund  bool   `json:"is_refund"`
}

type batchJSON struct {
	ID        uint64         `json:"id"`
	Transfers []transferJSON `json:"transfers"`
}

func makeBatchJSON(id uint64, records []*bridge.TransferRecord) batchJSON {
	out := batchJSON{ID: id, Transfers: make([]transferJSON, len(records))}
	for i, rec := range records {
		out.Transfers[i] = transferJSON{
			Seq:       rec.Seq,
			From:      rec.From.String(),
			ToForeign: rec.To.Hex(),
			Token:     string(rec.Token),
			Amount:    rec.Amount.Dec(),
			IsRefund:  rec.IsRefund,
		}
	}
	return out
}

func (s *Server) handleCurrentBatch(w http.ResponseWriter, r *http.Request) {
	b := s.world.Vault.GetCurrentTxBatch()
	if b == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no open batch"})
		return
	}
	s.writeJSON(w, http.StatusOK, makeBatchJSON(b.ID, b.Records))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed batch id"})
		return
	}
	b := s.world.Vault.GetBatch(id)
	if b == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such batch"})
		return
	}
	s.writeJSON(w, http.StatusOK, makeBatchJSON(b.ID, b.Records))
}

func (s *Server) handleRefunds(w http.ResponseWriter, r *http.Request) {
	addr, err := bridge.StringToAddress(mux.Vars(r)["addr"])
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed address"})
		return
	}
	refunds := s.world.Vault.GetRefundAmounts(addr)
	out := make(map[string]string, len(refunds))
	for token, amount := range refunds {
		out[string(token)] = amount.Dec()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	type tokenJSON struct {
		Token       string `json:"token"`
		Kind        string `json:"kind"`
		Decimals    uint8  `json:"decimals"`
		Whitelisted bool   `json:"whitelisted"`
		TotalLocked string `json:"total_locked"`
		TotalMinted string `json:"total_minted"`
		TotalBurned string `json:"total_burned"`
	}
	var out []tokenJSON
	for _, token := range s.world.Registry.Tokens() {
		p, ok := s.world.Registry.Policy(token)
		if !ok {
			continue
		}
		out = append(out, tokenJSON{
			Token:       string(token),
			Kind:        p.Kind.String(),
			Decimals:    p.Decimals,
			Whitelisted: s.world.Registry.IsWhitelisted(token),
			TotalLocked: s.world.Registry.TotalLocked(token).Dec(),
			TotalMinted: s.world.Registry.TotalMinted(token).Dec(),
			TotalBurned: s.world.Registry.TotalBurned(token).Dec(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWrapperTokens(w http.ResponseWriter, r *http.Request) {
	type mappingJSON struct {
		Universal     string            `json:"universal"`
		ChainSpecific map[string]string `json:"chain_specific"`
	}
	var out []mappingJSON
	for _, u := range s.world.Wrapper.UniversalTokens() {
		m := mappingJSON{Universal: string(u), ChainSpecific: make(map[string]string)}
		for _, c := range s.world.Wrapper.ChainSpecificTokens(u) {
			m.ChainSpecific[string(c)] = s.world.Wrapper.TokenLiquidity(c).Dec()
		}
		out = append(out, m)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePendingCalls(w http.ResponseWriter, r *http.Request) {
	type callJSON struct {
		TxID    uint64 `json:"tx_id"`
		To      string `json:"to"`
		Token   string `json:"token"`
		Amount  string `json:"amount"`
		HasCall bool   `json:"has_call"`
	}
	var out []callJSON
	for _, p := range s.world.Proxy.GetPendingTransactions() {
		out = append(out, callJSON{
			TxID:    p.TxID,
			To:      p.Tx.To.String(),
			Token:   string(p.Payment.Token),
			Amount:  p.Payment.Amount.Dec(),
			HasCall: p.Tx.HasCall(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	board := s.world.Coordinator.GetAllBoardMembers()
	members := make([]string, len(board))
	for i, m := range board {
		members[i] = m.String()
	}
	staked := s.world.Coordinator.GetAllStakedRelayers()
	stakers := make([]string, len(staked))
	for i, m := range staked {
		stakers[i] = m.String()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"members": members,
		"stakers": stakers,
		"quorum":  s.world.Coordinator.Quorum(),
	})
}
