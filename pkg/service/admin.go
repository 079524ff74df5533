package service

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/fedbridge/fedbridge/node/pkg/bridge"
	"github.com/fedbridge/fedbridge/node/pkg/registry"
	"github.com/fedbridge/fedbridge/node/pkg/vault"
)

// adminAuth gates the owner-only routes behind a shared token. With no token
// configured the whole admin surface is disabled.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin surface disabled"})
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) owner() bridge.Caller {
	return bridge.Caller{Addr: s.world.Owner, Role: bridge.RoleOwner}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}

// writeOpError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, bridge.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, bridge.ErrNotWhitelisted), errors.Is(err, bridge.ErrNothingToRefund):
		status = http.StatusNotFound
	case errors.Is(err, bridge.ErrBadAmount), errors.Is(err, bridge.ErrInvalidEncoding):
		status = http.StatusBadRequest
	case errors.Is(err, bridge.ErrPaused):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseAmount(raw string) (*uint256.Int, error) {
	if raw == "" {
		return nil, nil
	}
	return uint256.FromDecimal(raw)
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token                  string `json:"token"`
		Ticker                 string `json:"ticker"`
		Kind                   string `json:"kind"`
		Decimals               uint8  `json:"decimals"`
		DefaultPricePerGasUnit string `json:"default_price_per_gas_unit"`
		MaxBridgedAmount       string `json:"max_bridged_amount"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	var kind bridge.TokenKind
	switch req.Kind {
	case "native":
		kind = bridge.KindNative
	case "mint_burn":
		kind = bridge.KindMintBurn
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be native or mint_burn"})
		return
	}
	price, err := parseAmount(req.DefaultPricePerGasUnit)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed default price"})
		return
	}
	max, err := parseAmount(req.MaxBridgedAmount)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed max bridged amount"})
		return
	}

	err = s.world.Vault.AddTokenToWhitelist(s.owner(), bridge.TokenID(req.Token), registry.Policy{
		Ticker:                 req.Ticker,
		Kind:                   kind,
		Decimals:               req.Decimals,
		DefaultPricePerGasUnit: price,
		MaxBridgedAmount:       max,
	})
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"token": req.Token})
}

func (s *Server) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	token := bridge.TokenID(mux.Vars(r)["token"])
	if err := s.world.Vault.RemoveTokenFromWhitelist(s.owner(), token); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": string(token)})
}

func (s *Server) pausable(component string) (func(bridge.Caller) error, func(bridge.Caller) error, bool) {
	switch component {
	case "vault":
		return s.world.Vault.Pause, s.world.Vault.Unpause, true
	case "wrapper":
		return s.world.Wrapper.Pause, s.world.Wrapper.Unpause, true
	case "callproxy":
		return s.world.Proxy.Pause, s.world.Proxy.Unpause, true
	case "coordinator":
		return s.world.Coordinator.Pause, s.world.Coordinator.Unpause, true
	}
	return nil, nil, false
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	var req struct {
		Component string `json:"component"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	pause, unpause, ok := s.pausable(req.Component)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown component"})
		return
	}
	op := pause
	if !paused {
		op = unpause
	}
	if err := op(s.owner()); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"component": req.Component, "paused": paused})
}

func (s *Server) handleMoveRefundBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NowSeq uint64 `json:"now_seq"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.world.Executor.MoveRefundBatchToSafe(s.owner(), req.NowSeq); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

func (s *Server) handleRequeueRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64 `json:"id"`
		NowSeq uint64 `json:"now_seq"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.world.Executor.AddUnprocessedRefundTxToBatch(s.owner(), req.ID, req.NowSeq); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"id": req.ID})
}

func (s *Server) handleDistributeFees(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipients []struct {
			Addr        string `json:"addr"`
			BasisPoints uint64 `json:"basis_points"`
		} `json:"recipients"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	pairs := make([]vault.FeePair, len(req.Recipients))
	for i, rec := range req.Recipients {
		addr, err := bridge.StringToAddress(rec.Addr)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed recipient address"})
			return
		}
		pairs[i] = vault.FeePair{Addr: addr, BasisPoints: rec.BasisPoints}
	}
	if err := s.world.Vault.DistributeFees(s.owner(), pairs); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"recipients": len(pairs)})
}

// handleClaimRefund pays out an address's escrowed refund. Not an admin
// route: the refund can only ever land on the address that owns it.
func (s *Server) handleClaimRefund(w http.ResponseWriter, r *http.Request) {
	addr, err := bridge.StringToAddress(mux.Vars(r)["addr"])
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed address"})
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	paid, err := s.world.Vault.ClaimRefund(bridge.Caller{Addr: addr, Role: bridge.RoleUser}, bridge.TokenID(req.Token))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": req.Token, "amount": paid.Dec()})
}
