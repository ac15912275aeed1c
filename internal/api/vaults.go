package api

import (
	"net/http"

	"ShadowStream/internal/auth"
	"ShadowStream/internal/vaults"

	"github.com/go-chi/chi/v5"
)

// POST /api/user/vaults
func (s *Server) handleCreateVault(w http.ResponseWriter, r *http.Request) {
	var req vaults.CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := auth.RequireCaller(r.Context(), req.UserAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UserAddress = caller.Hex()
	created, err := s.svc.Vaults.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// GET /api/user/vaults
func (s *Server) handleListVaults(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Vaults.List(r.Context(), header(r, headerUser))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": list})
}

// GET /api/user/vaults/{vault}/activity
func (s *Server) handleVaultActivity(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Vaults.Activity(r.Context(), chi.URLParam(r, "vault"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": rows})
}

// PUT /api/user/vaults/{vault}/rules
func (s *Server) handleSetRules(w http.ResponseWriter, r *http.Request) {
	var req vaults.RulesRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := s.actingUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Vaults.SetRules(r.Context(), caller, chi.URLParam(r, "vault"), req)
	s.writeTx(w, r, res, err)
}

// PUT /api/user/vaults/{vault}/executor
func (s *Server) handleSetExecutor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExecutorAddress string `json:"executorAddress"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := s.actingUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Vaults.SetExecutor(r.Context(), caller, chi.URLParam(r, "vault"), req.ExecutorAddress)
	s.writeTx(w, r, res, err)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

// POST /api/user/vaults/{vault}/deposit
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := s.actingUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Vaults.Deposit(r.Context(), caller, chi.URLParam(r, "vault"), req.Amount)
	s.writeTx(w, r, res, err)
}

// POST /api/user/vaults/{vault}/withdraw
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := s.actingUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Vaults.Withdraw(r.Context(), caller, chi.URLParam(r, "vault"), req.Amount)
	s.writeTx(w, r, res, err)
}

// actingUser 返回签名地址，x-user-address 存在时必须与其一致。
func (s *Server) actingUser(r *http.Request) (string, error) {
	caller, err := auth.RequireCaller(r.Context(), header(r, headerUser))
	if err != nil {
		return "", err
	}
	return caller.Hex(), nil
}

func (s *Server) writeTx(w http.ResponseWriter, r *http.Request, res vaults.TxResult, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
