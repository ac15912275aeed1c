package api

import (
	"net/http"

	"ShadowStream/internal/auth"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/merchant"
	"ShadowStream/internal/vaults"
	"ShadowStream/internal/web3"
)

// POST /api/merchant/apis
func (s *Server) handleRegisterAPI(w http.ResponseWriter, r *http.Request) {
	var req merchant.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := auth.RequireCaller(r.Context(), req.AdminAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.AdminAddress = caller.Hex()
	reg, err := s.svc.Merchants.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		merchant.Registration
	}{Success: true, Registration: reg})
}

// GET /api/merchant/apis
func (s *Server) handleListAPIs(w http.ResponseWriter, r *http.Request) {
	apis, err := s.svc.Merchants.ListByAdmin(r.Context(), header(r, headerMerchantAdmin))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if apis == nil {
		apis = []merchant.API{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"apis": apis})
}

// PUT /api/merchant/payout
func (s *Server) handleUpdatePayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayoutAddress string `json:"payoutAddress"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	admin, err := auth.RequireCaller(r.Context(), header(r, headerMerchantAdmin))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.svc.Merchants.UpdatePayout(r.Context(), admin.Hex(), req.PayoutAddress)
	s.writeReceipt(w, r, receipt, err)
}

// GET /api/merchant/status
func (s *Server) handleMerchantStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Merchants.Status(r.Context(), header(r, headerMerchantAdmin))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PUT /api/merchant/status
func (s *Server) handleSetMerchantActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Active == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "active is required"))
		return
	}
	admin, err := auth.RequireCaller(r.Context(), header(r, headerMerchantAdmin))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.svc.Merchants.SetActive(r.Context(), admin.Hex(), *req.Active)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) writeReceipt(w http.ResponseWriter, r *http.Request, receipt web3.Receipt, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vaults.TxResult{
		Success:     !receipt.Reverted,
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber,
	})
}
