package api

import (
	"net/http"

	"ShadowStream/internal/auth"
	"ShadowStream/internal/settlement"
)

// POST /api/pay-and-call
//
// Agent 凭证可以放在请求体的 agentKey，也可以通过 Authorization: Bearer 传入。
// Bearer 凭证由 Authenticate 中间件解析；两者同时存在时以请求体为准。
func (s *Server) handlePayAndCall(w http.ResponseWriter, r *http.Request) {
	var req settlement.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Principal = auth.PrincipalFromContext(r.Context())
	result, err := s.svc.Orchestrator.PayAndCall(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
