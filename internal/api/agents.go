package api

import (
	"net/http"

	"ShadowStream/internal/auth"
)

// POST /api/agents
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req auth.IssueRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	org, err := auth.RequireCaller(r.Context(), req.OrgAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.OrgAddress = org.Hex()
	// Agent 只能被授权使用组织自己的金库。
	if err := s.svc.Vaults.CheckOwnership(r.Context(), req.OrgAddress, req.AllowedVaults); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.svc.Agents.Issue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// 明文凭证只在此处返回一次。
	key := agent.Key
	agent.Key = ""
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"agentKey": key,
		"agent":    agent,
	})
}

// GET /api/agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.Agents.List(r.Context(), header(r, headerOrg))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
