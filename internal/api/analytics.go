package api

import "net/http"

// GET /api/analytics/user
func (s *Server) handleUserAnalytics(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Analytics.User(r.Context(), header(r, headerUser))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /api/analytics/merchant
func (s *Server) handleMerchantAnalytics(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Analytics.Merchant(r.Context(), header(r, headerMerchantAdmin))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
