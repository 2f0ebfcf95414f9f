package proxy

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleTokenStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleTokenReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.pool.Reload(); err != nil {
		s.logger.Error("token reload failed", "err", err)
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error(), "api_error", "")
		return
	}
	st := s.pool.Stats()
	s.updatePoolGauges()
	s.logger.Info("token pool reloaded", "total", st.Total)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "total": st.Total, "active": st.Active})
}

func (s *Server) handleTokenReset(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token index", "invalid_request_error", "")
		return
	}
	if err := s.pool.Reset(index); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "")
		return
	}
	s.updatePoolGauges()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "index": index})
}

func (s *Server) handleTokenResetAll(w http.ResponseWriter, _ *http.Request) {
	s.pool.ResetAll()
	st := s.pool.Stats()
	s.updatePoolGauges()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "total": st.Total, "active": st.Active})
}

func (s *Server) handleUpdaterStatus(w http.ResponseWriter, _ *http.Request) {
	if s.refresher == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.refresher.Status())
}

// handleUpdaterForceUpdate schedules a refresh and returns without waiting
// for it to complete.
func (s *Server) handleUpdaterForceUpdate(w http.ResponseWriter, _ *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusBadRequest, "token auto-update is disabled", "invalid_request_error", "")
		return
	}
	s.refresher.ForceUpdate()
	writeJSON(w, http.StatusOK, map[string]any{"status": "scheduled"})
}
