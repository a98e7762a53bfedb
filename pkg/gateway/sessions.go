package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/credgate/credgate/pkg/logging"
	"github.com/credgate/credgate/pkg/session"
)

type createSessionRequest struct {
	Services   []string `json:"services"`
	TTLMinutes int      `json:"ttl_minutes"`
}

// handleCreateSession mints a scoped session. When a secret key is
// configured, callers must present it; without one the endpoint is open
// (suitable only for localhost deployments).
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SecretKey != "" && !s.verifyKey(r.Header.Get(headerAuthKey)) {
		respondError(w, http.StatusUnauthorized, errors.New("invalid or missing auth key"))
		return
	}

	if !s.sessionLimiter.Allow(remoteAddrKey(r)) {
		respondError(w, http.StatusTooManyRequests, errors.New("session creation rate limit exceeded"))
		return
	}

	var req createSessionRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, true); err != nil {
		respondError(w, status, err)
		return
	}

	if len(req.Services) == 0 {
		respondStatusJSON(w, http.StatusBadRequest, map[string]any{
			"error":     "at least one service required",
			"available": s.availableServices(),
		})
		return
	}

	available := s.availableServices()
	known := make(map[string]bool, len(available))
	for _, svc := range available {
		known[svc] = true
	}
	for _, svc := range req.Services {
		if !known[svc] {
			respondStatusJSON(w, http.StatusBadRequest, map[string]any{
				"error":     "unknown service: " + svc,
				"available": available,
			})
			return
		}
	}

	ttl := session.ClampTTL(req.TTLMinutes)
	sess := s.sessions.Create(req.Services, ttl)

	logging.Default().Info(logging.CategorySession, "created",
		"session created",
		map[string]any{
			"session_id":  sess.ID,
			"services":    sess.Services,
			"ttl_minutes": ttl,
		})

	respondJSON(w, map[string]any{
		"session_id":         sess.ID,
		"proxy_url":          s.proxyBaseURL(r),
		"expires_in_minutes": ttl,
		"services":           sess.Services,
	})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.sessions.Revoke(id) {
		respondError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	logging.Default().Info(logging.CategorySession, "revoked",
		"session revoked", map[string]any{"session_id": id})
	respondJSON(w, map[string]any{"status": "revoked"})
}
