package gateway

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/credgate/credgate/pkg/logging"
	"github.com/credgate/credgate/pkg/proxy"
)

// handleProxy relays one request to the named upstream with credentials
// injected. Authorization is session-only: proxied traffic is what
// sessions exist to scope.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if service == GitService {
		respondStatusJSON(w, http.StatusBadRequest, map[string]any{
			"error": "git is not a proxied service; use /git/fetch-bundle and /git/push-bundle",
		})
		return
	}

	sessionID := r.Header.Get(headerSessionID)
	if sessionID == "" {
		respondError(w, http.StatusUnauthorized, errors.New("missing "+headerSessionID+" header"))
		return
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		respondError(w, http.StatusUnauthorized, errors.New("invalid or expired session"))
		return
	}
	if !sess.HasService(service) {
		metricProxyRequests.WithLabelValues(service, "forbidden").Inc()
		respondStatusJSON(w, http.StatusForbidden, map[string]any{
			"error":    "session not authorized for service: " + service,
			"services": sess.Services,
		})
		return
	}

	var body io.Reader
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body = r.Body
	}

	err := s.forwarder.Forward(r.Context(), w, proxy.Request{
		Service: service,
		Path:    chi.URLParam(r, "*"),
		Method:  r.Method,
		Header:  r.Header,
		Body:    body,
		Query:   r.URL.RawQuery,
	})
	if err != nil {
		metricProxyRequests.WithLabelValues(service, "error").Inc()
		logging.Default().Error(logging.CategoryProxy, "forward_failed",
			"proxy request failed",
			map[string]any{
				"service": service,
				"path":    strings.TrimPrefix(r.URL.Path, "/proxy/"+service),
				"error":   err.Error(),
			})
		respondError(w, statusForError(err), err)
		return
	}
	metricProxyRequests.WithLabelValues(service, "ok").Inc()
}
