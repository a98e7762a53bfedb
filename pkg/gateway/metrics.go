package gateway

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "credgate",
		Name:      "sessions_active_total",
		Help:      "Number of active gateway sessions.",
	})
	metricConfiguredServices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "credgate",
		Name:      "services_configured_total",
		Help:      "Number of services in the credential store.",
	})
	metricProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Name:      "proxy_requests_total",
		Help:      "Proxied upstream requests by service and outcome.",
	}, []string{"service", "outcome"})
	metricGitOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credgate",
		Name:      "git_operations_total",
		Help:      "Git bundle operations by kind and outcome.",
	}, []string{"operation", "outcome"})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAny(r) {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	s.refreshGauges()
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) refreshGauges() {
	metricActiveSessions.Set(float64(s.sessions.Count()))
	metricConfiguredServices.Set(float64(s.creds.Len()))
}
