package gateway

import (
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/credgate/credgate/pkg/errors"
)

// rateLimiter provides simple per-key rate limiting.
type rateLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if last, ok := r.last[key]; ok {
		if now.Sub(last) < r.interval {
			return false
		}
	}
	r.last[key] = now
	return true
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	respondStatusJSON(w, http.StatusOK, payload)
}

// respondStatusJSON sends a JSON response with an explicit status code.
func respondStatusJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response. The body always
// carries an `error` field; gateway errors additionally surface their
// code, retryability, and remediation hints. Stack traces never leave the
// process.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	response := struct {
		Error       string   `json:"error"`
		Status      int      `json:"status"`
		Code        string   `json:"code,omitempty"`
		Message     string   `json:"message"`
		Details     string   `json:"details,omitempty"`
		Remediation []string `json:"remediation,omitempty"`
		Retryable   bool     `json:"retryable,omitempty"`
		Timestamp   string   `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	response.Error = response.Message

	var gwErr *apperrors.Error
	if stdliberrors.As(err, &gwErr) {
		response.Code = string(gwErr.Code)
		if gwErr.UserMessage != "" {
			response.Message = gwErr.UserMessage
		} else if gwErr.Message != "" {
			response.Message = gwErr.Message
		}
		if len(gwErr.Remediation) > 0 {
			response.Remediation = append([]string{}, gwErr.Remediation...)
		}
		response.Retryable = gwErr.Retryable
	} else if err != nil {
		response.Message = err.Error()
	}

	if response.Details == "" && err != nil {
		response.Details = fmt.Sprintf("%v", err)
	}

	response.Error = response.Message
	_ = json.NewEncoder(w).Encode(response)
}

// statusForError maps gateway error codes to HTTP status codes per the
// gateway taxonomy.
func statusForError(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeAuthMissing, apperrors.ErrCodeAuthInvalid, apperrors.ErrCodeSessionExpired:
		return http.StatusUnauthorized
	case apperrors.ErrCodeAuthForbidden:
		return http.StatusForbidden
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeServiceUnknown:
		return http.StatusNotFound
	case apperrors.ErrCodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrCodeUpstreamUnreachable:
		return http.StatusBadGateway
	case apperrors.ErrCodeGitTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
