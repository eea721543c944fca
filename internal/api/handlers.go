package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dontdude/execd/internal/auth"
	"github.com/dontdude/execd/internal/domain"
)

const (
	healthTimeout = 2 * time.Second
	maxBodyBytes  = 1 << 20
)

type queueRequest struct {
	Token       string             `json:"token"`
	RequestID   string             `json:"requestId"`
	Request     domain.ExecRequest `json:"request"`
	CallbackURL string             `json:"callbackUrl"`
}

type queueResponse struct {
	Result domain.Outcome `json:"result"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleQueue admits a one-shot request whose result is posted to callbackUrl.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var body queueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if s.verifier == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	claims, err := s.verifier.Verify(body.Token)
	if err != nil {
		s.logger.Warn("queue submission rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if claims.Role != auth.RoleExec {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	if strings.TrimSpace(body.RequestID) == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}
	if !validCallback(body.CallbackURL) {
		writeError(w, http.StatusBadRequest, "callbackUrl must be an absolute http(s) URL")
		return
	}
	if err := body.Request.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome := domain.OutcomeError
	if s.admitter != nil {
		outcome = s.admitter.Admit(r.Context(),
			domain.RequestIdentity(body.RequestID),
			body.Request,
			domain.Webhook(body.CallbackURL, body.RequestID),
			domain.PriorityLow,
		)
	}

	status := http.StatusOK
	if outcome == domain.OutcomeError {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, queueResponse{Result: outcome})
}

func validCallback(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
