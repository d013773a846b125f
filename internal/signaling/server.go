package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/auth"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/config"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/session"
)

const DefaultMaxBodyBytes int64 = 1 << 20

type ServerConfig struct {
	// AuthMode selects the credential Verifier checks. AuthModeNone (or "")
	// leaves the routes open.
	AuthMode config.AuthMode
	Verifier auth.Verifier

	// RequestsPerSecond limits each socketId across all three routes. <= 0
	// disables limiting.
	RequestsPerSecond int
	MaxBodyBytes      int64

	Clock  ratelimit.Clock
	Logger *slog.Logger
}

// Server is the HTTP face of a Controller.
//
// Endpoints:
//   - POST /connect       : {socketId, sdp, type} -> {sdp, type}
//   - POST /ice-candidate : {socketId, candidate:{candidate, sdpMid, sdpMLineIndex}} -> "ok"
//   - POST /disconnect    : {socketId} -> "disconnected"
type Server struct {
	ctrl     *Controller
	mode     config.AuthMode
	verifier auth.Verifier
	limiter  *ratelimit.KeyedLimiter
	maxBody  int64
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewServer(ctrl *Controller, cfg ServerConfig) (*Server, error) {
	if cfg.AuthMode != "" && cfg.AuthMode != config.AuthModeNone && cfg.Verifier == nil {
		return nil, fmt.Errorf("auth mode %q requires a verifier", cfg.AuthMode)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := ctrl.Registry().Metrics()
	rate := int64(cfg.RequestsPerSecond)
	return &Server{
		ctrl:     ctrl,
		mode:     cfg.AuthMode,
		verifier: cfg.Verifier,
		limiter: ratelimit.NewKeyedLimiter(cfg.Clock, rate, rate, ratelimit.DefaultMaxKeys, func() {
			m.Inc(metrics.RateLimiterEvicted)
		}),
		maxBody: cfg.MaxBodyBytes,
		metrics: m,
		log:     logger,
	}, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /ice-candidate", s.handleICECandidate)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type connectRequest struct {
	SocketID string `json:"socketId"`
	SDP      string `json:"sdp"`
	Type     string `json:"type"`
}

type iceCandidateRequest struct {
	SocketID  string             `json:"socketId"`
	Candidate *candidateInitWire `json:"candidate"`
}

type candidateInitWire struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

type disconnectRequest struct {
	SocketID string `json:"socketId"`
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req connectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.admitClient(w, req.SocketID) {
		return
	}
	if req.Type != "offer" {
		writeJSONError(w, http.StatusBadRequest, "bad_message", fmt.Sprintf("type must be \"offer\", got %q", req.Type))
		return
	}
	if strings.TrimSpace(req.SDP) == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_message", "missing sdp")
		return
	}

	answer, err := s.ctrl.Connect(r.Context(), req.SocketID, session.Description{Type: req.Type, SDP: req.SDP})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidOffer):
			writeJSONError(w, http.StatusBadRequest, "invalid_offer", err.Error())
		case errors.Is(err, session.ErrSessionClosed):
			writeJSONError(w, http.StatusConflict, "session_replaced", "session was replaced or closed during negotiation")
		default:
			s.log.Error("connect failed", "session_id", req.SocketID, "err", err)
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to negotiate session")
		}
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleICECandidate(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req iceCandidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.admitClient(w, req.SocketID) {
		return
	}
	if req.Candidate == nil {
		writeJSONError(w, http.StatusBadRequest, "bad_message", "missing candidate")
		return
	}
	if strings.TrimSpace(req.Candidate.Candidate) == "" {
		// End-of-candidates marker.
		writeText(w, http.StatusOK, "ok")
		return
	}

	cand, err := session.ParseCandidate(req.Candidate.Candidate, req.Candidate.SDPMid, req.Candidate.SDPMLineIndex)
	if err != nil {
		s.metrics.Inc(metrics.CandidatesInvalid)
		writeJSONError(w, http.StatusBadRequest, "invalid_candidate", err.Error())
		return
	}
	if err := s.ctrl.AddCandidate(req.SocketID, cand); err != nil {
		if errors.Is(err, session.ErrCandidateBufferFull) {
			writeJSONError(w, http.StatusTooManyRequests, "candidate_buffer_full", err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to accept candidate")
		return
	}
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req disconnectRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.ctrl.Disconnect(req.SocketID)
	s.limiter.Forget(req.SocketID)
	writeText(w, http.StatusOK, "disconnected")
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.mode == "" || s.mode == config.AuthModeNone {
		return true
	}
	cred, err := auth.CredentialFromRequest(s.mode, r)
	if err == nil {
		err = s.verifier.Verify(cred)
	}
	if err != nil {
		s.metrics.Inc(metrics.SignalingAuthFailed)
		s.log.Debug("signaling auth failed", "path", r.URL.Path, "err", err)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return false
	}
	return true
}

// decode reads one JSON object and requires a non-empty socketId.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{ socketID() string }) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "bad_message", "invalid JSON body")
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeJSONError(w, http.StatusBadRequest, "bad_message", "unexpected trailing data")
		return false
	}
	if strings.TrimSpace(v.socketID()) == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_message", "missing socketId")
		return false
	}
	return true
}

func (r *connectRequest) socketID() string      { return r.SocketID }
func (r *iceCandidateRequest) socketID() string { return r.SocketID }
func (r *disconnectRequest) socketID() string   { return r.SocketID }

func (s *Server) admitClient(w http.ResponseWriter, socketID string) bool {
	if s.limiter.Allow(socketID) {
		return true
	}
	s.metrics.Inc(metrics.SignalingRateLimit)
	writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many signaling requests")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
