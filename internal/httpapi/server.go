// Package httpapi exposes the HitL Approval Engine over HTTP (spec §6
// "HitL HTTP API"), mirroring the handler/routing style of
// internal/hitl/callback/ingress.go (plain net/http, no framework, status
// codes mapped from sentinel errors via errors.Is).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hands-platform/hands-core/common/version"
	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
)

const maxBodyBytes = 1 * 1024 * 1024

// engine is the subset of *hitl.Engine the HTTP handlers need, so tests can
// substitute a fake.
type engine interface {
	Create(ctx context.Context, in hitl.CreateRequest) (*handstore.ApprovalRequest, error)
	Get(ctx context.Context, id string) (*handstore.ApprovalRequest, error)
	Decide(ctx context.Context, id, decidedBy string, approved bool, reason *string) error
}

// Server serves the HitL HTTP API plus /healthz.
type Server struct {
	engine engine
	mux    *http.ServeMux
}

// New builds a Server over engine and registers its routes.
func New(eng engine) *Server {
	s := &Server{engine: eng, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/v1/hitl/request", s.handleCreate)
	s.mux.HandleFunc("/api/v1/hitl/", s.handleByID)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// createRequestBody is the wire shape of POST /api/v1/hitl/request's body
// (spec §6: "CreateApprovalRequest").
type createRequestBody struct {
	Type        hitl.TypeName  `json:"type"`
	Requester   string         `json:"requester"`
	Approvers   []string       `json:"approvers"`
	Title       string         `json:"title"`
	Description *string        `json:"description"`
	Channel     string         `json:"channel"`
	ChannelID   string         `json:"channel_id"`
	Metadata    map[string]any `json:"metadata"`
	TTLSeconds  *int64         `json:"ttl_seconds"`
}

// decideRequestBody is the wire shape of POST /api/v1/hitl/{id}/decide's
// body (spec §6: "{decided_by, approved, reason?}").
type decideRequestBody struct {
	DecidedBy string  `json:"decided_by"`
	Approved  bool    `json:"approved"`
	Reason    *string `json:"reason"`
}

// approvalResponse is the wire shape of an ApprovalResponse (spec §6).
type approvalResponse struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Requester   string         `json:"requester"`
	Approvers   []string       `json:"approvers"`
	Title       string         `json:"title"`
	Description *string        `json:"description,omitempty"`
	Channel     string         `json:"channel"`
	ChannelID   string         `json:"channel_id"`
	MessageID   *string        `json:"message_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

func toApprovalResponse(req *handstore.ApprovalRequest) approvalResponse {
	return approvalResponse{
		ID: req.ID, Type: req.Type, Status: string(req.Status), Requester: req.Requester,
		Approvers: req.Approvers, Title: req.Title, Description: req.Description,
		Channel: req.Channel, ChannelID: req.ChannelID, MessageID: req.MessageID,
		Metadata: req.Metadata, CreatedAt: req.CreatedAt, UpdatedAt: req.UpdatedAt, ExpiresAt: req.ExpiresAt,
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body createRequestBody
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := s.engine.Create(r.Context(), hitl.CreateRequest{
		Type: body.Type, Requester: body.Requester, Approvers: body.Approvers,
		Title: body.Title, Description: body.Description, Channel: body.Channel,
		ChannelID: body.ChannelID, Metadata: body.Metadata, TTLSeconds: body.TTLSeconds,
	})
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalResponse(req))
}

// handleByID serves GET /api/v1/hitl/{id} and POST /api/v1/hitl/{id}/decide.
func (s *Server) handleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/hitl/")
	id, action, hasAction := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "invalid path: expected /api/v1/hitl/{id}", http.StatusNotFound)
		return
	}

	switch {
	case !hasAction && r.Method == http.MethodGet:
		s.handleGet(w, r, id)
	case hasAction && action == "decide" && r.Method == http.MethodPost:
		s.handleDecide(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	req, err := s.engine.Get(r.Context(), id)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalResponse(req))
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request, id string) {
	var body decideRequestBody
	if err := decodeJSON(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.engine.Decide(r.Context(), id, body.DecidedBy, body.Approved, body.Reason); err != nil {
		writeJSONError(w, err)
		return
	}
	req, err := s.engine.Get(r.Context(), id)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalResponse(req))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError maps a sentinel error from the HitL engine to the status
// codes spec §6 names: 404 unknown id, 401 unauthorized decider, 410
// terminal-state mutation attempts.
func writeJSONError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, handstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, hitl.ErrNotAuthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, handstore.ErrAlreadyDecided):
		status = http.StatusGone
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
