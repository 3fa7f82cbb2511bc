package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hands-platform/hands-core/internal/handstore"
	"github.com/hands-platform/hands-core/internal/hitl"
	"github.com/hands-platform/hands-core/internal/httpapi"
)

// fakeEngine is an in-memory stand-in for *hitl.Engine, just enough of its
// surface to exercise the HTTP handlers without a real renderer/store.
type fakeEngine struct {
	requests map[string]*handstore.ApprovalRequest
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{requests: map[string]*handstore.ApprovalRequest{}}
}

func (f *fakeEngine) Create(_ context.Context, in hitl.CreateRequest) (*handstore.ApprovalRequest, error) {
	now := time.Now()
	req := &handstore.ApprovalRequest{
		ID:        "req-1",
		Type:      string(in.Type),
		Status:    handstore.ApprovalPending,
		Requester: in.Requester,
		Approvers: in.Approvers,
		Title:     in.Title,
		Channel:   in.Channel,
		ChannelID: in.ChannelID,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.requests[req.ID] = req
	return req, nil
}

func (f *fakeEngine) Get(_ context.Context, id string) (*handstore.ApprovalRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, handstore.ErrNotFound
	}
	return req, nil
}

func (f *fakeEngine) Decide(_ context.Context, id, decidedBy string, approved bool, reason *string) error {
	req, ok := f.requests[id]
	if !ok {
		return handstore.ErrNotFound
	}
	if req.Status.Terminal() {
		return handstore.ErrAlreadyDecided
	}
	if decidedBy == "stranger" {
		return hitl.ErrNotAuthorized
	}
	if approved {
		req.Status = handstore.ApprovalApproved
	} else {
		req.Status = handstore.ApprovalRejected
		req.RejectReason = reason
	}
	req.DecidedBy = &decidedBy
	req.UpdatedAt = time.Now()
	return nil
}

func TestServerCreateAndGet(t *testing.T) {
	eng := newFakeEngine()
	srv := httpapi.New(eng)

	body, _ := json.Marshal(map[string]any{
		"type":      "tool_execution",
		"requester": "scheduler",
		"approvers": []string{"alice"},
		"title":     "Run Bash",
		"channel":   "telegram",
		"channel_id": "chat-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hitl/request", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create response missing id: %v", created)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/hitl/"+id, nil)
	getRec := httptest.NewRecorder()
	srv.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
}

func TestServerGetUnknownReturns404(t *testing.T) {
	srv := httpapi.New(newFakeEngine())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/hitl/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServerDecideUnauthorized(t *testing.T) {
	eng := newFakeEngine()
	eng.requests["req-1"] = &handstore.ApprovalRequest{
		ID: "req-1", Status: handstore.ApprovalPending, Approvers: []string{"alice"},
	}
	srv := httpapi.New(eng)

	body, _ := json.Marshal(map[string]any{"decided_by": "stranger", "approved": true})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hitl/req-1/decide", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rec.Code, rec.Body.String())
	}
}

func TestServerDecideAlreadyDecidedReturns410(t *testing.T) {
	eng := newFakeEngine()
	eng.requests["req-1"] = &handstore.ApprovalRequest{
		ID: "req-1", Status: handstore.ApprovalApproved, Approvers: []string{"alice"},
	}
	srv := httpapi.New(eng)

	body, _ := json.Marshal(map[string]any{"decided_by": "alice", "approved": true})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hitl/req-1/decide", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410, body = %s", rec.Code, rec.Body.String())
	}
}

func TestServerHealthz(t *testing.T) {
	srv := httpapi.New(newFakeEngine())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
