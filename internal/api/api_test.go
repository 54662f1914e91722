package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/eshare/chat-server/internal/auth"
	"github.com/eshare/chat-server/internal/history"
	"github.com/eshare/chat-server/internal/hub"
	"github.com/eshare/chat-server/internal/presence"
)

type memHistory struct {
	mu        sync.Mutex
	msgs      []history.Message
	deleteErr error
}

func (m *memHistory) Insert(_ context.Context, msg history.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memHistory) Recent(_ context.Context, limit int) ([]history.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := len(m.msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]history.Message, len(m.msgs)-start)
	copy(out, m.msgs[start:])
	return out, nil
}

func (m *memHistory) Older(_ context.Context, before int64, limit int) ([]history.Message, error) {
	return nil, nil
}

func (m *memHistory) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.msgs = nil
	return nil
}

type nopCaster struct {
	mu         sync.Mutex
	broadcasts int
}

func (c *nopCaster) Broadcast([]byte) {
	c.mu.Lock()
	c.broadcasts++
	c.mu.Unlock()
}

func (c *nopCaster) SendMessage(string, []byte) error { return nil }

func newTestHandler(hist *memHistory, caster *nopCaster) *Handler {
	h := hub.New(hub.Config{
		Presence: presence.NewStore(),
		History:  hist,
		Policy:   auth.NewAllowList("deepanik"),
		Caster:   caster,
	})
	return NewHandler(h)
}

func TestGetRecentMessages(t *testing.T) {
	hist := &memHistory{msgs: []history.Message{
		{ID: "m1", UserID: "u1", DisplayName: "alice", Text: "one", CreatedAt: 100},
		{ID: "m2", UserID: "u2", DisplayName: "bob", Text: "two", CreatedAt: 200},
	}}
	handler := newTestHandler(hist, &nopCaster{})

	req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Messages []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(resp.Messages))
	}
	if resp.Messages[0].ID != "m1" {
		t.Fatalf("messages not oldest first: got %s", resp.Messages[0].ID)
	}
}

func TestDeleteRequiresAdminHeader(t *testing.T) {
	handler := newTestHandler(&memHistory{}, &nopCaster{})

	req := httptest.NewRequest(http.MethodDelete, "/api/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDeleteByNonAdminIsForbidden(t *testing.T) {
	hist := &memHistory{msgs: []history.Message{
		{ID: "m1", UserID: "u1", Text: "one", CreatedAt: 100},
	}}
	handler := newTestHandler(hist, &nopCaster{})

	req := httptest.NewRequest(http.MethodDelete, "/api/messages", nil)
	req.Header.Set(AdminHeader, "mallory")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(hist.msgs) != 1 {
		t.Fatal("denied wipe must not touch history")
	}
}

func TestDeleteByAdminWipesAndBroadcasts(t *testing.T) {
	hist := &memHistory{msgs: []history.Message{
		{ID: "m1", UserID: "u1", Text: "one", CreatedAt: 100},
	}}
	caster := &nopCaster{}
	handler := newTestHandler(hist, caster)

	req := httptest.NewRequest(http.MethodDelete, "/api/messages", nil)
	req.Header.Set(AdminHeader, "deepanik")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status    string `json:"status"`
		DeletedBy string `json:"deletedBy"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.DeletedBy != "deepanik" {
		t.Fatalf("deletedBy = %s, want deepanik", resp.DeletedBy)
	}
	if len(hist.msgs) != 0 {
		t.Fatal("history not wiped")
	}
	if caster.broadcasts == 0 {
		t.Fatal("wipe must broadcast messages:deleted to connected clients")
	}
}

func TestDeleteStorageFailure(t *testing.T) {
	hist := &memHistory{
		msgs:      []history.Message{{ID: "m1", UserID: "u1", Text: "one", CreatedAt: 100}},
		deleteErr: errors.New("db down"),
	}
	handler := newTestHandler(hist, &nopCaster{})

	req := httptest.NewRequest(http.MethodDelete, "/api/messages", nil)
	req.Header.Set(AdminHeader, "deepanik")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(&memHistory{}, &nopCaster{})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
