package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/pushflow/internal/model"
)

type fakeHistory struct {
	msgs     []model.Message
	err      error
	gotID    string
	gotLimit int
}

func (f *fakeHistory) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Message, error) {
	f.gotID, f.gotLimit = deviceID, limit
	return f.msgs, f.err
}

func serveHistory(h *MessageHandler, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices/{deviceId}/messages", h.ListByDevice)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	return rec
}

func TestListMessages(t *testing.T) {
	history := &fakeHistory{msgs: []model.Message{
		{ID: "m2", DeviceID: "a", Message: "second", CreatedAt: time.Now()},
		{ID: "m1", DeviceID: "a", Message: "first", CreatedAt: time.Now()},
	}}
	h := NewMessageHandler(history, discardLogger())

	rec := serveHistory(h, "/devices/a/messages")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if history.gotID != "a" || history.gotLimit != defaultHistoryLimit {
		t.Errorf("called with (%q, %d)", history.gotID, history.gotLimit)
	}
	var body struct {
		Messages []model.Message `json:"messages"`
		Count    int             `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || body.Messages[0].ID != "m2" {
		t.Errorf("body = %+v", body)
	}
}

func TestListMessagesLimit(t *testing.T) {
	history := &fakeHistory{}
	h := NewMessageHandler(history, discardLogger())

	serveHistory(h, "/devices/a/messages?limit=500")
	if history.gotLimit != maxHistoryLimit {
		t.Errorf("limit = %d, want %d", history.gotLimit, maxHistoryLimit)
	}

	rec := serveHistory(h, "/devices/a/messages?limit=zero")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListMessagesFailure(t *testing.T) {
	h := NewMessageHandler(&fakeHistory{err: errBoom}, discardLogger())
	rec := serveHistory(h, "/devices/a/messages")
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec) != "Failed to fetch messages." {
		t.Fatalf("status = %d", rec.Code)
	}
}
