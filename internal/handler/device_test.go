package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/pushflow/internal/model"
	"github.com/dukerupert/pushflow/internal/websocket"
)

var errBoom = errors.New("boom")

type memStore struct {
	mu      sync.Mutex
	devices map[string]model.Device
	fail    bool
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]model.Device)}
}

func (s *memStore) Upsert(ctx context.Context, d *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errBoom
	}
	now := time.Now().UTC()
	stored := *d
	stored.LastSeen = now
	stored.CreatedAt = now
	if prev, ok := s.devices[d.DeviceID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	s.devices[d.DeviceID] = stored
	return nil
}

func (s *memStore) Delete(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errBoom
	}
	delete(s.devices, deviceID)
	return nil
}

func (s *memStore) ListRecent(ctx context.Context, limit int) ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errBoom
	}
	var out []model.Device
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DeleteAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errBoom
	}
	n := int64(len(s.devices))
	s.devices = make(map[string]model.Device)
	return n, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []websocket.Message
}

func (n *recordingNotifier) Broadcast(msg websocket.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.msgs {
		out = append(out, m.Type)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDeviceHandler(t *testing.T) (*DeviceHandler, *memStore, *recordingNotifier) {
	t.Helper()
	store := newMemStore()
	notifier := &recordingNotifier{}
	return NewDeviceHandler(store, notifier, discardLogger()), store, notifier
}

func doJSON(h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

const validSubscription = `{"deviceId":"a","subscription":{"endpoint":"https://push.example.com/a","keys":{"p256dh":"pk","auth":"ak"}},"deviceName":"Laptop"}`

func TestSubscribe(t *testing.T) {
	h, store, notifier := newDeviceHandler(t)

	rec := doJSON(h.Subscribe, "POST", "/subscribe", validSubscription)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	d, ok := store.devices["a"]
	if !ok {
		t.Fatal("device not stored")
	}
	if d.Endpoint != "https://push.example.com/a" || d.Keys.P256dh != "pk" || d.Keys.Auth != "ak" {
		t.Errorf("stored = %+v", d)
	}
	if d.DeviceName != "Laptop" {
		t.Errorf("DeviceName = %q, want Laptop", d.DeviceName)
	}
	if got := notifier.types(); len(got) != 1 || got[0] != websocket.EventDeviceSubscribed {
		t.Errorf("events = %v", got)
	}
}

func TestSubscribeNameFallback(t *testing.T) {
	h, store, _ := newDeviceHandler(t)
	body := `{"deviceId":"a","subscription":{"endpoint":"https://push.example.com/a"}}`

	req := httptest.NewRequest("POST", "/subscribe", strings.NewReader(body))
	req.Header.Set("User-Agent", "TestBrowser/1.0")
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := store.devices["a"].DeviceName; got != "TestBrowser/1.0" {
		t.Errorf("DeviceName = %q, want user agent", got)
	}

	req = httptest.NewRequest("POST", "/subscribe", strings.NewReader(strings.Replace(body, `"a"`, `"b"`, 1)))
	req.Header.Del("User-Agent")
	rec = httptest.NewRecorder()
	h.Subscribe(rec, req)
	if got := store.devices["b"].DeviceName; got != unknownDeviceName {
		t.Errorf("DeviceName = %q, want %q", got, unknownDeviceName)
	}
}

func TestSubscribeValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing device id", `{"subscription":{"endpoint":"https://x"}}`},
		{"missing subscription", `{"deviceId":"a"}`},
		{"missing endpoint", `{"deviceId":"a","subscription":{"keys":{"p256dh":"x","auth":"y"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store, _ := newDeviceHandler(t)
			rec := doJSON(h.Subscribe, "POST", "/subscribe", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if msg := decodeError(t, rec); msg != "deviceId and valid subscription are required." {
				t.Errorf("error = %q", msg)
			}
			if len(store.devices) != 0 {
				t.Error("store should be untouched")
			}
		})
	}
}

func TestSubscribeInvalidJSON(t *testing.T) {
	h, _, _ := newDeviceHandler(t)
	rec := doJSON(h.Subscribe, "POST", "/subscribe", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubscribeBodyTooLarge(t *testing.T) {
	h, _, _ := newDeviceHandler(t)
	req := httptest.NewRequest("POST", "/subscribe", strings.NewReader(validSubscription))
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 10)
	h.Subscribe(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestSubscribeStoreFailure(t *testing.T) {
	h, store, notifier := newDeviceHandler(t)
	store.fail = true

	rec := doJSON(h.Subscribe, "POST", "/subscribe", validSubscription)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "Failed to store subscription." {
		t.Errorf("error = %q", msg)
	}
	if len(notifier.types()) != 0 {
		t.Error("no event expected on failure")
	}
}

func TestUnsubscribe(t *testing.T) {
	h, store, notifier := newDeviceHandler(t)
	doJSON(h.Subscribe, "POST", "/subscribe", validSubscription)

	rec := doJSON(h.Unsubscribe, "POST", "/unsubscribe", `{"deviceId":"a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := store.devices["a"]; ok {
		t.Error("device should be removed")
	}
	// Unknown IDs are not an error.
	rec = doJSON(h.Unsubscribe, "POST", "/unsubscribe", `{"deviceId":"missing"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d for unknown device", rec.Code)
	}
	types := notifier.types()
	if len(types) != 3 || types[1] != websocket.EventDeviceUnsubscribed {
		t.Errorf("events = %v", types)
	}
}

func TestUnsubscribeErrors(t *testing.T) {
	h, store, _ := newDeviceHandler(t)

	rec := doJSON(h.Unsubscribe, "POST", "/unsubscribe", `{}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec) != "deviceId is required." {
		t.Fatalf("missing id: status = %d", rec.Code)
	}

	store.fail = true
	rec = doJSON(h.Unsubscribe, "POST", "/unsubscribe", `{"deviceId":"a"}`)
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec) != "Failed to remove subscription." {
		t.Fatalf("store failure: status = %d", rec.Code)
	}
}

func TestListDevices(t *testing.T) {
	h, _, _ := newDeviceHandler(t)
	doJSON(h.Subscribe, "POST", "/subscribe", validSubscription)

	rec := doJSON(h.List, "GET", "/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "p256dh") || strings.Contains(rec.Body.String(), `"auth"`) {
		t.Errorf("key material leaked: %s", rec.Body)
	}

	var body struct {
		Devices []deviceView `json:"devices"`
		Count   int          `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Devices) != 1 || body.Devices[0].DeviceID != "a" {
		t.Errorf("body = %+v", body)
	}
}

func TestListDevicesEmptyAndFailure(t *testing.T) {
	h, store, _ := newDeviceHandler(t)

	rec := doJSON(h.List, "GET", "/devices", "")
	if !strings.Contains(rec.Body.String(), `"devices":[]`) {
		t.Errorf("empty list should encode as []: %s", rec.Body)
	}

	store.fail = true
	rec = doJSON(h.List, "GET", "/devices", "")
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec) != "Failed to fetch devices." {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	h, store, notifier := newDeviceHandler(t)
	doJSON(h.Subscribe, "POST", "/subscribe", validSubscription)
	doJSON(h.Subscribe, "POST", "/subscribe", strings.Replace(validSubscription, `"deviceId":"a"`, `"deviceId":"b"`, 1))

	rec := doJSON(h.UnsubscribeAll, "POST", "/admin/unsubscribe-all", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		OK      bool  `json:"ok"`
		Removed int64 `json:"removed"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if !body.OK || body.Removed != 2 {
		t.Errorf("body = %+v", body)
	}
	if len(store.devices) != 0 {
		t.Error("devices should be cleared")
	}
	types := notifier.types()
	if types[len(types)-1] != websocket.EventDevicesCleared {
		t.Errorf("last event = %q", types[len(types)-1])
	}

	store.fail = true
	rec = doJSON(h.UnsubscribeAll, "POST", "/admin/unsubscribe-all", "")
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec) != "Failed to unsubscribe all devices." {
		t.Fatalf("status = %d", rec.Code)
	}
}
