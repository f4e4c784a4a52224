package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/pushflow/internal/model"
	"github.com/dukerupert/pushflow/internal/websocket"
)

// maxListedDevices caps GET /devices.
const maxListedDevices = 100

const unknownDeviceName = "Unknown device"

// DeviceStore is the subscription store as seen by the device endpoints.
type DeviceStore interface {
	Upsert(ctx context.Context, d *model.Device) error
	Delete(ctx context.Context, deviceID string) error
	ListRecent(ctx context.Context, limit int) ([]model.Device, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// Notifier receives device events.
type Notifier interface {
	Broadcast(msg websocket.Message)
}

type DeviceHandler struct {
	store    DeviceStore
	notifier Notifier
	logger   *slog.Logger
}

func NewDeviceHandler(store DeviceStore, notifier Notifier, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{store: store, notifier: notifier, logger: logger}
}

type subscribeRequest struct {
	DeviceID     string `json:"deviceId"`
	Subscription *struct {
		Endpoint string                 `json:"endpoint"`
		Keys     model.SubscriptionKeys `json:"keys"`
	} `json:"subscription"`
	DeviceName string `json:"deviceName"`
}

// Subscribe handles POST /subscribe
func (h *DeviceHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.Subscription == nil || req.Subscription.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "deviceId and valid subscription are required.")
		return
	}

	name := req.DeviceName
	if name == "" {
		name = r.UserAgent()
	}
	if name == "" {
		name = unknownDeviceName
	}

	d := &model.Device{
		DeviceID:   req.DeviceID,
		Endpoint:   req.Subscription.Endpoint,
		Keys:       req.Subscription.Keys,
		DeviceName: name,
	}
	if err := h.store.Upsert(r.Context(), d); err != nil {
		h.logger.Error("store subscription", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store subscription.")
		return
	}

	h.notify(websocket.NewMessage(websocket.EventDeviceSubscribed, d.DeviceID, map[string]any{"deviceName": name}))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type unsubscribeRequest struct {
	DeviceID string `json:"deviceId"`
}

// Unsubscribe handles POST /unsubscribe
func (h *DeviceHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required.")
		return
	}

	if err := h.store.Delete(r.Context(), req.DeviceID); err != nil {
		h.logger.Error("remove subscription", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to remove subscription.")
		return
	}

	h.notify(websocket.NewMessage(websocket.EventDeviceUnsubscribed, req.DeviceID, nil))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// deviceView is a device without its key material.
type deviceView struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Endpoint   string    `json:"endpoint"`
	LastSeen   time.Time `json:"lastSeen"`
	CreatedAt  time.Time `json:"createdAt"`
}

// List handles GET /devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListRecent(r.Context(), maxListedDevices)
	if err != nil {
		h.logger.Error("list devices", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch devices.")
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			DeviceID:   d.DeviceID,
			DeviceName: d.DeviceName,
			Endpoint:   d.Endpoint,
			LastSeen:   d.LastSeen,
			CreatedAt:  d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

// UnsubscribeAll handles POST /admin/unsubscribe-all
func (h *DeviceHandler) UnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	removed, err := h.store.DeleteAll(r.Context())
	if err != nil {
		h.logger.Error("unsubscribe all", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to unsubscribe all devices.")
		return
	}

	h.logger.Warn("all subscriptions removed", "removed", removed)
	h.notify(websocket.NewMessage(websocket.EventDevicesCleared, "", map[string]any{"removed": removed}))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}

func (h *DeviceHandler) notify(msg websocket.Message) {
	if h.notifier != nil {
		h.notifier.Broadcast(msg)
	}
}
