package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/pushflow/internal/fanout"
	"github.com/dukerupert/pushflow/internal/model"
)

// Broadcaster fans a message out to all devices.
type Broadcaster interface {
	Broadcast(ctx context.Context, senderID, text string) (*model.DeliveryReport, error)
}

type PushHandler struct {
	engine   Broadcaster
	vapidKey string
	logger   *slog.Logger
}

func NewPushHandler(engine Broadcaster, vapidPublicKey string, logger *slog.Logger) *PushHandler {
	return &PushHandler{engine: engine, vapidKey: vapidPublicKey, logger: logger}
}

// VAPIDPublicKey handles GET /vapid-public-key
func (h *PushHandler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"key": h.vapidKey})
}

type sendRequest struct {
	DeviceID string `json:"deviceId"`
	Message  string `json:"message"`
}

type sendResponse struct {
	OK          bool   `json:"ok"`
	Sent        int    `json:"sent"`
	Delivered   int    `json:"delivered"`
	Recipients  int    `json:"recipients"`
	Pruned      int    `json:"pruned"`
	BroadcastID string `json:"broadcastId"`
}

// SendNotification handles POST /send-notification
func (h *PushHandler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.engine.Broadcast(r.Context(), req.DeviceID, req.Message)
	if err != nil {
		var ve *fanout.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Field+" is required.")
		case errors.Is(err, fanout.ErrUnauthorizedSender):
			writeError(w, http.StatusForbidden, "Sender is not subscribed.")
		default:
			h.logger.Error("send notification", "device_id", req.DeviceID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to send notifications.")
		}
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		OK:          true,
		Sent:        report.Delivered,
		Delivered:   report.Delivered,
		Recipients:  report.Recipients,
		Pruned:      report.Pruned,
		BroadcastID: report.BroadcastID,
	})
}
