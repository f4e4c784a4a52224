package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/pushflow/internal/backup"
	"github.com/dukerupert/pushflow/internal/model"
)

// BackupRunner is the backup manager as seen by the admin endpoints.
type BackupRunner interface {
	RunNow(ctx context.Context) (*model.Backup, error)
	List(ctx context.Context, limit int) ([]model.Backup, error)
	Status() backup.Status
}

type BackupHandler struct {
	backups BackupRunner
	logger  *slog.Logger
}

func NewBackupHandler(backups BackupRunner, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{backups: backups, logger: logger}
}

// Run handles POST /admin/backup
func (h *BackupHandler) Run(w http.ResponseWriter, r *http.Request) {
	record, err := h.backups.RunNow(r.Context())
	switch {
	case errors.Is(err, backup.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "Backups are not configured.")
	case errors.Is(err, backup.ErrInProgress):
		writeError(w, http.StatusConflict, "A backup is already running.")
	case err != nil:
		h.logger.Error("run backup", "error", err)
		writeError(w, http.StatusInternalServerError, "Backup failed.")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "backup": record})
	}
}

// List handles GET /admin/backups
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.backups.List(r.Context(), 50)
	if err != nil {
		h.logger.Error("list backups", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list backups.")
		return
	}
	if records == nil {
		records = []model.Backup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": records, "status": h.backups.Status()})
}
