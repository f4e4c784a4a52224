package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/pushflow/internal/model"
)

type DeviceStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db, now: time.Now}
}

const deviceCols = `device_id, endpoint, p256dh_key, auth_key, device_name, last_seen, created_at`

func scanDevice(scanner interface{ Scan(...any) error }) (*model.Device, error) {
	var d model.Device
	err := scanner.Scan(&d.DeviceID, &d.Endpoint, &d.Keys.P256dh, &d.Keys.Auth, &d.DeviceName, &d.LastSeen, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Upsert stores the device, replacing endpoint, keys, name and last-seen time
// of an existing record with the same ID. created_at is only set on insert.
func (s *DeviceStore) Upsert(ctx context.Context, d *model.Device) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   endpoint = excluded.endpoint,
		   p256dh_key = excluded.p256dh_key,
		   auth_key = excluded.auth_key,
		   device_name = excluded.device_name,
		   last_seen = excluded.last_seen`,
		d.DeviceID, d.Endpoint, d.Keys.P256dh, d.Keys.Auth, d.DeviceName, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// Get returns the device or nil if it does not exist.
func (s *DeviceStore) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// List returns every registered device.
func (s *DeviceStore) List(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceCols+` FROM devices ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

// ListRecent returns up to limit devices, most recently seen first.
func (s *DeviceStore) ListRecent(ctx context.Context, limit int) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceCols+` FROM devices ORDER BY last_seen DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent devices: %w", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (s *DeviceStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

// Delete removes the device. Deleting a missing device is not an error.
func (s *DeviceStore) Delete(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// DeleteAll removes every device and returns how many were removed.
func (s *DeviceStore) DeleteAll(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices`)
	if err != nil {
		return 0, fmt.Errorf("delete all devices: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func scanDevices(rows *sql.Rows) ([]model.Device, error) {
	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}
