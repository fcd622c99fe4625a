package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateDevice registers a new device. Returns [ErrDeviceExists] when the
// device_id is already registered.
func (s *Store) CreateDevice(ctx context.Context, d *Device) (*Device, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO devices (device_id, point_id, register_id, token_hash, is_enabled)
		VALUES ($1, $2, $3, $4, true)
		RETURNING device_id, point_id, register_id, token_hash, is_enabled, created_at, last_seen_at`,
		d.DeviceID, d.PointID, d.RegisterID, d.TokenHash,
	)
	created, err := scanDevice(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDeviceExists
		}
		return nil, fmt.Errorf("store: create device: %w", err)
	}
	return created, nil
}

// ListDevices returns all registered devices, newest first.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, point_id, register_id, token_hash, is_enabled, created_at, last_seen_at
		FROM devices
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list devices: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// SetDeviceEnabled flips the enable flag and returns the updated device.
// Returns [ErrNotFound] when the device does not exist.
func (s *Store) SetDeviceEnabled(ctx context.Context, deviceID uuid.UUID, enabled bool) (*Device, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE devices SET is_enabled = $2
		WHERE device_id = $1
		RETURNING device_id, point_id, register_id, token_hash, is_enabled, created_at, last_seen_at`,
		deviceID, enabled,
	)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: update device: %w", err)
	}
	return d, nil
}

// GetDeviceByTokenHash finds an enabled device by its token hash. Returns
// [ErrNotFound] for unknown or disabled devices.
func (s *Store) GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*Device, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT device_id, point_id, register_id, token_hash, is_enabled, created_at, last_seen_at
		FROM devices
		WHERE token_hash = $1 AND is_enabled`,
		tokenHash,
	)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: device by token: %w", err)
	}
	return d, nil
}

// TouchDeviceLastSeen stamps last_seen_at with the current time.
func (s *Store) TouchDeviceLastSeen(ctx context.Context, deviceID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE devices SET last_seen_at = now() WHERE device_id = $1`,
		deviceID,
	); err != nil {
		return fmt.Errorf("store: touch device: %w", err)
	}
	return nil
}

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	if err := row.Scan(
		&d.DeviceID, &d.PointID, &d.RegisterID, &d.TokenHash,
		&d.IsEnabled, &d.CreatedAt, &d.LastSeenAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}
