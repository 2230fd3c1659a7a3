package repos

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/models"
)

const deviceColumns = `device_id, status, last_seen, firmware_version, hardware_version, device_name, ip_address,
	wifi_ssid, wifi_signal_strength, free_heap, cpu_frequency, uptime_seconds, error_count, last_error, updated_at`

type DevicesRepo struct {
	pool *pgxpool.Pool
}

func NewDevicesRepo(pool *pgxpool.Pool) *DevicesRepo {
	return &DevicesRepo{pool: pool}
}

func (r *DevicesRepo) GetDeviceStatus(ctx context.Context, deviceID string) (models.DeviceStatus, error) {
	d, err := scanDevice(r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device_status WHERE device_id = $1`, deviceID))
	return d, mapErr(err)
}

// ApplyTelemetry merges a heartbeat or startup message into the device row,
// creating it on first contact.
func (r *DevicesRepo) ApplyTelemetry(ctx context.Context, deviceID string, t models.Telemetry, now time.Time, startup bool) (models.DeviceStatus, error) {
	var out models.DeviceStatus
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		d, err := scanDevice(tx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device_status WHERE device_id = $1 FOR UPDATE`, deviceID))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		d.DeviceID = deviceID
		d.Apply(t, now, startup)
		out = d
		_, err = tx.Exec(ctx, `
			INSERT INTO device_status (`+deviceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (device_id) DO UPDATE SET
				status = EXCLUDED.status,
				last_seen = EXCLUDED.last_seen,
				firmware_version = EXCLUDED.firmware_version,
				hardware_version = EXCLUDED.hardware_version,
				device_name = EXCLUDED.device_name,
				ip_address = EXCLUDED.ip_address,
				wifi_ssid = EXCLUDED.wifi_ssid,
				wifi_signal_strength = EXCLUDED.wifi_signal_strength,
				free_heap = EXCLUDED.free_heap,
				cpu_frequency = EXCLUDED.cpu_frequency,
				uptime_seconds = EXCLUDED.uptime_seconds,
				error_count = EXCLUDED.error_count,
				last_error = EXCLUDED.last_error,
				updated_at = EXCLUDED.updated_at
		`, d.DeviceID, string(d.Status), d.LastSeen, d.FirmwareVersion, d.HardwareVersion, d.DeviceName, d.IPAddress,
			d.WiFiSSID, d.WiFiSignalStrength, d.FreeHeap, d.CPUFrequency, d.UptimeSeconds, d.ErrorCount, d.LastError, d.UpdatedAt)
		return err
	})
	return out, mapErr(err)
}

// MarkStaleOffline flips ONLINE devices not seen since cutoff to OFFLINE.
// With dryRun it only counts them.
func (r *DevicesRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if dryRun {
		var n int64
		err := r.pool.QueryRow(ctx, `
			SELECT count(*) FROM device_status
			WHERE status = 'ONLINE' AND (last_seen IS NULL OR last_seen < $1)
		`, cutoff).Scan(&n)
		return n, err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE device_status SET status = 'OFFLINE', updated_at = now()
		WHERE status = 'ONLINE' AND (last_seen IS NULL OR last_seen < $1)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanDevice(row scanner) (models.DeviceStatus, error) {
	var (
		d      models.DeviceStatus
		status string
	)
	err := row.Scan(&d.DeviceID, &status, &d.LastSeen, &d.FirmwareVersion, &d.HardwareVersion, &d.DeviceName, &d.IPAddress,
		&d.WiFiSSID, &d.WiFiSignalStrength, &d.FreeHeap, &d.CPUFrequency, &d.UptimeSeconds, &d.ErrorCount, &d.LastError, &d.UpdatedAt)
	if err != nil {
		return models.DeviceStatus{}, err
	}
	d.Status = models.DeviceState(status)
	return d, nil
}
