package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// invalidateTimeout bounds InvalidateCredentials, which has no caller context.
const invalidateTimeout = 5 * time.Second

// Credentials are broker credentials issued to one device.
type Credentials struct {
	DeviceID string    `json:"deviceId"`
	Broker   string    `json:"broker,omitempty"`
	Username string    `json:"username"`
	Password string    `json:"-"`
	SavedAt  time.Time `json:"savedAt"`
}

// CredentialRepository stores broker credentials per device id.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository creates a SQLite-backed credential repository.
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Save upserts the credentials and marks the device as current.
func (r *CredentialRepository) Save(ctx context.Context, c Credentials) error {
	if c.DeviceID == "" {
		return fmt.Errorf("saving credentials: empty device id")
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_credentials (device_id, broker, username, password, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   broker = excluded.broker,
		   username = excluded.username,
		   password = excluded.password,
		   updated_at = excluded.updated_at`,
		c.DeviceID, c.Broker, c.Username, c.Password, now,
	); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO current_device (slot, device_id) VALUES (1, ?)
		 ON CONFLICT(slot) DO UPDATE SET device_id = excluded.device_id`,
		c.DeviceID,
	); err != nil {
		return fmt.Errorf("saving current device: %w", err)
	}
	return tx.Commit()
}

// Load returns the credentials of deviceID. An empty deviceID loads the
// current device. ErrNotFound is returned when nothing is stored.
func (r *CredentialRepository) Load(ctx context.Context, deviceID string) (Credentials, error) {
	if deviceID == "" {
		id, err := r.CurrentDeviceID(ctx)
		if err != nil {
			return Credentials{}, err
		}
		deviceID = id
	}

	var c Credentials
	var savedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT device_id, broker, username, password, updated_at
		 FROM device_credentials WHERE device_id = ?`, deviceID,
	).Scan(&c.DeviceID, &c.Broker, &c.Username, &c.Password, &savedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credentials{}, ErrNotFound
		}
		return Credentials{}, fmt.Errorf("loading credentials: %w", err)
	}
	c.SavedAt, _ = time.Parse(time.RFC3339, savedAt) //nolint:errcheck // format is controlled
	return c, nil
}

// LoadAll returns every stored credential keyed by device id.
func (r *CredentialRepository) LoadAll(ctx context.Context) (map[string]Credentials, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT device_id, broker, username, password, updated_at FROM device_credentials`)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Credentials)
	for rows.Next() {
		var c Credentials
		var savedAt string
		if err := rows.Scan(&c.DeviceID, &c.Broker, &c.Username, &c.Password, &savedAt); err != nil {
			return nil, fmt.Errorf("scanning credentials: %w", err)
		}
		c.SavedAt, _ = time.Parse(time.RFC3339, savedAt) //nolint:errcheck // format is controlled
		out[c.DeviceID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return out, nil
}

// Has reports whether credentials exist for deviceID.
func (r *CredentialRepository) Has(ctx context.Context, deviceID string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_credentials WHERE device_id = ?`, deviceID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("checking credentials: %w", err)
	}
	return n > 0, nil
}

// Clear deletes the credentials of deviceID, or of every device when
// deviceID is empty. The current device marker is dropped with them.
func (r *CredentialRepository) Clear(ctx context.Context, deviceID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if deviceID == "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_credentials`); err != nil {
			return fmt.Errorf("clearing credentials: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM current_device`); err != nil {
			return fmt.Errorf("clearing current device: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_credentials WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM current_device WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("clearing current device: %w", err)
	}
	return tx.Commit()
}

// CurrentDeviceID returns the device that saved credentials last.
func (r *CredentialRepository) CurrentDeviceID(ctx context.Context) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT device_id FROM current_device WHERE slot = 1`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("loading current device: %w", err)
	}
	return id, nil
}

// DeviceIDs lists every device with stored credentials, sorted.
func (r *CredentialRepository) DeviceIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT device_id FROM device_credentials ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning device id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InvalidateCredentials clears the credentials of deviceID. It satisfies
// gateway.CredentialInvalidator.
func (r *CredentialRepository) InvalidateCredentials(deviceID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	return r.Clear(ctx, deviceID)
}
