package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sensorhub/telemetry-broker/internal/model"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var errNotInitialized = errors.New("store not initialized")

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS envelopes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			received_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_device_time ON envelopes(device_id, recorded_at);`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_received ON envelopes(received_at);`,
		`CREATE TABLE IF NOT EXISTS readings (
			envelope_id INTEGER NOT NULL REFERENCES envelopes(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			sensor_id INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (envelope_id, position)
		);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER,
			source TEXT NOT NULL,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL,
			subscriber TEXT NOT NULL,
			transport TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			payload TEXT NOT NULL,
			error TEXT NOT NULL,
			abandoned_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// InsertEnvelope persists an accepted envelope and its readings.
func (s *Store) InsertEnvelope(ctx context.Context, env *model.Envelope) error {
	if s.db == nil {
		return errNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin envelope insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO envelopes (device_id, recorded_at, received_at) VALUES (?, ?, ?);`,
		env.DeviceID(),
		env.RecordedAtString(),
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("envelope id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO readings (envelope_id, position, sensor_id, value) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare reading insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range env.Readings() {
		if _, err := stmt.ExecContext(ctx, id, i, r.SensorID, r.Value); err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit envelope: %w", err)
	}
	return nil
}

// RecentEnvelopes returns stored envelopes newest first. deviceID 0 selects
// every device; since, when set, keeps envelopes received after it.
func (s *Store) RecentEnvelopes(ctx context.Context, deviceID int64, limit int, since *time.Time) ([]model.StoredEnvelope, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT id, device_id, recorded_at, received_at FROM envelopes`
	var (
		where []string
		args  []any
	)
	if deviceID != 0 {
		where = append(where, `device_id = ?`)
		args = append(args, deviceID)
	}
	if since != nil {
		where = append(where, `received_at > ?`)
		args = append(args, formatTime(*since))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent envelopes: %w", err)
	}

	var (
		envelopes []model.StoredEnvelope
		ids       []any
		index     = make(map[int64]int)
	)
	for rows.Next() {
		var (
			id            int64
			env           model.StoredEnvelope
			receivedAtStr string
		)
		if err := rows.Scan(&id, &env.DeviceID, &env.RecordedAt, &receivedAtStr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		env.ReceivedAt = parseTime(receivedAtStr)
		env.SensorReadings = []model.SensorReading{}
		index[id] = len(envelopes)
		envelopes = append(envelopes, env)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return envelopes, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	readingRows, err := s.db.QueryContext(ctx,
		`SELECT envelope_id, sensor_id, value FROM readings WHERE envelope_id IN (`+placeholders+`) ORDER BY envelope_id, position;`,
		ids...,
	)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer readingRows.Close()

	for readingRows.Next() {
		var (
			envelopeID int64
			r          model.SensorReading
		)
		if err := readingRows.Scan(&envelopeID, &r.SensorID, &r.Value); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		i := index[envelopeID]
		envelopes[i].SensorReadings = append(envelopes[i].SensorReadings, r)
	}
	if err := readingRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}

	return envelopes, nil
}

// LatestReadings returns the display value of every sensor of a device: the
// value from its newest envelope, where a later duplicate in the same
// envelope wins.
func (s *Store) LatestReadings(ctx context.Context, deviceID int64) ([]model.LatestReading, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sensor_id, value, recorded_at FROM (
			SELECT r.sensor_id, r.value, e.recorded_at,
				ROW_NUMBER() OVER (
					PARTITION BY r.sensor_id
					ORDER BY e.recorded_at DESC, e.id DESC, r.position DESC
				) AS rn
			FROM readings r
			JOIN envelopes e ON e.id = r.envelope_id
			WHERE e.device_id = ?
		) WHERE rn = 1
		ORDER BY sensor_id;`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query latest readings: %w", err)
	}
	defer rows.Close()

	latest := []model.LatestReading{}
	for rows.Next() {
		var (
			r             model.LatestReading
			recordedAtStr string
		)
		if err := rows.Scan(&r.SensorID, &r.Value, &recordedAtStr); err != nil {
			return nil, fmt.Errorf("scan latest reading: %w", err)
		}
		r.RecordedAt = parseTime(recordedAtStr)
		latest = append(latest, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest readings: %w", err)
	}
	return latest, nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return errNotInitialized
	}

	var deviceID sql.NullInt64
	if e.DeviceID != 0 {
		deviceID = sql.NullInt64{Int64: e.DeviceID, Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (device_id, source, payload, error) VALUES (?, ?, ?, ?);`,
		deviceID,
		e.Source,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns rejected payloads newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, source, payload, error FROM ingestion_errors ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	errs := []model.IngestionError{}
	for rows.Next() {
		var (
			e        model.IngestionError
			deviceID sql.NullInt64
			payload  sql.NullString
		)
		if err := rows.Scan(&deviceID, &e.Source, &payload, &e.Error); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		e.DeviceID = deviceID.Int64
		e.Payload = payload.String
		errs = append(errs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}
	return errs, nil
}

// InsertDeadLetter records an abandoned delivery.
func (s *Store) InsertDeadLetter(ctx context.Context, d model.DeadLetter) error {
	if s.db == nil {
		return errNotInitialized
	}
	if d.AbandonedAt.IsZero() {
		d.AbandonedAt = s.now()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dead_letters (device_id, subscriber, transport, attempts, payload, error, abandoned_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		d.DeviceID,
		d.Subscriber,
		d.Transport,
		d.Attempts,
		d.Payload,
		d.Error,
		formatTime(d.AbandonedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// RecentDeadLetters returns abandoned deliveries newest first.
func (s *Store) RecentDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, subscriber, transport, attempts, payload, error, abandoned_at FROM dead_letters ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	letters := []model.DeadLetter{}
	for rows.Next() {
		var (
			d              model.DeadLetter
			abandonedAtStr string
		)
		if err := rows.Scan(&d.DeviceID, &d.Subscriber, &d.Transport, &d.Attempts, &d.Payload, &d.Error, &abandonedAtStr); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.AbandonedAt = parseTime(abandonedAtStr)
		letters = append(letters, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return errNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}

	return config, nil
}

// WipeData removes telemetry history, rejected payloads and dead letters
// while preserving configuration.
func (s *Store) WipeData(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	stmts := []string{
		`DELETE FROM readings;`,
		`DELETE FROM envelopes;`,
		`DELETE FROM ingestion_errors;`,
		`DELETE FROM dead_letters;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
	}

	return nil
}
