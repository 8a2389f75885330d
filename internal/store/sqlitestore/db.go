package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/realtime"
	"github.com/metorial/prankhub/internal/store"
)

const DefaultPollInterval = 250 * time.Millisecond

type DB struct {
	conn         *sql.DB
	pollInterval time.Duration
}

var _ store.Backend = (*DB)(nil)

func NewDB(path string, pollInterval time.Duration) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps in-memory databases coherent and serializes
	// writers inside this process; busy_timeout covers other processes.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	db := &DB{conn: conn, pollInterval: pollInterval}
	if err := db.Migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

func dsn(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	pragmas := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" && !strings.Contains(path, "mode=memory") {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	return path + sep + pragmas
}

func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Fixed width so timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (db *DB) UpsertHub(ctx context.Context, hub *models.Hub) (string, error) {
	query := `
	INSERT INTO hubs (id, machine_id, friendly_name, mode, status, last_seen, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(machine_id) DO UPDATE SET
		friendly_name = excluded.friendly_name,
		mode = excluded.mode,
		status = excluded.status,
		last_seen = excluded.last_seen,
		updated_at = excluded.updated_at
	RETURNING id
	`

	lastSeen := hub.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}

	var id string
	err := db.conn.QueryRowContext(ctx, query, uuid.NewString(), hub.MachineID, hub.FriendlyName,
		hub.Mode, hub.Status, ts(lastSeen), ts(time.Now())).Scan(&id)
	return id, err
}

func (db *DB) TouchHub(ctx context.Context, hubID, status string, at time.Time) error {
	query := `UPDATE hubs SET status = ?, last_seen = ?, updated_at = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, status, ts(at), ts(time.Now()), hubID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const hubColumns = `id, machine_id, friendly_name, mode, status, last_seen, show_script_names,
	auto_shuffle_enabled, auto_shuffle_interval, created_at, updated_at`

func scanHub(row interface{ Scan(...any) error }) (*models.Hub, error) {
	var h models.Hub
	var lastSeen, createdAt, updatedAt string
	err := row.Scan(&h.ID, &h.MachineID, &h.FriendlyName, &h.Mode, &h.Status, &lastSeen,
		&h.ShowScriptNames, &h.AutoShuffleEnabled, &h.AutoShuffleInterval, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	h.LastSeen = realtime.ParseTime(lastSeen)
	h.CreatedAt = realtime.ParseTime(createdAt)
	h.UpdatedAt = realtime.ParseTime(updatedAt)
	return &h, nil
}

func (db *DB) GetHub(ctx context.Context, hubID string) (*models.Hub, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+hubColumns+` FROM hubs WHERE id = ?`, hubID)
	h, err := scanHub(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return h, err
}

func (db *DB) ListHubs(ctx context.Context) ([]models.Hub, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+hubColumns+` FROM hubs ORDER BY friendly_name, machine_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hubs []models.Hub
	for rows.Next() {
		h, err := scanHub(rows)
		if err != nil {
			return nil, err
		}
		hubs = append(hubs, *h)
	}

	return hubs, rows.Err()
}

func (db *DB) MarkStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `UPDATE hubs SET status = ?, updated_at = ? WHERE status = ? AND last_seen < ?`
	res, err := db.conn.ExecContext(ctx, query, models.StatusOffline, ts(time.Now()),
		models.StatusOnline, ts(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) ReplaceHubScripts(ctx context.Context, hubID string, scripts []models.HubScript) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM hub_scripts WHERE hub_id = ?`, hubID); err != nil {
		return fmt.Errorf("delete hub scripts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO hub_scripts (hub_id, script_name, friendly_name) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range scripts {
		if _, err := stmt.ExecContext(ctx, hubID, s.ScriptName, s.FriendlyName); err != nil {
			return fmt.Errorf("insert hub script %s: %w", s.ScriptName, err)
		}
	}

	return tx.Commit()
}

func (db *DB) ListHubScripts(ctx context.Context, hubID string) ([]models.HubScript, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT hub_id, script_name, friendly_name FROM hub_scripts WHERE hub_id = ? ORDER BY script_name`, hubID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []models.HubScript
	for rows.Next() {
		var s models.HubScript
		if err := rows.Scan(&s.HubID, &s.ScriptName, &s.FriendlyName); err != nil {
			return nil, err
		}
		scripts = append(scripts, s)
	}

	return scripts, rows.Err()
}

func (db *DB) CreateCommand(ctx context.Context, cmd *models.Command) (string, error) {
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := cmd.Status
	if status == "" {
		status = models.CommandPending
	}
	createdAt := cmd.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `INSERT INTO script_commands (id, hub_id, script_name, user_id, status, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query, id, cmd.HubID, cmd.ScriptName, cmd.UserID, status,
		ts(createdAt), ts(createdAt))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (db *DB) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	query := `SELECT id, hub_id, script_name, user_id, status, created_at, updated_at
	          FROM script_commands WHERE id = ?`

	var c models.Command
	var createdAt, updatedAt string
	err := db.conn.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.HubID, &c.ScriptName, &c.UserID,
		&c.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = realtime.ParseTime(createdAt)
	c.UpdatedAt = realtime.ParseTime(updatedAt)
	return &c, nil
}

func (db *DB) UpdateCommandStatus(ctx context.Context, id, status string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE script_commands SET status = ?, updated_at = ? WHERE id = ?`,
		status, ts(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (db *DB) InsertResult(ctx context.Context, r *models.CommandResult) error {
	query := `INSERT INTO script_results (command_id, exit_code, stdout, stderr, success, duration_ms, result)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	var blob any
	if len(r.Result) > 0 {
		blob = string(r.Result)
	}
	_, err := db.conn.ExecContext(ctx, query, r.CommandID, r.ExitCode, r.Stdout, r.Stderr, r.Success,
		r.DurationMS, blob)
	return err
}

func (db *DB) GetResult(ctx context.Context, commandID string) (*models.CommandResult, error) {
	query := `SELECT id, command_id, exit_code, stdout, stderr, success, duration_ms, result, created_at
	          FROM script_results WHERE command_id = ? ORDER BY id DESC LIMIT 1`

	var r models.CommandResult
	var blob sql.NullString
	var createdAt string
	err := db.conn.QueryRowContext(ctx, query, commandID).Scan(&r.ID, &r.CommandID, &r.ExitCode,
		&r.Stdout, &r.Stderr, &r.Success, &r.DurationMS, &blob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if blob.Valid {
		r.Result = []byte(blob.String)
	}
	r.CreatedAt = realtime.ParseTime(createdAt)
	return &r, nil
}

func (db *DB) UpsertAssignment(ctx context.Context, a *models.Assignment) error {
	query := `
	INSERT INTO active_remotes (hub_id, user_id, assigned_script, script_color, last_seen)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(hub_id, user_id) DO UPDATE SET
		assigned_script = excluded.assigned_script,
		script_color = excluded.script_color,
		last_seen = excluded.last_seen
	`
	lastSeen := a.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, query, a.HubID, a.UserID, nullIfEmpty(a.AssignedScript),
		nullIfEmpty(a.ScriptColor), ts(lastSeen))
	return err
}

func (db *DB) ListAssignments(ctx context.Context, hubID string) ([]models.Assignment, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT hub_id, user_id, assigned_script, script_color, last_seen
		FROM active_remotes WHERE hub_id = ? ORDER BY user_id`, hubID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Assignment
	for rows.Next() {
		var a models.Assignment
		var script, color sql.NullString
		var lastSeen string
		if err := rows.Scan(&a.HubID, &a.UserID, &script, &color, &lastSeen); err != nil {
			return nil, err
		}
		a.AssignedScript = script.String
		a.ScriptColor = color.String
		a.LastSeen = realtime.ParseTime(lastSeen)
		out = append(out, a)
	}

	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
