package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Backend = (*Store)(nil)

// Open connects to Postgres. A non-empty key overrides the password in the
// connection string.
func Open(ctx context.Context, dsn, key string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if key != "" {
		cfg.ConnConfig.Password = key
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) UpsertHub(ctx context.Context, hub *models.Hub) (string, error) {
	lastSeen := hub.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}

	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hubs (machine_id, friendly_name, mode, status, last_seen)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (machine_id) DO UPDATE SET
		  friendly_name=EXCLUDED.friendly_name,
		  mode=EXCLUDED.mode,
		  status=EXCLUDED.status,
		  last_seen=EXCLUDED.last_seen,
		  updated_at=now()
		RETURNING id
	`, hub.MachineID, hub.FriendlyName, hub.Mode, hub.Status, lastSeen).Scan(&id)
	return id, err
}

func (s *Store) TouchHub(ctx context.Context, hubID, status string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hubs SET status=$2, last_seen=$3, updated_at=now() WHERE id=$1
	`, hubID, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const hubColumns = `id, machine_id, friendly_name, mode, status, last_seen, show_script_names,
	auto_shuffle_enabled, auto_shuffle_interval, created_at, updated_at`

func scanHub(row pgx.Row) (*models.Hub, error) {
	var h models.Hub
	err := row.Scan(&h.ID, &h.MachineID, &h.FriendlyName, &h.Mode, &h.Status, &h.LastSeen,
		&h.ShowScriptNames, &h.AutoShuffleEnabled, &h.AutoShuffleInterval, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Store) GetHub(ctx context.Context, hubID string) (*models.Hub, error) {
	h, err := scanHub(s.pool.QueryRow(ctx, `SELECT `+hubColumns+` FROM hubs WHERE id=$1`, hubID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return h, err
}

func (s *Store) ListHubs(ctx context.Context) ([]models.Hub, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hubColumns+` FROM hubs ORDER BY friendly_name, machine_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Hub
	for rows.Next() {
		h, err := scanHub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *Store) MarkStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hubs SET status=$1, updated_at=now()
		WHERE status=$2 AND last_seen < $3
	`, models.StatusOffline, models.StatusOnline, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ReplaceHubScripts(ctx context.Context, hubID string, scripts []models.HubScript) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM hub_scripts WHERE hub_id=$1`, hubID); err != nil {
		return fmt.Errorf("delete hub scripts: %w", err)
	}

	if len(scripts) > 0 {
		rows := make([][]any, 0, len(scripts))
		for _, sc := range scripts {
			rows = append(rows, []any{hubID, sc.ScriptName, sc.FriendlyName})
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"hub_scripts"},
			[]string{"hub_id", "script_name", "friendly_name"}, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("insert hub scripts: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) ListHubScripts(ctx context.Context, hubID string) ([]models.HubScript, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hub_id, script_name, friendly_name FROM hub_scripts WHERE hub_id=$1 ORDER BY script_name
	`, hubID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HubScript
	for rows.Next() {
		var sc models.HubScript
		if err := rows.Scan(&sc.HubID, &sc.ScriptName, &sc.FriendlyName); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) CreateCommand(ctx context.Context, cmd *models.Command) (string, error) {
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := cmd.Status
	if status == "" {
		status = models.CommandPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO script_commands (id, hub_id, script_name, user_id, status)
		VALUES ($1,$2,$3,$4,$5)
	`, id, cmd.HubID, cmd.ScriptName, cmd.UserID, status)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	var c models.Command
	err := s.pool.QueryRow(ctx, `
		SELECT id, hub_id, script_name, user_id, status, created_at, updated_at
		FROM script_commands WHERE id=$1
	`, id).Scan(&c.ID, &c.HubID, &c.ScriptName, &c.UserID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpdateCommandStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE script_commands SET status=$2, updated_at=now() WHERE id=$1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) InsertResult(ctx context.Context, r *models.CommandResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO script_results (command_id, exit_code, stdout, stderr, success, duration_ms, result)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb)
	`, r.CommandID, r.ExitCode, r.Stdout, r.Stderr, r.Success, r.DurationMS, jsonOrNull(r.Result))
	return err
}

func (s *Store) GetResult(ctx context.Context, commandID string) (*models.CommandResult, error) {
	var r models.CommandResult
	var blob []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, command_id, exit_code, stdout, stderr, success, duration_ms, result::text, created_at
		FROM script_results WHERE command_id=$1 ORDER BY id DESC LIMIT 1
	`, commandID).Scan(&r.ID, &r.CommandID, &r.ExitCode, &r.Stdout, &r.Stderr, &r.Success,
		&r.DurationMS, &blob, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Result = blob
	return &r, nil
}

func (s *Store) UpsertAssignment(ctx context.Context, a *models.Assignment) error {
	lastSeen := a.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO active_remotes (hub_id, user_id, assigned_script, script_color, last_seen)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (hub_id, user_id) DO UPDATE SET
		  assigned_script=EXCLUDED.assigned_script,
		  script_color=EXCLUDED.script_color,
		  last_seen=EXCLUDED.last_seen
	`, a.HubID, a.UserID, nullIfEmpty(a.AssignedScript), nullIfEmpty(a.ScriptColor), lastSeen)
	return err
}

func (s *Store) ListAssignments(ctx context.Context, hubID string) ([]models.Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hub_id, user_id, COALESCE(assigned_script,''), COALESCE(script_color,''), last_seen
		FROM active_remotes WHERE hub_id=$1 ORDER BY user_id
	`, hubID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.HubID, &a.UserID, &a.AssignedScript, &a.ScriptColor, &a.LastSeen); err != nil {
			return nil, err
		}
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

func jsonOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
