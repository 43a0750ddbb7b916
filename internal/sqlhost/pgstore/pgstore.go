// Package pgstore provides an alternate PostgreSQL-backed implementation
// of hostapi.Reader/hostapi.Store/config.ConfigStore, for deployments that
// prefer a shared server over the single-process sqlhost. It uses pgx/v5
// and runs embedded migrations at startup.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements hostapi.Reader, hostapi.Store and config.ConfigStore using
// PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool

	reportMu sync.Mutex
	pending  map[string]map[string]any // id -> managedMeta pending ApplyReported
}

var (
	_ hostapi.Reader         = (*DB)(nil)
	_ hostapi.Store          = (*DB)(nil)
	_ hostapi.PresetSource   = (*DB)(nil)
	_ hostapi.ManagedObjects = (*DB)(nil)
)

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &DB{pool: pool, pending: make(map[string]map[string]any)}, nil
}

// RunMigrations applies all pending up-migrations against dsn. Safe to
// call multiple times — ErrNoChange is treated as success.
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// ---- hostapi.Reader ----

func (d *DB) GetObjectView(ctx context.Context) ([]hostapi.ObjectRow, error) {
	rows, err := d.pool.Query(ctx, `SELECT id, value FROM objects`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hostapi.ObjectRow
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var full map[string]any
		if err := json.Unmarshal(raw, &full); err != nil {
			continue // skip objects this host can't parse
		}
		val := make(map[string]map[string]any)
		for k, v := range full {
			if sub, ok := v.(map[string]any); ok {
				val[k] = sub
			}
		}
		out = append(out, hostapi.ObjectRow{ID: id, Value: val})
	}
	return out, rows.Err()
}

func (d *DB) GetForeignObject(ctx context.Context, id string) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT value FROM objects WHERE id = $1`, id).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, err
	}
	return full, nil
}

// PutObject upserts the raw object for id. Exposed for host wiring/tests;
// not part of hostapi.Reader.
func (d *DB) PutObject(ctx context.Context, id string, value map[string]any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO objects (id, value) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET value = excluded.value
	`, id, b)
	return err
}

func (d *DB) GetForeignState(ctx context.Context, id string) (*model.State, error) {
	var raw []byte
	var ts, lc time.Time
	err := d.pool.QueryRow(ctx, `SELECT val, ts, lc FROM states WHERE id = $1`, id).
		Scan(&raw, &ts, &lc)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st model.State
	if err := json.Unmarshal(raw, &st.Val); err != nil {
		return nil, err
	}
	st.TS = ts
	st.LC = lc
	return &st, nil
}

// SetForeignState writes val for id. lc only advances when the stored value
// actually changes, so readers see a true last-change time.
func (d *DB) SetForeignState(ctx context.Context, id string, val any, ack bool) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO states (id, val, ts, lc, ack) VALUES ($1, $2::jsonb, now(), now(), $3)
		ON CONFLICT (id) DO UPDATE SET
			lc  = CASE WHEN states.val = excluded.val THEN states.lc ELSE excluded.lc END,
			val = excluded.val,
			ts  = excluded.ts,
			ack = excluded.ack
	`, id, b, ack)
	return err
}

// ---- hostapi.Store ----

func (d *DB) GetMessageByRef(ctx context.Context, ref string, scope hostapi.StoreScope) (*model.Message, error) {
	var lcState string
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT lifecycle_state, blob FROM messages WHERE ref = $1`, ref).
		Scan(&lcState, &raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if scope == hostapi.ScopeQuasiOpen && !model.LifecycleState(lcState).IsQuasiOpen() {
		return nil, nil
	}
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *DB) AddMessage(ctx context.Context, msg *model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO messages (ref, lifecycle_state, blob) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (ref) DO UPDATE SET lifecycle_state = excluded.lifecycle_state, blob = excluded.blob
	`, msg.Ref, string(msg.Lifecycle.State), b)
	return err
}

func (d *DB) UpdateMessage(ctx context.Context, ref string, patch map[string]any) error {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT blob FROM messages WHERE ref = $1`, ref).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	applyPatch(&msg, patch)
	b, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		UPDATE messages SET lifecycle_state = $2, blob = $3::jsonb WHERE ref = $1
	`, ref, string(msg.Lifecycle.State), b)
	return err
}

func (d *DB) CompleteAfterCauseEliminated(ctx context.Context, ref string, actor string, finishedAt time.Time) error {
	return d.UpdateMessage(ctx, ref, map[string]any{
		"lifecycle.state":          model.Closed,
		"lifecycle.stateChangedBy": actor,
		"lifecycle.stateChangedAt": finishedAt,
		"lifecycle.closedAt":       finishedAt,
	})
}

func (d *DB) RemoveMessage(ctx context.Context, ref string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM messages WHERE ref = $1`, ref)
	return err
}

// ---- config.ConfigStore ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT data FROM app_config WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO app_config (id, data) VALUES (1, $1::jsonb)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data
	`, b)
	return err
}

// ---- hostapi.PresetSource ----

// ResolvePreset reads the preset's raw object and decodes it, the same
// layout sqlhost.DB uses: presets live as plain whole-document objects,
// distinct from the flat hyphen-keyed rule-config records.
func (d *DB) ResolvePreset(ctx context.Context, presetID string) (*model.Preset, error) {
	raw, err := d.GetForeignObject(ctx, presetID)
	if err != nil || raw == nil {
		return nil, err
	}
	return model.ParsePreset(presetID, raw)
}

// SubscribePresetState/UnsubscribePresetState are no-ops here too: this
// store has no separate push channel of its own (that's wshost's job);
// a cached preset changes only through an explicit PresetCache.Reload, and
// a rescan re-reads a preset only when it is not cached.
func (d *DB) SubscribePresetState(ctx context.Context, presetID string) error   { return nil }
func (d *DB) UnsubscribePresetState(ctx context.Context, presetID string) error { return nil }

// ---- hostapi.ManagedObjects ----

// Report stages ownership metadata for id; ApplyReported commits every
// staged id in one batch pass.
func (d *DB) Report(ctx context.Context, id string, meta map[string]any) {
	d.reportMu.Lock()
	d.pending[id] = meta
	d.reportMu.Unlock()
}

// ApplyReported merges every staged managedMeta into its object's stored
// value under the "managedMeta" key and clears the pending set.
func (d *DB) ApplyReported(ctx context.Context) {
	d.reportMu.Lock()
	batch := d.pending
	d.pending = make(map[string]map[string]any)
	d.reportMu.Unlock()

	for id, meta := range batch {
		full, err := d.GetForeignObject(ctx, id)
		if err != nil {
			continue
		}
		if full == nil {
			full = make(map[string]any)
		}
		full["managedMeta"] = meta
		_ = d.PutObject(ctx, id, full)
	}
}

func applyPatch(m *model.Message, patch map[string]any) {
	for k, v := range patch {
		switch k {
		case "title":
			m.Title, _ = v.(string)
		case "text":
			m.Text, _ = v.(string)
		case "level":
			switch lv := v.(type) {
			case model.Level:
				m.Level = lv
			case int:
				m.Level = model.Level(lv)
			}
		case "details":
			if d, ok := v.(map[string]any); ok {
				m.Details = d
			}
		case "actions":
			if a, ok := v.([]model.Action); ok {
				m.Actions = a
			}
		case "metrics":
			if mm, ok := v.(map[string]model.Metric); ok {
				if m.Metrics == nil {
					m.Metrics = make(map[string]model.Metric)
				}
				for mk, mv := range mm {
					m.Metrics[mk] = mv
				}
			}
		case "metricsDelete":
			if keys, ok := v.([]string); ok {
				for _, mk := range keys {
					delete(m.Metrics, mk)
				}
			}
		case "timing.remindEvery":
			if d, ok := v.(time.Duration); ok {
				m.Timing.RemindEvery = d
			}
		case "timing.cooldown":
			if d, ok := v.(time.Duration); ok {
				m.Timing.Cooldown = d
			}
		case "timing.notifyAt":
			if t, ok := v.(time.Time); ok {
				m.Timing.NotifyAt = t
			}
		case "lifecycle.state":
			if st, ok := v.(model.LifecycleState); ok {
				m.Lifecycle.State = st
			}
		case "lifecycle.stateChangedBy":
			if by, ok := v.(string); ok {
				m.Lifecycle.StateChangedBy = by
			}
		case "lifecycle.stateChangedAt":
			if t, ok := v.(time.Time); ok {
				m.Lifecycle.StateChangedAt = t
			}
		case "lifecycle.closedAt":
			if t, ok := v.(time.Time); ok {
				m.Lifecycle.ClosedAt = t
			}
		}
	}
}
