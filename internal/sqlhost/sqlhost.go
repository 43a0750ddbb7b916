// Package sqlhost provides a SQLite-backed reference implementation of the
// hostapi.Reader and hostapi.Store ports, plus config.ConfigStore.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary stays fully
// static.
package sqlhost

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
)

// DB implements hostapi.Reader, hostapi.Store and config.ConfigStore using
// SQLite via database/sql.
type DB struct {
	db *sql.DB

	reportMu sync.Mutex
	pending  map[string]map[string]any // id -> managedMeta pending ApplyReported
}

var (
	_ hostapi.Reader         = (*DB)(nil)
	_ hostapi.Store          = (*DB)(nil)
	_ hostapi.PresetSource   = (*DB)(nil)
	_ hostapi.ManagedObjects = (*DB)(nil)
)

// Open opens (or creates) the SQLite database at path and applies the
// schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db, pending: make(map[string]map[string]any)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			id    TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS states (
			id  TEXT PRIMARY KEY,
			val TEXT NOT NULL,
			ts  TEXT NOT NULL,
			lc  TEXT NOT NULL,
			ack INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			ref             TEXT PRIMARY KEY,
			lifecycle_state TEXT NOT NULL,
			blob            TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_lifecycle ON messages(lifecycle_state)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// ---- hostapi.Reader ----

// GetObjectView scans every stored object and returns, for each, only the
// sub-maps of its native value — ObjectRow.Value is keyed by namespace, so
// only nested JSON objects are kept.
func (s *DB) GetObjectView(ctx context.Context) ([]hostapi.ObjectRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, value FROM objects`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hostapi.ObjectRow
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var full map[string]any
		if err := json.Unmarshal([]byte(raw), &full); err != nil {
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

// GetForeignObject returns the full raw object for id, or nil if absent.
func (s *DB) GetForeignObject(ctx context.Context, id string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM objects WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var full map[string]any
	if err := json.Unmarshal([]byte(raw), &full); err != nil {
		return nil, err
	}
	return full, nil
}

// PutObject upserts the raw object for id. Exposed for host wiring/tests;
// not part of hostapi.Reader.
func (s *DB) PutObject(ctx context.Context, id string, value map[string]any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO objects (id, value) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value
	`, id, string(b))
	return err
}

// GetForeignState returns the current state for id, or nil if unknown.
func (s *DB) GetForeignState(ctx context.Context, id string) (*model.State, error) {
	var rawVal, rawTS, rawLC string
	err := s.db.QueryRowContext(ctx, `SELECT val, ts, lc FROM states WHERE id = ?`, id).
		Scan(&rawVal, &rawTS, &rawLC)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st model.State
	if err := json.Unmarshal([]byte(rawVal), &st.Val); err != nil {
		return nil, err
	}
	st.TS, _ = time.Parse(time.RFC3339Nano, rawTS)
	st.LC, _ = time.Parse(time.RFC3339Nano, rawLC)
	return &st, nil
}

// SetForeignState writes val for id; ack marks it as acknowledged by the
// writer rather than echoed back from a device. lc only advances when the
// stored value actually changes, so readers see a true last-change time.
// Used by TimerService for its durable persistence slot.
func (s *DB) SetForeignState(ctx context.Context, id string, val any, ack bool) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	ackFlag := 0
	if ack {
		ackFlag = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO states (id, val, ts, lc, ack) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lc  = CASE WHEN states.val = excluded.val THEN states.lc ELSE excluded.lc END,
			val = excluded.val,
			ts  = excluded.ts,
			ack = excluded.ack
	`, id, string(b), now, now, ackFlag)
	return err
}

// ---- hostapi.Store ----

func (s *DB) GetMessageByRef(ctx context.Context, ref string, scope hostapi.StoreScope) (*model.Message, error) {
	var lcState, blob string
	err := s.db.QueryRowContext(ctx, `SELECT lifecycle_state, blob FROM messages WHERE ref = ?`, ref).
		Scan(&lcState, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if scope == hostapi.ScopeQuasiOpen && !model.LifecycleState(lcState).IsQuasiOpen() {
		return nil, nil
	}
	var msg model.Message
	if err := json.Unmarshal([]byte(blob), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *DB) AddMessage(ctx context.Context, msg *model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (ref, lifecycle_state, blob) VALUES (?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET lifecycle_state = excluded.lifecycle_state, blob = excluded.blob
	`, msg.Ref, string(msg.Lifecycle.State), string(b))
	return err
}

func (s *DB) UpdateMessage(ctx context.Context, ref string, patch map[string]any) error {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM messages WHERE ref = ?`, ref).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	var msg model.Message
	if err := json.Unmarshal([]byte(blob), &msg); err != nil {
		return err
	}
	applyPatch(&msg, patch)
	b, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET lifecycle_state = ?, blob = ? WHERE ref = ?
	`, string(msg.Lifecycle.State), string(b), ref)
	return err
}

func (s *DB) CompleteAfterCauseEliminated(ctx context.Context, ref string, actor string, finishedAt time.Time) error {
	return s.UpdateMessage(ctx, ref, map[string]any{
		"lifecycle.state":          model.Closed,
		"lifecycle.stateChangedBy": actor,
		"lifecycle.stateChangedAt": finishedAt,
		"lifecycle.closedAt":       finishedAt,
	})
}

func (s *DB) RemoveMessage(ctx context.Context, ref string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ref = ?`, ref)
	return err
}

// ---- config.ConfigStore ----

func (s *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM app_config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *DB) SetConfig(ctx context.Context, data map[string]any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_config (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, string(b))
	return err
}

// ---- hostapi.PresetSource ----

// ResolvePreset reads the preset's raw object and decodes it. Presets are
// stored as plain objects (id -> whole JSON document), unlike rule
// configs which use flat hyphen-keyed records.
func (s *DB) ResolvePreset(ctx context.Context, presetID string) (*model.Preset, error) {
	raw, err := s.GetForeignObject(ctx, presetID)
	if err != nil || raw == nil {
		return nil, err
	}
	return model.ParsePreset(presetID, raw)
}

// SubscribePresetState/UnsubscribePresetState are no-ops: this single
// process adapter has no separate push channel, so a cached preset changes
// only through an explicit PresetCache.Reload call; a rescan re-reads a
// preset only when it is not cached.
func (s *DB) SubscribePresetState(ctx context.Context, presetID string) error   { return nil }
func (s *DB) UnsubscribePresetState(ctx context.Context, presetID string) error { return nil }

// ---- hostapi.ManagedObjects ----

// Report stages ownership metadata for id; ApplyReported commits every
// staged id in one pass at the end of a scan.
func (s *DB) Report(ctx context.Context, id string, meta map[string]any) {
	s.reportMu.Lock()
	s.pending[id] = meta
	s.reportMu.Unlock()
}

// ApplyReported merges every staged managedMeta into its object's stored
// value under the "managedMeta" key and clears the pending set.
func (s *DB) ApplyReported(ctx context.Context) {
	s.reportMu.Lock()
	batch := s.pending
	s.pending = make(map[string]map[string]any)
	s.reportMu.Unlock()

	for id, meta := range batch {
		full, err := s.GetForeignObject(ctx, id)
		if err != nil {
			continue
		}
		if full == nil {
			full = make(map[string]any)
		}
		full["managedMeta"] = meta
		_ = s.PutObject(ctx, id, full)
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
