//go:build integration

package sqlhost

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ingeststates.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestObjectViewRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.PutObject(ctx, "dev.0.target", map[string]any{
		"ingestStates.0": map[string]any{"enabled": true, "mode": "threshold"},
		"common":         map[string]any{"name": "Target"},
	}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	rows, err := db.GetObjectView(ctx)
	if err != nil {
		t.Fatalf("GetObjectView: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "dev.0.target" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].Value["ingestStates.0"]["mode"] != "threshold" {
		t.Fatalf("unexpected namespace value: %+v", rows[0].Value)
	}
}

func TestForeignStateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.SetForeignState(ctx, "dev.0.power", 42.5, true); err != nil {
		t.Fatalf("SetForeignState: %v", err)
	}
	st, err := db.GetForeignState(ctx, "dev.0.power")
	if err != nil {
		t.Fatalf("GetForeignState: %v", err)
	}
	if st == nil || st.Val != 42.5 {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestMessageLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	msg := &model.Message{
		Ref:   "ingestStates.0:dev.0.target:Default",
		Kind:  model.KindAlert,
		Title: "too cold",
		Lifecycle: model.Lifecycle{
			State:          model.Open,
			StateChangedAt: time.Now(),
		},
	}
	if err := db.AddMessage(ctx, msg); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	got, err := db.GetMessageByRef(ctx, msg.Ref, hostapi.ScopeQuasiOpen)
	if err != nil || got == nil {
		t.Fatalf("GetMessageByRef: %v, %+v", err, got)
	}

	if err := db.UpdateMessage(ctx, msg.Ref, map[string]any{"title": "still cold"}); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	got, _ = db.GetMessageByRef(ctx, msg.Ref, hostapi.ScopeAll)
	if got.Title != "still cold" {
		t.Fatalf("expected patched title, got %q", got.Title)
	}

	if err := db.CompleteAfterCauseEliminated(ctx, msg.Ref, "rule", time.Now()); err != nil {
		t.Fatalf("CompleteAfterCauseEliminated: %v", err)
	}
	if got, _ := db.GetMessageByRef(ctx, msg.Ref, hostapi.ScopeQuasiOpen); got != nil {
		t.Fatal("expected closed message to be excluded from quasi-open scope")
	}

	if err := db.RemoveMessage(ctx, msg.Ref); err != nil {
		t.Fatalf("RemoveMessage: %v", err)
	}
	if got, _ := db.GetMessageByRef(ctx, msg.Ref, hostapi.ScopeAll); got != nil {
		t.Fatal("expected removed message to be gone")
	}
}

func TestConfigStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	raw, err := db.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil config on fresh DB, got %+v", raw)
	}

	if err := db.SetConfig(ctx, map[string]any{"rescan_interval_ms": 5000.0}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	raw, err = db.GetConfig(ctx)
	if err != nil || raw["rescan_interval_ms"] != 5000.0 {
		t.Fatalf("unexpected config after set: %v, %+v", err, raw)
	}
}
