package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/whisper-darkly/ingeststates/internal/engine"
)

// Deps holds everything the admin HTTP surface needs.
type Deps struct {
	Engine    *engine.Engine
	JWTSecret []byte
	// Operators maps operator name to bcrypt password hash. Populated at
	// process startup from configuration; there is no user-management
	// endpoint — this surface is for a handful of operators, not the
	// per-tenant accounts the browser admin UI would have.
	Operators map[string]string
}

// New builds the admin HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	auth := requireAuth(d.JWTSecret)

	mux.HandleFunc("POST /admin/login", login(d))
	mux.Handle("POST /admin/rescan", auth(http.HandlerFunc(rescan(d))))
	mux.Handle("GET /admin/rules", auth(http.HandlerFunc(listRules(d))))
	mux.Handle("GET /admin/timers", auth(http.HandlerFunc(listTimers(d))))
	mux.Handle("GET /admin/presets", auth(http.HandlerFunc(listPresets(d))))
	mux.HandleFunc("GET /admin/health", health(d))

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Operator string `json:"operator"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		hash, ok := d.Operators[body.Operator]
		if !ok || !CheckPassword(hash, body.Password) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		token, err := IssueAccessToken(d.JWTSecret, body.Operator, uuid.New())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
	}
}

func rescan(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Engine.TriggerRescan()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "rescan triggered",
			"by":         contextOperator(r),
			"session_id": contextSessionID(r).String(),
		})
	}
}

type ruleView struct {
	TargetID         string   `json:"targetId"`
	Kind             string   `json:"kind"`
	RequiredStateIDs []string `json:"requiredStateIds"`
	// RecentLogs is the rule's trace-log ring, present only when
	// traceEvents was enabled for it.
	RecentLogs []string `json:"recentLogs,omitempty"`
}

func listRules(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := d.Engine.Snapshot(r.Context())
		out := make([]ruleView, 0, len(snap.Rules))
		for _, ri := range snap.Rules {
			out = append(out, ruleView{
				TargetID:         ri.TargetID,
				Kind:             ri.Kind,
				RequiredStateIDs: ri.RequiredStateIDs,
				RecentLogs:       ri.RecentLogs,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": out, "count": len(out)})
	}
}

type timerView struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	DueAt time.Time      `json:"dueAt"`
	DueIn string         `json:"dueIn"`
	Data  map[string]any `json:"data,omitempty"`
}

func listTimers(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := d.Engine.Snapshot(r.Context())
		out := make([]timerView, 0, len(snap.Timers))
		for _, t := range snap.Timers {
			out = append(out, timerView{
				ID:    t.ID,
				Kind:  t.Kind,
				DueAt: t.DueAt,
				DueIn: humanize.Time(t.DueAt),
				Data:  t.Data,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"timers": out, "count": len(out)})
	}
}

func listPresets(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := d.Engine.Snapshot(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"presets": snap.PresetKeys, "count": len(snap.PresetKeys)})
	}
}

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
