// Command ingeststates runs the IngestStates rule engine as a standalone
// process: it connects to a host bus over WebSocket for state/object push
// and pull, persists messages and timers to either an embedded SQLite
// database or a shared PostgreSQL server, and exposes a small JWT-protected
// admin HTTP surface for rescans and introspection. Wiring is env-var
// driven, with log.Fatalf on unrecoverable startup errors and
// signal-driven graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/whisper-darkly/ingeststates/internal/adminapi"
	"github.com/whisper-darkly/ingeststates/internal/config"
	"github.com/whisper-darkly/ingeststates/internal/engine"
	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/hostres"
	"github.com/whisper-darkly/ingeststates/internal/sqlhost"
	"github.com/whisper-darkly/ingeststates/internal/sqlhost/pgstore"
	"github.com/whisper-darkly/ingeststates/internal/wshost"
)

var version = "dev"

// store bundles the host-side interfaces backed by a single database
// connection, regardless of which backend (sqlite or postgres) provides it.
type store interface {
	hostapi.Reader
	hostapi.Store
	hostapi.PresetSource
	hostapi.ManagedObjects
	config.ConfigStore
	Close() error
}

func main() {
	port := env("INGESTSTATES_PORT", "8090")
	hostURL := env("INGESTSTATES_HOST_URL", "ws://localhost:8081/ws")
	namespace := env("INGESTSTATES_NAMESPACE", "ingestStates.0")
	confDir := env("CONF_DIR", "/data/conf")

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	fmt.Printf("ingeststates %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, confDir)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	adminUser := env("ADMIN_USERNAME", "admin")
	adminPass := os.Getenv("ADMIN_PASSWORD")
	operators := map[string]string{}
	if adminPass != "" {
		hash, err := adminapi.HashPassword(adminPass)
		if err != nil {
			log.Fatalf("hash admin password: %v", err)
		}
		operators[adminUser] = hash
		log.Printf("registered admin operator: %s", adminUser)
	} else {
		log.Println("ADMIN_PASSWORD not set; admin HTTP surface has no operators")
	}

	cfg, err := config.Load(ctx, st)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New(log.Writer(), "ingeststates: ", log.LstdFlags)

	eng := engine.New(engine.Config{
		Reader:         st,
		Store:          st,
		Factory:        sqlhost.NewFactory(),
		Options:        config.NewOptions(cfg),
		Resources:      hostres.New(),
		ManagedObjects: st,
		PresetSource:   st,
		Clock:          hostapi.SystemClock{},
		Namespace:      namespace,
		Logger:         logger,
		// Bus is filled in below: wshost.New needs the engine's own
		// callbacks as its Handler, and the Handler needs eng to exist
		// first, so the field is set post-construction rather than
		// threaded through the literal above.
	})
	bus := wshost.New(hostURL, wshost.Handler{
		OnStateChange:  eng.OnStateChange,
		OnObjectChange: eng.OnObjectChange,
		OnConnected: func() {
			log.Println("host bus: connected")
			eng.TriggerRescan()
		},
	}, logger)
	eng.SetBus(bus)

	go bus.Run(ctx)

	eng.Start(ctx)

	srv := &http.Server{
		Addr: ":" + port,
		Handler: adminapi.New(adminapi.Deps{
			Engine:    eng,
			JWTSecret: []byte(jwtSecret),
			Operators: operators,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("admin http listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()
	eng.Stop(context.Background())

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// openStore picks postgres when DB_DSN is set, otherwise an embedded
// SQLite database under confDir, so the single-binary and shared-server
// deployments are a runtime choice instead of a build-time fork.
func openStore(ctx context.Context, confDir string) (store, error) {
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		db, err := pgstore.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return db, nil
	}
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, fmt.Errorf("conf dir: %w", err)
	}
	db, err := sqlhost.Open(filepath.Join(confDir, "ingeststates.db"))
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return db, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
