// Command taskforged is the daemon process entrypoint: load config, build
// the configured Store, wire the daemon.Runner, and serve /health and
// /metrics alongside it. Wiring order and the HTTP surface follow the
// teacher's main.go (store first, then the components that depend on it,
// then HTTP handlers registered last, right before the startup banner).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskforge/daemon/internal/agentdriver"
	"github.com/taskforge/daemon/internal/config"
	"github.com/taskforge/daemon/internal/daemon"
	"github.com/taskforge/daemon/internal/idempotency"
	"github.com/taskforge/daemon/internal/observability"
	"github.com/taskforge/daemon/internal/store"
	"github.com/taskforge/daemon/internal/streaming"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; defaults are used if absent)")
	adminAddr := flag.String("admin-addr", ":8080", "address for the /health and /metrics endpoints")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("taskforged: %v", err)
		}
		cfg = loaded
	}

	s, err := buildStore(cfg.Store)
	if err != nil {
		log.Fatalf("taskforged: store: %v", err)
	}

	timeout := time.Duration(cfg.AgentDriver.TimeoutMs) * time.Millisecond
	driver := agentdriver.NewHTTPDriver(cfg.AgentDriver.Endpoint, timeout)

	runner := daemon.New(cfg, s, driver)

	bus := runner.Orchestrator().Bus()
	hub := streaming.NewHub(bus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idemBackend, _ := s.(idempotency.Backend)
	idemStore := idempotency.NewStore(idemBackend)

	go hub.Run(ctx)
	go serveAdmin(*adminAddr, runner, idemStore)

	go func() {
		for event := range runner.Restart {
			log.Printf("taskforged: watchdog requested restart (%s); exiting for supervisor", event.Reason)
			os.Exit(daemon.ExitWatchdogRestart)
		}
	}()

	log.Printf("taskforged: starting (store=%s, admin=%s)", cfg.Store.Backend, *adminAddr)
	runner.Run(ctx)
	log.Printf("taskforged: shutdown complete")
}

// buildStore constructs the configured backend, wrapping the durable
// Postgres backend with a ResilientStore so transient outages degrade to a
// local cache instead of failing every in-flight task. RedisStore is left
// unwrapped: it doubles as the HA Coordinator, and ResilientStore only
// promotes the Store interface's methods, which would hide the Coordinator
// methods daemon.New type-asserts for.
func buildStore(cfg config.StoreConfig) (store.Store, error) {
	ctx := context.Background()
	switch cfg.Backend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewResilientStore(pg), nil
	case "redis":
		return store.NewRedisStore(ctx, cfg.RedisAddr, "", cfg.RedisDB)
	default:
		return store.NewMemoryStore(), nil
	}
}

// serveAdmin exposes /health, /metrics, and the §6 CLI-surface commands
// (resume/cancel/trash/restore) over HTTP, since core must accept those
// commands "via any transport" and the CLI/TUI tool itself is out of scope,
// not the commands. Each command call is de-duplicated through idemStore,
// keyed by an Idempotency-Key header, the same guard the teacher puts in
// front of its own job-submission endpoints.
func serveAdmin(addr string, runner *daemon.Runner, idemStore *idempotency.Store) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/tasks/", func(w http.ResponseWriter, r *http.Request) {
		handleTaskCommand(w, r, runner, idemStore)
	})

	log.Printf("taskforged: admin endpoints listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("taskforged: admin server stopped: %v", err)
	}
}

// handleTaskCommand serves POST /admin/tasks/{taskID}/{command} for
// command in {resume, cancel, trash, restore}, per §6's CLI surface.
func handleTaskCommand(w http.ResponseWriter, r *http.Request, runner *daemon.Runner, idemStore *idempotency.Store) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/admin/tasks/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /admin/tasks/{taskID}/{command}", http.StatusBadRequest)
		return
	}
	taskID, command := parts[0], parts[1]

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		idemKey = "no-key"
	}
	dedupeKey := idempotency.Key(command, taskID, idemKey)

	if result, ok := idemStore.Get(r.Context(), dedupeKey); ok {
		observability.IdempotencyLocks.WithLabelValues(command, "replayed").Inc()
		writeCommandResult(w, result)
		return
	}

	err := runCommand(r.Context(), runner, command, taskID)
	result := idempotency.Result{Applied: err == nil}
	outcome := "applied"
	if err != nil {
		result.Error = err.Error()
		outcome = "error"
	}
	idemStore.Set(r.Context(), dedupeKey, result)
	observability.IdempotencyLocks.WithLabelValues(command, outcome).Inc()
	writeCommandResult(w, result)
}

func runCommand(ctx context.Context, runner *daemon.Runner, command, taskID string) error {
	switch command {
	case "resume":
		return runner.Orchestrator().ResumePausedTask(ctx, taskID)
	case "cancel":
		return runner.Machine().Cancel(ctx, taskID)
	case "trash":
		return runner.Machine().Trash(ctx, taskID)
	case "restore":
		return runner.Machine().Restore(ctx, taskID)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func writeCommandResult(w http.ResponseWriter, result idempotency.Result) {
	w.Header().Set("Content-Type", "application/json")
	if !result.Applied {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(result)
}
