// Command worker is the agent child process launched by the supervisor. It
// reads its identity and configuration from the environment, serves a small
// HTTP API on the assigned port, and reports lifecycle events as one-line
// JSON objects on stdout:
//
//	{"type":"ready"}                          once, after the listener is up
//	{"type":"heartbeat","uptimeMs":…,
//	 "requestCount":…,"errorCount":…}         at least once per heartbeat interval
//	{"type":"metrics","memory":…,"cpu":…}     at most once per minute
//
// Stdout belongs exclusively to the event protocol; all diagnostic logging
// goes to stderr. On SIGTERM the worker stops accepting work, drains
// in-flight requests, and exits with code 0.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	// heartbeatPeriod is half the supervisor's default heartbeat interval,
	// so one lost line never makes the agent look stale.
	heartbeatPeriod = 15 * time.Second

	metricsPeriod = 60 * time.Second

	drainTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type workerConfig struct {
	agentID   string
	agentName string
	port      int
	config    map[string]any
}

func loadConfig() (*workerConfig, error) {
	cfg := &workerConfig{
		agentID:   os.Getenv("AGENT_ID"),
		agentName: os.Getenv("AGENT_NAME"),
	}
	if cfg.agentID == "" {
		return nil, errors.New("AGENT_ID is required")
	}

	port, err := strconv.Atoi(os.Getenv("AGENT_PORT"))
	if err != nil || port < 1024 || port > 65535 {
		return nil, fmt.Errorf("AGENT_PORT must be a port in [1024,65535], got %q", os.Getenv("AGENT_PORT"))
	}
	cfg.port = port

	raw := os.Getenv("AGENT_CONFIG")
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &cfg.config); err != nil {
		return nil, fmt.Errorf("AGENT_CONFIG is not valid JSON: %w", err)
	}
	return cfg, nil
}

// emitter serializes event lines onto the supervisor's protocol stream
// (stdout in production).
type emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEmitter(out io.Writer) *emitter {
	return &emitter{enc: json.NewEncoder(out)}
}

func (e *emitter) emit(event map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(event)
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := &worker{
		cfg:      cfg,
		out:      newEmitter(os.Stdout),
		logger:   logger,
		started:  time.Now(),
		shutdown: cancel,
	}

	r := chi.NewRouter()
	r.Get("/health", w.handleHealth)
	r.Get("/config", w.handleConfig)
	r.Post("/process", w.handleProcess)
	r.Post("/shutdown", w.handleShutdown)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.port, err)
	}

	srv := &http.Server{Handler: r}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	logger.Info("worker listening",
		zap.String("agent_id", cfg.agentID),
		zap.String("agent_name", cfg.agentName),
		zap.Int("port", cfg.port))

	// The listener is up; tell the supervisor we are ready.
	w.out.emit(map[string]any{"type": "ready"})

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()
	metrics := time.NewTicker(metricsPeriod)
	defer metrics.Stop()

	w.emitHeartbeat()
	w.emitMetrics()

	for {
		select {
		case <-heartbeat.C:
			w.emitHeartbeat()
		case <-metrics.C:
			w.emitMetrics()
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case <-ctx.Done():
			logger.Info("draining and shutting down")
			drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
			defer cancelDrain()
			_ = srv.Shutdown(drainCtx)
			return nil
		}
	}
}

// buildLogger returns a production logger pinned to stderr. Stdout must stay
// clean for the event protocol.
func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

type worker struct {
	cfg      *workerConfig
	out      *emitter
	logger   *zap.Logger
	started  time.Time
	shutdown context.CancelFunc

	mu        sync.Mutex
	processed int64
	failed    int64
}

func (w *worker) emitHeartbeat() {
	w.mu.Lock()
	processed, failed := w.processed, w.failed
	w.mu.Unlock()

	w.out.emit(map[string]any{
		"type":         "heartbeat",
		"uptimeMs":     time.Since(w.started).Milliseconds(),
		"requestCount": processed,
		"errorCount":   failed,
	})
}

func (w *worker) emitMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var ru syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &ru)

	w.out.emit(map[string]any{
		"type": "metrics",
		"memory": map[string]any{
			// Maxrss is reported in kilobytes on Linux.
			"rss":       uint64(ru.Maxrss) * 1024,
			"heapTotal": ms.HeapSys,
			"heapUsed":  ms.HeapAlloc,
		},
		"cpu": map[string]any{
			"user":   uint64(ru.Utime.Sec)*1_000_000 + uint64(ru.Utime.Usec),
			"system": uint64(ru.Stime.Sec)*1_000_000 + uint64(ru.Stime.Usec),
		},
	})
}

func (w *worker) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":   "ok",
		"agentId":  w.cfg.agentID,
		"name":     w.cfg.agentName,
		"uptimeMs": time.Since(w.started).Milliseconds(),
	})
}

func (w *worker) handleConfig(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, w.cfg.config)
}

type processRequest struct {
	Input string `json:"input"`
}

// handleProcess is the worker's unit of useful work: it accepts a task and
// acknowledges it. The reference worker does not talk to a model provider;
// it echoes the task back tagged with the configured model so end-to-end
// tests can assert config plumbing.
func (w *worker) handleProcess(rw http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	w.mu.Lock()
	w.processed++
	n := w.processed
	w.mu.Unlock()

	model, _ := w.cfg.config["model"].(string)
	writeJSON(rw, http.StatusOK, map[string]any{
		"agentId":   w.cfg.agentID,
		"model":     model,
		"input":     req.Input,
		"processed": n,
	})
}

func (w *worker) handleShutdown(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"status": "shutting down"})
	// Trigger the same drain path as SIGTERM once the response is written.
	w.shutdown()
}

func writeJSON(rw http.ResponseWriter, status int, payload any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(payload)
}
