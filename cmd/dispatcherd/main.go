// Command dispatcherd exposes a minimal HTTP adapter over the §4.1/§4.2
// Dispatcher — enough to submit a prompt and poll task status, not the
// full original gateway (no auth, no static files, no websockets; see
// SPEC_FULL.md §1's scope line). It also runs the housekeeping sweep
// (§3 retention) since both live in the process that isn't per-family.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Hiih-u/async-chat/internal/broker"
	"github.com/Hiih-u/async-chat/internal/bus"
	"github.com/Hiih-u/async-chat/internal/config"
	"github.com/Hiih-u/async-chat/internal/cron"
	"github.com/Hiih-u/async-chat/internal/dispatcher"
	"github.com/Hiih-u/async-chat/internal/family"
	"github.com/Hiih-u/async-chat/internal/nodepool"
	"github.com/Hiih-u/async-chat/internal/otelobs"
	"github.com/Hiih-u/async-chat/internal/store"
	"github.com/Hiih-u/async-chat/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	otelProvider, err := otelobs.Init(ctx, otelobs.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	eventBus := bus.New()

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()

	brk, err := broker.New(ctx, cfg.RedisAddr)
	if err != nil {
		fatalStartup(logger, "E_BROKER_CONNECT", err)
	}
	defer brk.Close()

	families, err := family.NewRegistry(cfg)
	if err != nil {
		fatalStartup(logger, "E_FAMILY_REGISTRY", err)
	}

	pool := nodepool.New(st, cfg.NodeClaimMaxRetries)
	disp := dispatcher.New(st, brk, families, pool)

	sched, err := cron.NewScheduler(cron.Config{
		Store:         st,
		Broker:        brk,
		CronExpr:      cfg.RetentionCronExpr,
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv := &server{store: st, dispatcher: disp, broker: brk, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/api/tasks", srv.handleDispatch)
	mux.HandleFunc("/api/tasks/", srv.handleTaskStatus)

	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("dispatcherd ready", "bind_addr", cfg.BindAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatalStartup(logger, "E_HTTP_SERVE", err)
	}
}

type server struct {
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	broker     *broker.Broker
	logger     *slog.Logger
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.broker.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

type dispatchRequest struct {
	Prompt            string   `json:"prompt"`
	ModelConfig       string   `json:"model_config"`
	ConversationID    string   `json:"conversation_id"`
	FilePaths         []string `json:"file_paths"`
	Mode              string   `json:"mode"`
	GeminiConcurrency int      `json:"gemini_concurrency"`
}

func (s *server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), dispatcher.Request{
		Prompt:            req.Prompt,
		ModelConfig:       req.ModelConfig,
		ConversationID:    req.ConversationID,
		FilePaths:         req.FilePaths,
		Mode:              req.Mode,
		GeminiConcurrency: req.GeminiConcurrency,
	})
	if err != nil {
		s.logger.Error("dispatch failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dispatch failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

func (s *server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Path[len("/api/tasks/"):]
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task id is required"})
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %v\n", reasonCode, err)
	}
	os.Exit(1)
}
