// Command worker drains delivery receipts from the broker and correlates
// them against the campaign database. It runs alongside cmd/api when
// RECEIPT_TRANSPORT=amqp.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/campaign-dispatch/internal/config"
	"github.com/Cypherspark/campaign-dispatch/internal/core"
	dbpkg "github.com/Cypherspark/campaign-dispatch/internal/db"
	"github.com/Cypherspark/campaign-dispatch/internal/provider"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		exitCode = 1
		return
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	database, err := dbpkg.Open(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db open", "err", err)
		exitCode = 1
		return
	}
	defer database.Close()
	if err := database.Migrate(rootCtx); err != nil {
		log.Error("db migrate", "err", err)
		exitCode = 1
		return
	}

	// receipts only; this process never starts runs
	svc := core.NewService(rootCtx, core.NewPGStore(database), nil, core.WithLogger(log))

	// ---- Broker ----
	queue, err := provider.DialAMQP(cfg.AMQPURL, cfg.ReceiptQueue)
	if err != nil {
		log.Error("amqp", "err", err)
		exitCode = 1
		return
	}
	defer func() { _ = queue.Close() }()

	// ---- Healthz ----
	go serveHealthz(rootCtx, cfg.HealthAddr, database, log)

	log.Info("consuming delivery receipts", "queue", cfg.ReceiptQueue)
	if err := queue.Consume(rootCtx, svc.IngestReceipt, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer exited", "err", err)
		exitCode = 1
		return
	}
}

func serveHealthz(ctx context.Context, addr string, database *dbpkg.DB, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := database.Ping(pingCtx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("healthz server", "err", err)
	}
}
