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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Cypherspark/campaign-dispatch/internal/config"
	"github.com/Cypherspark/campaign-dispatch/internal/core"
	db "github.com/Cypherspark/campaign-dispatch/internal/db"
	httpapi "github.com/Cypherspark/campaign-dispatch/internal/http"
	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
	"github.com/Cypherspark/campaign-dispatch/internal/provider"
	"github.com/Cypherspark/campaign-dispatch/internal/worker"
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
	slog.SetDefault(log)

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup", "err", err)
		exitCode = 1
		return
	}
	defer a.close()

	if n, err := a.svc.Resume(rootCtx); err != nil {
		log.Error("resume campaign runs", "err", err)
	} else if n > 0 {
		log.Info("resumed campaign runs", "count", n)
	}

	// ---- HTTP server ----
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      a.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP listening", "addr", server.Addr, "store", cfg.Store, "receipts", cfg.ReceiptTransport)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server", "err", err)
			cancel()
		}
	}()

	<-rootCtx.Done()

	// ---- Graceful shutdown ----
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	a.svc.Wait()
	if dropped := a.scheduler.Stop(); dropped > 0 {
		log.Warn("dropped pending delivery receipts", "count", dropped)
	}
}

// app is the wired pipeline: store, simulated vendor, orchestrator, service
// and router. Runs use ctx as their base context.
type app struct {
	handler   http.Handler
	svc       *core.Service
	scheduler *provider.TimerScheduler
	closers   []func()
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{}
	metrics.MustRegister()

	// ---- Store ----
	var (
		store core.Store
		ready httpapi.Pinger
	)
	switch cfg.Store {
	case "memory":
		store = core.NewMemoryStore()
	default:
		database, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		if err := database.Migrate(ctx); err != nil {
			a.close()
			return nil, err
		}
		for _, c := range metrics.PoolCollectors(database.Pool) {
			if err := prometheus.Register(c); err != nil {
				log.Warn("register pool metrics", "err", err)
			}
		}
		store = core.NewPGStore(database)
		ready = database
	}

	// ---- Receipt transport ----
	var svc *core.Service
	var sink provider.ReceiptSink
	switch cfg.ReceiptTransport {
	case config.TransportAMQP:
		q, err := provider.DialAMQP(cfg.AMQPURL, cfg.ReceiptQueue)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = q.Close() })
		sink = q
	case config.TransportInline:
		sink = provider.FuncSink(func(ctx context.Context, r provider.Receipt) error {
			return svc.IngestReceipt(ctx, r)
		})
	default:
		sink = provider.NewHTTPSink(cfg.BackendURL)
	}

	// ---- Vendor / orchestrator ----
	a.scheduler = provider.NewTimerScheduler(sink, log)
	vendor := provider.NewSimulated(cfg.VendorOptions(), a.scheduler, provider.WithLogger(log))
	orch := worker.NewOrchestrator(store, vendor, cfg.WorkerOptions(), log)
	svc = core.NewService(ctx, store, orch, core.WithLogger(log))

	a.svc = svc
	a.handler = httpapi.NewServer(svc, ready, log).Router()
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
