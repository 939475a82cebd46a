package main

import (
	"context"
	"log"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderflow/cmd/server/config"
	"orderflow/internal/api"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/realtime"
	"orderflow/internal/saga"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	sagaCfg, err := orders.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	storage, cleanupStorage := buildStorage(ctx, config.LoadStorage(), log.Printf)
	defer cleanupStorage()

	index, cleanupIndex, err := buildDispatchIndex(ctx)
	if err != nil {
		return err
	}
	defer cleanupIndex()

	metrics := observability.NewMetrics()
	hub := realtime.NewHub()
	go hub.Run()

	call, err := buildStepCall()
	if err != nil {
		return err
	}
	steps := orders.NewStoreSteps(storage.store, call, time.Now)

	mgr := saga.NewManager(saga.Config{
		Journal: storage.journal,
		Logf:    log.Printf,
		Observe: metrics.Observe,
	})

	onStatus := func(orderID string, snap orders.StatusSnapshot) {
		hub.PublishStatus(orderID, snap)
		switch {
		case snap.Status == orders.StatusProcessing:
			metrics.RunStarted()
		case snap.Status.Terminal():
			metrics.RunFinished(string(snap.Status))
		}
	}

	service := orders.NewService(mgr, steps, storage.ledger, index, sagaCfg, onStatus)
	handler := api.NewHandler(service)
	router := api.NewRouter(handler, hub, metrics)

	serverCfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:    serverCfg.Addr,
		Handler: router,
	}

	log.Printf("Server running on %s...", serverCfg.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		snap := metrics.Snapshot()
		metrics.MarkShutdown(snap.InFlight)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// buildStepCall returns the collaborator fronting every step. With
// ORDER_FLAKY set, a third of calls fail and a third stall past the step
// timeout so retry behavior can be watched end to end.
func buildStepCall() (func(context.Context) error, error) {
	flaky, err := parseOptionalBool("ORDER_FLAKY")
	if err != nil {
		return nil, err
	}
	if !flaky {
		return func(context.Context) error { return nil }, nil
	}

	stall := 30 * time.Second
	if d, err := parseOptionalDuration("ORDER_FLAKY_STALL"); err != nil {
		return nil, err
	} else if d != nil {
		stall = *d
	}

	clock := saga.RealClock()
	return orders.NewFlakyCall(rand.Float64, clock.Sleep, stall), nil
}
