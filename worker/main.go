// The worker binary runs the broker's processing plane: dispatch loops,
// the scheduled-set promoter, heartbeats, the control-channel listener
// and the optional Postgres archive. Any number of workers can run
// against the same Redis; coordination happens through scripted state
// transitions and a snapshot-publisher lease.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/taskforge/archive"
	"github.com/itskum47/taskforge/breaker"
	"github.com/itskum47/taskforge/config"
	"github.com/itskum47/taskforge/dispatch"
	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/handler"
	"github.com/itskum47/taskforge/liveness"
	"github.com/itskum47/taskforge/provider"
	"github.com/itskum47/taskforge/ratelimit"
	"github.com/itskum47/taskforge/scheduler"
	"github.com/itskum47/taskforge/store"
	"github.com/itskum47/taskforge/task"
)

func main() {
	cfg := config.Load()
	log.Printf("Worker starting (id %s, concurrency %d)", cfg.WorkerID, cfg.Concurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %s, shutting down", sig)
		cancel()
	}()

	st, err := store.New(ctx, store.Config{
		Addr:           cfg.RedisAddr,
		Password:       cfg.RedisPassword,
		DB:             cfg.RedisDB,
		MaxConns:       cfg.StoreMaxConns,
		BlockingConns:  cfg.StoreBlockingConns,
		SocketTimeout:  cfg.StoreSocketTimeout,
		HealthInterval: cfg.StoreHealthInterval,
	})
	if err != nil {
		log.Fatalf("Redis connect failed: %v", err)
	}
	defer st.Close()

	scripts := append(task.Scripts(), ratelimit.Scripts()...)
	if err := st.LoadScripts(ctx, scripts...); err != nil {
		log.Fatalf("Script preload failed: %v", err)
	}

	manager := task.NewManager(st, cfg.RetryWarnDepth, cfg.RetryCritDepth)
	limiter := ratelimit.NewLimiter(st, cfg.RateLimitRequests, intervalSeconds(cfg.RateLimitInterval))

	var brk *breaker.Breaker
	brk = breaker.New(cfg.WorkerID, breaker.Config{
		WindowSize:   cfg.BreakerVolumeThreshold,
		FailureRatio: cfg.BreakerFailureRatio,
		OpenFor:      cfg.BreakerOpenDuration,
		ProbeLimit:   cfg.BreakerHalfOpenProbes,
	}, func(from, to breaker.State) {
		publishBreakerState(st, cfg.WorkerID, brk)
	})

	checker := provider.NewHTTPChecker(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	providerState := provider.NewStateManager(st, checker, cfg.WorkerID, provider.Config{
		FreshFor:         cfg.ProviderFresh,
		StaleFor:         cfg.ProviderStale,
		FailureThreshold: cfg.ProviderCircuitThreshold,
		CircuitOpenFor:   cfg.ProviderCircuitCooldown,
	})

	caller := dispatch.NewHTTPCaller(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	gate := dispatch.NewGate(brk, caller, providerState)

	registry := handler.NewRegistry()
	handler.RegisterBuiltins(registry, cfg.ProviderModel)

	router := dispatch.NewRouter(manager, dispatch.RouterConfig{
		Schedules:  cfg.RetrySchedules,
		MaxTaskAge: cfg.MaxTaskAge,
	})
	disp := dispatch.NewDispatcher(manager, registry, router, brk, limiter, gate, dispatch.Config{
		WorkerID:    cfg.WorkerID,
		Concurrency: cfg.Concurrency,
		PopTimeout:  cfg.PopTimeout,
		SoftLimit:   cfg.SoftLimit,
		HardLimit:   cfg.HardLimit,
		TokenWait:   cfg.TokenWait,
		Grace:       cfg.Grace,
	})

	// Recover tasks a previous unclean shutdown left off-queue.
	if n, err := manager.RequeueOrphaned(ctx); err != nil {
		log.Printf("Orphan requeue failed: %v", err)
	} else if n > 0 {
		log.Printf("Requeued %d orphaned tasks", n)
	}

	pub := events.NewPublisher(st)
	leader := events.NewLeader(st, store.KeySnapshotLock, cfg.WorkerID, 15*time.Second)
	snap := events.NewSnapshotter(manager, pub, leader, 5*time.Second)
	promoter := scheduler.NewPromoter(manager, cfg.SchedulerTick, cfg.SchedulerBatch)
	hb := liveness.NewHeartbeat(st, cfg.WorkerID, cfg.HeartbeatPeriod, cfg.HeartbeatTTLFactor, disp.InFlight, func() string {
		return brk.GetState().String()
	})
	control := dispatch.NewControlListener(st, brk, limiter, cfg.WorkerID)

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(st.HealthLoop)
	run(promoter.Run)
	run(leader.Run)
	run(snap.Run)
	run(hb.Run)
	run(control.Run)
	run(func(ctx context.Context) {
		heartbeatEvents(ctx, pub, cfg.WorkerID, cfg.HeartbeatPeriod, disp, brk)
	})

	if cfg.PostgresDSN != "" {
		arch, err := archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Printf("Archive disabled: %v", err)
		} else {
			defer arch.Close()
			if err := arch.EnsureSchema(ctx); err != nil {
				log.Fatalf("Archive schema failed: %v", err)
			}
			sub := events.NewSubscriber(st, nil)
			ch, stop := sub.Subscribe(256)
			defer stop()
			run(sub.Run)
			consumer := archive.NewConsumer(manager, arch)
			wg.Add(1)
			go func() {
				defer wg.Done()
				consumer.Run(ctx, ch)
			}()
			log.Printf("Archive enabled")
		}
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		log.Printf("Worker metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server failed: %v", err)
		}
	}()

	publishBreakerState(st, cfg.WorkerID, brk)

	// Blocks until the dispatch loops drain after cancellation.
	disp.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	log.Printf("Worker %s exited", cfg.WorkerID)
}

// intervalSeconds parses the bucket window ("10s", "1m") into whole
// seconds, defaulting to 10.
func intervalSeconds(interval string) int {
	d, err := time.ParseDuration(interval)
	if err != nil || d < time.Second {
		return 10
	}
	return int(d.Seconds())
}

// publishBreakerState mirrors the breaker into its shared hash so the
// API and dashboards can read every worker's circuit without asking it.
func publishBreakerState(st *store.Store, workerID string, brk *breaker.Breaker) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap := brk.Snapshot()
	key := store.BreakerKey(workerID)
	fields := map[string]interface{}{
		"state":         snap.State,
		"failure_count": snap.FailureCount,
		"window_count":  snap.WindowCount,
	}
	if !snap.OpenedAt.IsZero() {
		fields["opened_at"] = snap.OpenedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := st.HashSet(ctx, key, fields); err != nil {
		log.Printf("Breaker state publish failed: %v", err)
		return
	}
	if err := st.Expire(ctx, key, time.Hour); err != nil {
		log.Printf("Breaker state expire failed: %v", err)
	}
}

// heartbeatEvents publishes the bus-side heartbeat so stream observers
// see worker liveness without polling Redis.
func heartbeatEvents(ctx context.Context, pub *events.Publisher, workerID string, period time.Duration, disp *dispatch.Dispatcher, brk *breaker.Breaker) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pub.Heartbeat(ctx, workerID, map[string]interface{}{
				"in_flight":     disp.InFlight(),
				"breaker_state": brk.GetState().String(),
			})
		}
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
