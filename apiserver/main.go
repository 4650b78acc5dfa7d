// The apiserver binary is the ingress collaborator: a thin HTTP layer
// over the ingress service, the worker fleet view, the provider state
// cache and the realtime event stream. It holds no task state of its
// own; everything lives in the shared Redis.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/taskforge/archive"
	"github.com/itskum47/taskforge/config"
	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/handler"
	"github.com/itskum47/taskforge/ingress"
	"github.com/itskum47/taskforge/liveness"
	"github.com/itskum47/taskforge/provider"
	"github.com/itskum47/taskforge/ratelimit"
	"github.com/itskum47/taskforge/store"
	"github.com/itskum47/taskforge/task"
)

func main() {
	cfg := config.Load()
	log.Printf("API server starting on %s", cfg.APIAddr)

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
	go st.HealthLoop(ctx)

	manager := task.NewManager(st, cfg.RetryWarnDepth, cfg.RetryCritDepth)
	limiter := ratelimit.NewLimiter(st, cfg.RateLimitRequests, intervalSeconds(cfg.RateLimitInterval))

	// The registry is only consulted for submission validation here;
	// execution happens on the workers.
	registry := handler.NewRegistry()
	handler.RegisterBuiltins(registry, cfg.ProviderModel)

	svc := ingress.NewService(manager, registry, limiter, st, cfg.MaxRetries)
	monitor := liveness.NewMonitor(st, cfg.HeartbeatPeriod, cfg.HeartbeatTTLFactor)

	checker := provider.NewHTTPChecker(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	providerState := provider.NewStateManager(st, checker, "apiserver", provider.Config{
		FreshFor:         cfg.ProviderFresh,
		StaleFor:         cfg.ProviderStale,
		FailureThreshold: cfg.ProviderCircuitThreshold,
		CircuitOpenFor:   cfg.ProviderCircuitCooldown,
	})

	history := events.NewHistory(256)
	sub := events.NewSubscriber(st, history)
	go sub.Run(ctx)
	hub := NewHub(sub, history, cfg.WSMaxClients)
	go hub.Run(ctx)

	var arch *archive.Store
	if cfg.PostgresDSN != "" {
		arch, err = archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Printf("Archive disabled: %v", err)
			arch = nil
		} else {
			defer arch.Close()
			if err := arch.EnsureSchema(ctx); err != nil {
				log.Fatalf("Archive schema failed: %v", err)
			}
			log.Printf("Archive queries enabled")
		}
	}

	api := &API{
		svc:      svc,
		monitor:  monitor,
		provider: providerState,
		arch:     arch,
		hub:      hub,
	}

	mux := http.NewServeMux()
	api.routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	limiterMW := newIPLimiter(cfg.APIRateRPS, cfg.APIRateBurst)
	root := corsMiddleware(limiterMW.middleware(metricsMiddleware(mux)))

	server := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("API server listening on %s", cfg.APIAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API server shutdown: %v", err)
	}
	log.Printf("API server exited")
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
