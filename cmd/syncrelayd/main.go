package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/snapnote/syncrelay/internal/config"
	"github.com/snapnote/syncrelay/internal/pending"
	"github.com/snapnote/syncrelay/internal/relay"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := pending.BuildStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("failed to build pending store from %q: %v", cfg.StoreDSN, err)
	}
	if err := store.Open(); err != nil {
		// Degraded mode: mutations that fail the network simply fail.
		log.Printf("pending store unavailable, offline capture disabled: %v", err)
	}
	defer store.Close()

	cache := relay.NewResponseCache(cfg.CacheTTL.Duration)
	bridge := relay.NewBridge(store, func() { cache.Trim(cfg.CacheKeep) }, log.Default())

	registry := prometheus.NewRegistry()
	metrics := relay.NewMetrics(registry, store)

	syncer, err := pending.NewSyncer(pending.SyncerOptions{
		Store:       store,
		HTTPClient:  &http.Client{Timeout: cfg.SyncTimeout.Duration},
		MaxAttempts: cfg.MaxAttempts,
		Notify:      bridge.BroadcastPendingState,
		OnOutcome:   metrics.ObserveOutcome,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize syncer: %v", err)
	}

	proxy, err := relay.NewServer(relay.ServerOptions{
		Upstream:         cfg.UpstreamURL,
		Store:            store,
		Cache:            cache,
		Bridge:           bridge,
		Metrics:          metrics,
		APIPathFragments: cfg.APIPathFragments(),
		MaxBodyBytes:     cfg.MaxBodyBytes,
		Logger:           log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize relay: %v", err)
	}

	admin := relay.NewAdmin(relay.AdminOptions{
		Store:     store,
		Syncer:    syncer,
		Cache:     cache,
		Bridge:    bridge,
		CacheKeep: cfg.CacheKeep,
		Logger:    log.Default(),
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", bridge)
	mux.Handle("/admin/", admin)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", proxy)

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOriginList(),
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(mux)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncNow := make(chan struct{}, 1)
	requestSync := func() {
		select {
		case syncNow <- struct{}{}:
		default:
		}
	}

	go runProber(rootCtx, cfg.UpstreamURL, cfg.ProbeInterval.Duration, requestSync)
	go runSyncLoop(rootCtx, syncer, cfg.SyncInterval.Duration, cfg.SyncJitter, cfg.SyncTimeout.Duration, syncNow)

	if path, ok := pending.FileStorePath(cfg.StoreDSN); ok {
		watcher, err := pending.WatchStoreFile(path, 0, func() {
			// Another process touched the queue; refresh UI contexts.
			bridge.BroadcastPendingState(store.HasAny())
		}, log.Default())
		if err != nil {
			log.Printf("store watch disabled: %v", err)
		} else {
			defer watcher.Close()
			go watcher.Run(rootCtx)
		}
	}

	server := &http.Server{Addr: cfg.ListenAddress, Handler: handler}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("syncrelay listening on %s (upstream %s, store %s)", cfg.ListenAddress, cfg.UpstreamURL, cfg.StoreDSN)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

// runProber watches upstream reachability and requests a drain on every
// offline-to-online transition.
func runProber(ctx context.Context, upstream string, interval time.Duration, requestSync func()) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	client := &http.Client{Timeout: 5 * time.Second}
	online := true
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reachable := probe(ctx, client, upstream)
			if reachable && !online {
				log.Printf("upstream reachable again, scheduling sync")
				requestSync()
			}
			online = reachable
		}
	}
}

func probe(ctx context.Context, client *http.Client, upstream string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, upstream, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	// Any HTTP answer means the transport is up.
	return true
}

func runSyncLoop(ctx context.Context, syncer *pending.Syncer, interval time.Duration, jitter float64, timeout time.Duration, syncNow <-chan struct{}) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	jitter = clampJitterRatio(jitter)

	run := func() {
		drainCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		outcomes := syncer.Drain(drainCtx)
		if len(outcomes) > 0 {
			succeeded := 0
			for _, outcome := range outcomes {
				if outcome.Success {
					succeeded++
				}
			}
			log.Printf("sync cycle: %d/%d replays succeeded", succeeded, len(outcomes))
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-syncNow:
			run()
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
