package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/snapnote/syncrelay/internal/pending"
)

func main() {
	storeDSN := flag.String("store-dsn", envOrDefault("SYNCRELAY_STORE_DSN", "file://.syncrelay/pending-changes.json"), "pending store DSN")
	interval := flag.Duration("interval", durationEnv("SYNCRELAY_SYNC_INTERVAL", 30*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("SYNCRELAY_SYNC_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("SYNCRELAY_SYNC_TIMEOUT", 15*time.Second), "per-cycle timeout")
	maxAttempts := flag.Int("max-attempts", intEnv("SYNCRELAY_MAX_ATTEMPTS", 0), "replay attempts before quarantine (0 = unlimited)")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*storeDSN) == "" {
		log.Fatalf("store-dsn is required (--store-dsn or SYNCRELAY_STORE_DSN)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	store, err := pending.BuildStoreFromDSN(*storeDSN)
	if err != nil {
		log.Fatalf("failed to build pending store from %q: %v", *storeDSN, err)
	}
	if err := store.Open(); err != nil {
		log.Fatalf("failed to open pending store: %v", err)
	}
	defer store.Close()

	syncer, err := pending.NewSyncer(pending.SyncerOptions{
		Store:       store,
		HTTPClient:  &http.Client{Timeout: *timeout},
		MaxAttempts: *maxAttempts,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize syncer: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		outcomes := syncer.Drain(ctx)
		if len(outcomes) == 0 {
			log.Printf("sync cycle completed, no pending changes")
			return
		}
		succeeded := 0
		for _, outcome := range outcomes {
			if outcome.Success {
				succeeded++
			}
		}
		log.Printf("sync cycle completed, %d/%d replays succeeded", succeeded, len(outcomes))
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("sync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
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
