package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// Duration parses time.ParseDuration syntax from the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalEnvironmentValue(data string) error {
	value, err := time.ParseDuration(strings.TrimSpace(data))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", data, err)
	}
	d.Duration = value
	return nil
}

type Config struct {
	ListenAddress string `env:"SYNCRELAY_LISTEN_ADDRESS,default=127.0.0.1:8787"`
	UpstreamURL   string `env:"SYNCRELAY_UPSTREAM_URL,required=true"`
	StoreDSN      string `env:"SYNCRELAY_STORE_DSN,default=file://.syncrelay/pending-changes.json"`

	// APIPaths classifies notes-API requests; pipe-separated path fragments.
	APIPaths string `env:"SYNCRELAY_API_PATHS,default=/notes|/rest/v1"`

	SyncInterval  Duration `env:"SYNCRELAY_SYNC_INTERVAL,default=30s"`
	SyncJitter    float64  `env:"SYNCRELAY_SYNC_JITTER,default=0.2"`
	SyncTimeout   Duration `env:"SYNCRELAY_SYNC_TIMEOUT,default=15s"`
	ProbeInterval Duration `env:"SYNCRELAY_PROBE_INTERVAL,default=10s"`

	// MaxAttempts quarantines a change after that many failed replays;
	// zero retries forever.
	MaxAttempts int `env:"SYNCRELAY_MAX_ATTEMPTS,default=0"`

	MaxBodyBytes int64    `env:"SYNCRELAY_MAX_BODY_BYTES,default=1048576"`
	CacheTTL     Duration `env:"SYNCRELAY_CACHE_TTL,default=0s"`
	CacheKeep    int      `env:"SYNCRELAY_CACHE_KEEP,default=100"`
	CORSOrigins  string   `env:"SYNCRELAY_CORS_ORIGINS,default=*"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) APIPathFragments() []string {
	fragments := []string{}
	for _, fragment := range strings.Split(c.APIPaths, "|") {
		fragment = strings.TrimSpace(fragment)
		if fragment != "" {
			fragments = append(fragments, fragment)
		}
	}
	return fragments
}

func (c *Config) CORSOriginList() []string {
	origins := []string{}
	for _, origin := range strings.Split(c.CORSOrigins, "|") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}
