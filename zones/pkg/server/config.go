package server

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/zones/zones/pkg/refresh"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Refresher *refresh.Refresher
	// Ledger backs the run history endpoints; they answer 404 without it.
	Ledger store.Ledger

	// AllowedOrigins for CORS. Empty allows localhost only.
	AllowedOrigins []string
	// RequestsPerMinute per client IP on the API routes.
	RequestsPerMinute int
	RequestBurst      int
	// RefreshCost is the number of tokens a POST /refresh spends.
	RefreshCost int

	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Refresher == nil {
		return errors.New("refresher is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 100
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 20
	}
	if cfg.RefreshCost <= 0 {
		cfg.RefreshCost = 5
	}
	cfg.RefreshCost = min(cfg.RefreshCost, cfg.RequestBurst)
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}
