package refresh

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/zones/utils/pkg/retry"
	"github.com/malbeclabs/zones/zones/pkg/clickhouse"
	"github.com/malbeclabs/zones/zones/pkg/config"
	"github.com/malbeclabs/zones/zones/pkg/exploitation"
	"github.com/malbeclabs/zones/zones/pkg/landing"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

// Backend is the storage the pipeline runs on. Streaming is needed to publish to ClickHouse.
type Backend interface {
	store.Backend
	exploitation.Source
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Layout config.Layout

	Backend Backend
	// Ledger is optional; when set unify and match runs are recorded.
	Ledger store.Ledger

	// ClickHouse, when set, receives the exploitation tables; otherwise they are built in the
	// backend's exploitation schema.
	ClickHouse         clickhouse.Client
	ClickHouseDatabase string

	HTTPClient        *http.Client
	RequestsPerSecond float64
	Retry             retry.Config
	S3                landing.S3API
	// Overwrite replaces a file already landed today.
	Overwrite bool

	MatchThreshold int

	// RefreshInterval drives Start. Zero disables the loop.
	RefreshInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Layout.Root == "" {
		return errors.New("layout root is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RefreshInterval < 0 {
		return errors.New("refresh interval must not be negative")
	}
	return nil
}
