package cleaning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/zones/zones/pkg/store"
	"github.com/malbeclabs/zones/zones/pkg/store/postgres"
)

// Placeholder is replaced by the quoted name of the trusted table in every transformation.
const Placeholder = "{dataset}"

type Config struct {
	Logger  *slog.Logger
	Backend store.Backend
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	return nil
}

type Cleaner struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Cleaner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cleaner{log: cfg.Logger, cfg: cfg}, nil
}

// TransformationError identifies the transformation the backend rejected.
type TransformationError struct {
	Index     int
	Statement string
	Err       error
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("transformation %d failed: %v", e.Index+1, e.Err)
}

func (e *TransformationError) Unwrap() error {
	return e.Err
}

// Render substitutes the table into a transformation.
func Render(transformation string, table store.QualifiedName) string {
	return strings.ReplaceAll(transformation, Placeholder, postgres.QuoteName(table))
}

// Clean runs the transformations in order inside one transaction and returns the rows each affected.
// Nothing is applied if any of them fails.
func (c *Cleaner) Clean(ctx context.Context, table store.QualifiedName, transformations []string) ([]int64, error) {
	if len(transformations) == 0 {
		return nil, nil
	}
	affected := make([]int64, 0, len(transformations))
	err := c.cfg.Backend.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i, t := range transformations {
			stmt := Render(t, table)
			n, err := tx.Exec(ctx, stmt)
			if err != nil {
				return &TransformationError{Index: i, Statement: stmt, Err: err}
			}
			c.log.Debug("cleaning: applied transformation", "table", table.String(), "index", i, "rows", n)
			affected = append(affected, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clean %s: %w", table, err)
	}
	c.log.Info("cleaning: completed", "table", table.String(), "transformations", len(transformations))
	return affected, nil
}
