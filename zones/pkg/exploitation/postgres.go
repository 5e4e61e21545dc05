package exploitation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/zones/zones/pkg/store"
	"github.com/malbeclabs/zones/zones/pkg/store/postgres"
)

// PostgresPublisher materializes tables in the exploitation schema of the backend.
type PostgresPublisher struct {
	log     *slog.Logger
	backend store.Backend
}

func NewPostgresPublisher(log *slog.Logger, backend store.Backend) *PostgresPublisher {
	return &PostgresPublisher{log: log, backend: backend}
}

func (p *PostgresPublisher) Target() string {
	return "postgres"
}

func (p *PostgresPublisher) Publish(ctx context.Context, table, query string) (int64, error) {
	name := store.QualifiedName{Schema: store.ExploitationSchema, Name: table}
	var rows int64
	err := p.backend.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateSchema(ctx, store.ExploitationSchema); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", postgres.QuoteName(store.QualifiedName{Name: store.TrustedSchema}))); err != nil {
			return err
		}
		if err := tx.DropTable(ctx, name); err != nil {
			return err
		}
		n, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", postgres.QuoteName(name), query))
		if err != nil {
			return err
		}
		rows = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return rows, nil
}
