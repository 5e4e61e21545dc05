package formatted

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/malbeclabs/zones/zones/pkg/config"
	"github.com/malbeclabs/zones/zones/pkg/store"
	"github.com/malbeclabs/zones/zones/pkg/store/postgres"
)

const (
	defaultColumnType = "text"
	copyBatchSize     = 10_000
)

var typeRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\(\s*\d+(\s*,\s*\d+)?\s*\))?(\[\])?$`)

// SchemaFor is the backend schema that holds the snapshots of dataset.
func SchemaFor(dataset string) string {
	return "formatted_" + strings.ToLower(dataset)
}

type Config struct {
	Logger  *slog.Logger
	Backend store.Backend
	Layout  config.Layout
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Layout.Root == "" {
		return errors.New("layout root is required")
	}
	return nil
}

// Loader turns landed files into snapshot tables.
type Loader struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{log: cfg.Logger, cfg: cfg}, nil
}

type Result struct {
	Schema string
	Loaded []string
}

// Load creates a snapshot table for every persistent file of the pipeline that has none yet. Each file
// is loaded in its own transaction; existing snapshots are never touched.
func (l *Loader) Load(ctx context.Context, p *config.Pipeline) (*Result, error) {
	for col, typ := range p.Read.Types {
		if !typeRE.MatchString(typ) {
			return nil, fmt.Errorf("invalid type %q for column %s", typ, col)
		}
	}

	dir := l.cfg.Layout.LandingPersistentDir(p.Name)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return &Result{Schema: SchemaFor(p.Name)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	schema := SchemaFor(p.Name)
	tables, err := l.cfg.Backend.Tables(ctx, schema)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(tables))
	for _, t := range tables {
		existing[t.Name.Name] = true
	}

	res := &Result{Schema: schema}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		snapshot, _, _ := strings.Cut(e.Name(), ".")
		if existing[snapshot] {
			continue
		}
		name := store.QualifiedName{Schema: schema, Name: snapshot}
		rows, err := l.loadFile(ctx, p, dir+string(os.PathSeparator)+e.Name(), name)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", e.Name(), err)
		}
		l.log.Info("formatted: loaded snapshot", "dataset", p.Name, "table", name.String(), "rows", rows)
		res.Loaded = append(res.Loaded, snapshot)
		existing[snapshot] = true
	}
	slices.Sort(res.Loaded)
	return res, nil
}

func (l *Loader) loadFile(ctx context.Context, p *config.Pipeline, path string, target store.QualifiedName) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r, err := newCSVReader(f, p.Read)
	if err != nil {
		return 0, err
	}

	staging := store.QualifiedName{Name: "zones_stg_" + target.Name}
	stagingSpec := store.TableSpec{Name: staging, Temporary: true}
	spec := store.TableSpec{Name: target}
	selects := make([]string, len(r.header))
	for i, h := range r.header {
		typ := defaultColumnType
		if t, ok := p.Read.Types[h]; ok {
			typ = t
		}
		stagingSpec.Columns = append(stagingSpec.Columns, store.Column{Name: h, Type: defaultColumnType})
		spec.Columns = append(spec.Columns, store.Column{Name: h, Type: typ})
		selects[i] = fmt.Sprintf("%s::%s", postgres.QuoteName(store.QualifiedName{Name: h}), typ)
	}

	var total int64
	err = l.cfg.Backend.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateTable(ctx, stagingSpec, false); err != nil {
			return err
		}
		for {
			rows, err := r.next(copyBatchSize)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				break
			}
			if _, err := tx.CopyRows(ctx, staging, stagingSpec.ColumnNames(), rows); err != nil {
				return err
			}
		}

		if err := tx.CreateSchema(ctx, target.Schema); err != nil {
			return err
		}
		if err := tx.CreateTable(ctx, spec, false); err != nil {
			return err
		}
		cols := make([]string, len(r.header))
		for i, h := range r.header {
			cols[i] = postgres.QuoteName(store.QualifiedName{Name: h})
		}
		n, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			postgres.QuoteName(target), strings.Join(cols, ", "), strings.Join(selects, ", "), postgres.QuoteName(staging)))
		total = n
		return err
	})
	return total, err
}
