package unify

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/malbeclabs/zones/zones/pkg/store"
)

type KeepPolicy string

const (
	KeepLatest KeepPolicy = "latest"
	KeepOldest KeepPolicy = "oldest"
)

// ParseKeepPolicy accepts "latest" and "oldest"; the empty string means latest.
func ParseKeepPolicy(s string) (KeepPolicy, error) {
	switch KeepPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeepLatest:
		return KeepLatest, nil
	case KeepOldest:
		return KeepOldest, nil
	default:
		return "", fmt.Errorf("invalid keep policy %q: must be %q or %q", s, KeepLatest, KeepOldest)
	}
}

var ErrNoSnapshots = errors.New("no snapshots to unify")

// Config is the part of a pipeline definition that drives unification.
type Config struct {
	Rename map[string]string
	Keys   []string
	Keep   KeepPolicy
}

func (c Config) canonical(column string) string {
	if renamed, ok := c.Rename[column]; ok && renamed != "" {
		return renamed
	}
	return column
}

// Insert copies one snapshot into the unified table.
type Insert struct {
	Snapshot store.QualifiedName
	Mapping  []store.ColumnMapping
}

// Plan is the full description of a unification: the target definition and the inserts in the order
// they must run for the keep policy to hold.
type Plan struct {
	Table     store.TableSpec
	Inserts   []Insert
	Variables []string
}

// BuildPlan computes the unified schema of snapshots under cfg. Snapshots are ordered by their
// identifier (the table name) whatever order they are given in. Column order follows first
// appearance; each column takes the type declared by the last snapshot that has it.
func BuildPlan(target store.QualifiedName, snapshots []store.Table, cfg Config) (*Plan, error) {
	if len(snapshots) == 0 {
		return nil, ErrNoSnapshots
	}
	if len(cfg.Keys) == 0 {
		return nil, &SchemaError{Reason: "at least one key is required"}
	}
	keep := cfg.Keep
	if keep == "" {
		keep = KeepLatest
	}
	if keep != KeepLatest && keep != KeepOldest {
		return nil, fmt.Errorf("invalid keep policy %q", keep)
	}

	ordered := slices.Clone(snapshots)
	slices.SortStableFunc(ordered, func(a, b store.Table) int {
		return strings.Compare(a.Name.Name, b.Name.Name)
	})

	var columns []store.Column
	index := make(map[string]int)
	inserts := make([]Insert, 0, len(ordered))
	for _, snap := range ordered {
		mapping := make([]store.ColumnMapping, 0, len(snap.Columns))
		seen := make(map[string]string, len(snap.Columns))
		for _, col := range snap.Columns {
			name := cfg.canonical(col.Name)
			if prev, dup := seen[name]; dup {
				return nil, &SchemaError{
					Reason:   fmt.Sprintf("snapshot %s maps both %q and %q to column %q", snap.Name, prev, col.Name, name),
					Snapshot: snap.Name.String(),
				}
			}
			seen[name] = col.Name
			if i, ok := index[name]; ok {
				columns[i].Type = col.Type
			} else {
				index[name] = len(columns)
				columns = append(columns, store.Column{Name: name, Type: col.Type})
			}
			mapping = append(mapping, store.ColumnMapping{Source: col.Name, Target: name})
		}
		inserts = append(inserts, Insert{Snapshot: snap.Name, Mapping: mapping})
	}

	variables := make([]string, len(columns))
	for i, c := range columns {
		variables[i] = c.Name
	}

	var missing []string
	keySeen := make(map[string]bool, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if keySeen[k] {
			return nil, &SchemaError{Reason: fmt.Sprintf("key %q is listed twice", k), Variables: variables}
		}
		keySeen[k] = true
		if _, ok := index[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Reason: "keys not found", MissingKeys: missing, Variables: variables}
	}

	if keep == KeepLatest {
		slices.Reverse(inserts)
	}

	return &Plan{
		Table: store.TableSpec{
			Name:       target,
			Columns:    columns,
			PrimaryKey: slices.Clone(cfg.Keys),
		},
		Inserts:   inserts,
		Variables: variables,
	}, nil
}
