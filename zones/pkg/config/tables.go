package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
)

var (
	ErrTableNotFound = errors.New("exploitation table not found")
	ErrTableExists   = errors.New("exploitation table already exists")
)

// Tables is the exploitation/tables.json record mapping table name to the SQL that builds it.
type Tables struct {
	path string
	mu   sync.Mutex
}

func NewTables(layout Layout) *Tables {
	return &Tables{path: layout.ExploitationTablesPath()}
}

// Load returns every table definition. A missing file has none.
func (t *Tables) Load() (map[string]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load()
}

// Names returns the table names in lexical order.
func (t *Tables) Names() ([]string, error) {
	defs, err := t.Load()
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(defs)), nil
}

func (t *Tables) Get(name string) (string, error) {
	defs, err := t.Load()
	if err != nil {
		return "", err
	}
	query, ok := defs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return query, nil
}

func (t *Tables) Add(name, query string) error {
	return t.modify(name, query, func(exists bool) error {
		if exists {
			return fmt.Errorf("%w: %s", ErrTableExists, name)
		}
		return nil
	})
}

// Update replaces the SQL of an existing table.
func (t *Tables) Update(name, query string) error {
	return t.modify(name, query, func(exists bool) error {
		if !exists {
			return fmt.Errorf("%w: %s", ErrTableNotFound, name)
		}
		return nil
	})
}

// Delete removes the named tables. Nothing is written if any of them is unknown.
func (t *Tables) Delete(names ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	defs, err := t.load()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := defs[name]; !ok {
			return fmt.Errorf("%w: %s", ErrTableNotFound, name)
		}
		delete(defs, name)
	}
	return t.save(defs)
}

func (t *Tables) modify(name, query string, check func(exists bool) error) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query of table %s is empty", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	defs, err := t.load()
	if err != nil {
		return err
	}
	_, exists := defs[name]
	if err := check(exists); err != nil {
		return err
	}
	if defs == nil {
		defs = map[string]string{}
	}
	defs[name] = query
	return t.save(defs)
}

func (t *Tables) load() (map[string]string, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read exploitation tables: %w", err)
	}
	defs := map[string]string{}
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", t.path, err)
	}
	return defs, nil
}

func (t *Tables) save(defs map[string]string) error {
	data, err := json.MarshalIndent(defs, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode exploitation tables: %w", err)
	}
	return writeFileAtomic(t.path, append(data, '\n'))
}
