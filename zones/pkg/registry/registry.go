package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

var ErrDuplicateRule = errors.New("match rule already registered")

type Config struct {
	Logger *slog.Logger
	// Path of the JSON rules file. A missing file is an empty registry.
	Path string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// Registry is the persisted, ordered list of match rules.
type Registry struct {
	log *slog.Logger
	cfg Config
	mu  sync.Mutex
}

func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Registry) List() ([]Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Add appends rule. A rule equal to an existing one, in either orientation, is rejected.
func (r *Registry) Add(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.load()
	if err != nil {
		return err
	}
	flipped := Rule{Left: rule.Right, Right: rule.Left}
	if slices.Contains(rules, rule) || slices.Contains(rules, flipped) {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule)
	}
	if err := r.save(append(rules, rule)); err != nil {
		return err
	}
	r.log.Info("registry: added match rule", "rule", rule.String())
	return nil
}

// RemoveDataset drops every rule that references dataset and returns how many were removed.
func (r *Registry) RemoveDataset(dataset string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.load()
	if err != nil {
		return 0, err
	}
	kept := slices.DeleteFunc(slices.Clone(rules), func(rule Rule) bool { return rule.Mentions(dataset) })
	removed := len(rules) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := r.save(kept); err != nil {
		return 0, err
	}
	r.log.Info("registry: removed match rules", "dataset", dataset, "count", removed)
	return removed, nil
}

// RulesFor returns the rules that reference dataset, in registration order.
func (r *Registry) RulesFor(dataset string) ([]Rule, error) {
	rules, err := r.List()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(rules, func(rule Rule) bool { return !rule.Mentions(dataset) }), nil
}

func (r *Registry) load() ([]Rule, error) {
	data, err := os.ReadFile(r.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read match rules: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse match rules %s: %w", r.cfg.Path, err)
	}
	return rules, nil
}

func (r *Registry) save(rules []Rule) error {
	if rules == nil {
		rules = []Rule{}
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode match rules: %w", err)
	}
	dir := filepath.Dir(r.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".data_quality-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write match rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write match rules: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.cfg.Path); err != nil {
		return fmt.Errorf("failed to replace match rules: %w", err)
	}
	return nil
}
