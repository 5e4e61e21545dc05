package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var ErrPipelineNotFound = errors.New("pipeline not found")

// Pipelines reads and writes pipeline records in the dataset_info directory.
type Pipelines struct {
	layout Layout
}

func NewPipelines(layout Layout) *Pipelines {
	return &Pipelines{layout: layout}
}

// Names lists the configured pipelines in lexical order.
func (s *Pipelines) Names() ([]string, error) {
	entries, err := os.ReadDir(s.layout.DatasetInfoDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	slices.Sort(names)
	return names, nil
}

func (s *Pipelines) Load(name string) (*Pipeline, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.layout.PipelinePath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline %s: %w", name, err)
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline %s: %w", name, err)
	}
	p.Name = name
	return &p, nil
}

// LoadAll loads every configured pipeline in name order.
func (s *Pipelines) LoadAll() ([]*Pipeline, error) {
	names, err := s.Names()
	if err != nil {
		return nil, err
	}
	out := make([]*Pipeline, 0, len(names))
	for _, n := range names {
		p, err := s.Load(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Pipelines) Save(p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode pipeline %s: %w", p.Name, err)
	}
	return writeFileAtomic(s.layout.PipelinePath(p.Name), append(data, '\n'))
}

func (s *Pipelines) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := os.Remove(s.layout.PipelinePath(name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to delete pipeline %s: %w", name, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
