package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
)

var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,47}$`)

// ValidateName checks that a pipeline name can be used as a file, schema and table name.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("invalid name %q: use letters, digits and underscores, starting with a letter", name)
	}
	return nil
}

const (
	UnfoldZip  = "zip"
	UnfoldFile = "file"
)

// UnfoldStep is one post-download step, encoded as a ["zip"|"file", "<regexp>"] pair. A zip step
// extracts the first archive whose name matches; a file step selects the downloaded file.
type UnfoldStep struct {
	Step    string
	Pattern string
}

func (u UnfoldStep) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{u.Step, u.Pattern})
}

func (u *UnfoldStep) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("unfold step must be a [step, pattern] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("unfold step must be a [step, pattern] pair, got %d elements", len(pair))
	}
	u.Step, u.Pattern = pair[0], pair[1]
	return nil
}

// ReadOptions controls how a landed CSV file is parsed into a snapshot table.
type ReadOptions struct {
	Sep string `json:"sep,omitempty"`
	// Types declares column types by source column name; undeclared columns are text.
	Types    map[string]string `json:"types,omitempty"`
	SkipRows int               `json:"skiprows,omitempty"`
	NAValues []string          `json:"na_values,omitempty"`
}

// Pipeline is the per-dataset configuration record stored as dataset_info/<name>.json.
type Pipeline struct {
	Name            string            `json:"-"`
	URL             string            `json:"URL"`
	Unfold          []UnfoldStep      `json:"unfold,omitempty"`
	Read            ReadOptions       `json:"read"`
	Rename          map[string]string `json:"rename"`
	Keys            []string          `json:"keys"`
	Keep            string            `json:"keep"`
	Transformations []string          `json:"transformations"`
}

func (p *Pipeline) Validate() error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	if p.URL == "" {
		return errors.New("URL is required")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", p.URL, err)
	}
	switch u.Scheme {
	case "http", "https", "s3", "file":
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	for _, s := range p.Unfold {
		if s.Step != UnfoldZip && s.Step != UnfoldFile {
			return fmt.Errorf("invalid unfold step %q", s.Step)
		}
		if _, err := regexp.Compile("^" + s.Pattern + "$"); err != nil {
			return fmt.Errorf("invalid unfold pattern %q: %w", s.Pattern, err)
		}
	}
	if len(p.Read.Sep) > 1 {
		return fmt.Errorf("separator must be a single character, got %q", p.Read.Sep)
	}
	if len(p.Keys) == 0 {
		return errors.New("at least one key is required")
	}
	switch p.Keep {
	case "", "latest", "oldest":
	default:
		return fmt.Errorf("invalid keep policy %q", p.Keep)
	}
	return nil
}

// CanonicalColumns returns source columns after applying the rename map.
func (p *Pipeline) CanonicalColumns(source []string) []string {
	out := make([]string, len(source))
	for i, c := range source {
		if r, ok := p.Rename[c]; ok && r != "" {
			out[i] = r
		} else {
			out[i] = c
		}
	}
	return out
}

// Unrename deletes the rename entry for column, if any.
func (p *Pipeline) Unrename(column string) {
	delete(p.Rename, column)
}

// HasKey reports whether column is one of the pipeline's keys.
func (p *Pipeline) HasKey(column string) bool {
	return slices.Contains(p.Keys, column)
}
