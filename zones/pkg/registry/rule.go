package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Side names one dataset and the key column aligned on it.
type Side struct {
	Dataset string
	Column  string
}

func (s Side) String() string {
	return s.Dataset + ":" + s.Column
}

// Rule keeps the key columns of two datasets aligned. It is stored as a two-entry JSON object
// {"<left dataset>": "<left column>", "<right dataset>": "<right column>"} whose entry order is
// significant.
type Rule struct {
	Left  Side
	Right Side
}

func (r Rule) String() string {
	return r.Left.String() + "," + r.Right.String()
}

// Mentions reports whether dataset is one of the rule's sides.
func (r Rule) Mentions(dataset string) bool {
	return r.Left.Dataset == dataset || r.Right.Dataset == dataset
}

func (r Rule) Validate() error {
	for _, s := range []Side{r.Left, r.Right} {
		if s.Dataset == "" || s.Column == "" {
			return fmt.Errorf("invalid rule %s: dataset and column are required on both sides", r)
		}
	}
	if r.Left.Dataset == r.Right.Dataset {
		return fmt.Errorf("invalid rule %s: both sides reference dataset %s", r, r.Left.Dataset)
	}
	return nil
}

// ParseRule parses "datasetA:columnA,datasetB:columnB".
func ParseRule(s string) (Rule, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Rule{}, fmt.Errorf("invalid rule %q: expected datasetA:columnA,datasetB:columnB", s)
	}
	var sides [2]Side
	for i, p := range parts {
		ds, col, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			return Rule{}, fmt.Errorf("invalid rule %q: %q is not dataset:column", s, p)
		}
		sides[i] = Side{Dataset: strings.TrimSpace(ds), Column: strings.TrimSpace(col)}
	}
	r := Rule{Left: sides[0], Right: sides[1]}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (r Rule) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range []Side{r.Left, r.Right} {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(s.Dataset)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(s.Column)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("match rule must be a JSON object, got %v", tok)
	}
	var sides []Side
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		var column string
		if err := dec.Decode(&column); err != nil {
			return fmt.Errorf("match rule column for %v must be a string: %w", keyTok, err)
		}
		sides = append(sides, Side{Dataset: keyTok.(string), Column: column})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if len(sides) != 2 {
		return fmt.Errorf("match rule must have exactly two entries, got %d", len(sides))
	}
	r.Left, r.Right = sides[0], sides[1]
	return nil
}
