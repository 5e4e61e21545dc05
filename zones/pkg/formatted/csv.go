package formatted

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/malbeclabs/zones/zones/pkg/config"
)

// defaultNAValues are always read as NULL, in addition to the pipeline's na_values.
var defaultNAValues = []string{"", "NA", "N/A", "NaN", "NULL", "null", "nan", "#N/A"}

// csvReader streams a CSV file as text rows with NULLs for missing values.
type csvReader struct {
	r       *csv.Reader
	header  []string
	na      map[string]bool
	lineNum int
}

func newCSVReader(src io.Reader, opts config.ReadOptions) (*csvReader, error) {
	br := bufio.NewReader(src)
	for i := 0; i < opts.SkipRows; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("file has fewer than %d lines to skip", opts.SkipRows)
			}
			return nil, err
		}
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.ReuseRecord = false
	if opts.Sep != "" {
		r.Comma = []rune(opts.Sep)[0]
	}

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	na := make(map[string]bool, len(defaultNAValues)+len(opts.NAValues))
	for _, v := range slices.Concat(defaultNAValues, opts.NAValues) {
		na[v] = true
	}
	return &csvReader{r: r, header: uniqueHeader(header), na: na, lineNum: opts.SkipRows + 1}, nil
}

// uniqueHeader names blank columns by position and suffixes repeated names with .1, .2, ...
func uniqueHeader(header []string) []string {
	out := make([]string, len(header))
	taken := make(map[string]bool, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "column_" + strconv.Itoa(i)
		}
		name := h
		for n := 1; taken[name]; n++ {
			name = h + "." + strconv.Itoa(n)
		}
		taken[name] = true
		out[i] = name
	}
	return out
}

// next returns up to n rows; a nil slice means the file is exhausted.
func (c *csvReader) next(n int) ([][]*string, error) {
	var rows [][]*string
	for len(rows) < n {
		rec, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		c.lineNum++
		if len(rec) > len(c.header) {
			return nil, fmt.Errorf("line %d has %d fields, header has %d", c.lineNum, len(rec), len(c.header))
		}
		row := make([]*string, len(c.header))
		for i, v := range rec {
			if c.na[v] {
				continue
			}
			row[i] = &rec[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
