package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/malbeclabs/zones/zones/pkg/formatted"
	"github.com/malbeclabs/zones/zones/pkg/match"
	"github.com/malbeclabs/zones/zones/pkg/refresh"
	"github.com/malbeclabs/zones/zones/pkg/registry"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

type tableLister interface {
	Tables(ctx context.Context, schema string) ([]store.Table, error)
}

// zoneTables lists the tables of a zone as schema.table (col type, ...).
func zoneTables(ctx context.Context, refresher *refresh.Refresher, backend tableLister, zone string) ([]string, error) {
	var schemas []string
	switch zone {
	case "formatted":
		names, err := refresher.Pipelines().Names()
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			schemas = append(schemas, formatted.SchemaFor(n))
		}
	case "trusted":
		schemas = []string{store.TrustedSchema}
	case "exploitation":
		schemas = []string{store.ExploitationSchema}
	default:
		return nil, fmt.Errorf("unknown zone %q: use formatted, trusted or exploitation", zone)
	}

	var lines []string
	for _, schema := range schemas {
		tables, err := backend.Tables(ctx, schema)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			lines = append(lines, describeTable(t))
		}
	}
	return lines, nil
}

func describeTable(t store.Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.Name + " " + c.Type
	}
	return fmt.Sprintf("%s (%s)", t.Name, strings.Join(cols, ", "))
}

func printReport(w io.Writer, report *refresh.Report) {
	if report == nil {
		return
	}
	for _, pr := range report.Pipelines {
		fmt.Fprintf(w, "%s:\n", pr.Dataset)
		if pr.Landed != nil {
			state := "landed"
			if pr.Landed.Kept {
				state = "kept"
			}
			fmt.Fprintf(w, "  landing: %s %s\n", state, pr.Landed.Snapshot)
		}
		if pr.Formatted != nil {
			fmt.Fprintf(w, "  formatted: %d new snapshot(s)\n", len(pr.Formatted.Loaded))
		}
		if pr.Unified != nil {
			fmt.Fprintf(w, "  trusted: %d row(s) inserted (run %s)\n", pr.Unified.RowsInserted, pr.UnifyRunID)
		}
		if len(pr.Cleaned) > 0 {
			var total int64
			for _, n := range pr.Cleaned {
				total += n
			}
			fmt.Fprintf(w, "  cleaning: %d transformation(s), %d row(s) affected\n", len(pr.Cleaned), total)
		}
		if pr.Quality != nil {
			for _, rr := range pr.Quality.Rules {
				if rr.Err != nil {
					fmt.Fprintf(w, "  quality: %s failed: %v\n", rr.Rule, rr.Err)
					continue
				}
				updated := int64(0)
				if rr.Apply != nil {
					updated = rr.Apply.RowsUpdated
				}
				fmt.Fprintf(w, "  quality: %s updated %d row(s) of %s\n", rr.Rule, updated, rr.Updated)
			}
		}
	}
	if report.Exploitation != nil {
		for _, tr := range report.Exploitation.Tables {
			if tr.Err != nil {
				fmt.Fprintf(w, "exploitation: %s failed: %v\n", tr.Table, tr.Err)
				continue
			}
			fmt.Fprintf(w, "exploitation: %s published to %s (%d rows)\n", tr.Table, report.Exploitation.Target, tr.Rows)
		}
	}
}

func printPreview(w io.Writer, rule registry.Rule, updated registry.Side, result *match.Result) {
	fmt.Fprintf(w, "Rule %s would rewrite %s:\n", rule, updated)
	if len(result.Candidates) == 0 {
		fmt.Fprintln(w, "  no candidates")
	}
	for _, c := range result.Candidates {
		fmt.Fprintf(w, "  %q -> %q (distance %d)\n", c.Sample, c.Canonical, c.Distance)
	}
	if len(result.Unmatched) > 0 {
		fmt.Fprintf(w, "Unmatched: %s\n", strings.Join(result.Unmatched, ", "))
	}
}
