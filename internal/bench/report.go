package bench

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

const (
	percentScale       = 100
	staleWarnPercent   = 10.0
	yamlIndent         = 2
	chainsSectionTitle = "Chain lengths"
)

// ErrUnknownFormat is returned for an output format that is not supported.
var ErrUnknownFormat = errors.New("unknown output format")

// Formats lists the supported output formats.
func Formats() []string {
	return []string{FormatTable, FormatJSON, FormatYAML}
}

// WriteReport renders r to w in format.
func WriteReport(w io.Writer, r Result, format string) error {
	switch format {
	case FormatTable:
		return writeTable(w, r)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode json report: %w", err)
		}

		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(yamlIndent)

		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode yaml report: %w", err)
		}

		if err := enc.Close(); err != nil {
			return fmt.Errorf("close yaml encoder: %w", err)
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func writeTable(w io.Writer, r Result) error {
	summary := table.NewWriter()
	summary.SetStyle(table.StyleLight)
	summary.SetTitle("Taint map workload")
	summary.AppendHeader(table.Row{"Metric", "Value"})
	summary.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	summary.AppendRows([]table.Row{
		{"Goroutines", r.Workload.Goroutines},
		{"Elapsed", r.Elapsed.Round(time.Millisecond).String()},
		{"Operations", humanize.Comma(r.Ops)},
		{"Throughput", humanize.SIWithDigits(r.OpsPerSecond(), 2, "ops/s")},
		{"Puts", humanize.Comma(r.Puts)},
		{"Gets", humanize.Comma(r.Gets)},
		{"Hit rate", percent(r.HitRate())},
		{"Forced GCs", humanize.Comma(r.GCs)},
	})
	summary.AppendSeparator()
	summary.AppendRows([]table.Row{
		{"Capacity", humanize.Comma(int64(r.Statistics.Capacity))},
		{"Entries", humanize.Comma(int64(r.Count))},
		{"Mode", mode(r.Flat)},
		{"Purged", humanize.Comma(r.Counters.Purged)},
		{"Replaced", humanize.Comma(r.Counters.Replaced)},
		{"Evicted", humanize.Comma(r.Counters.Evicted)},
		{"Stale", stale(r.Statistics)},
		{"Chain avg", strconv.FormatFloat(r.Statistics.Average, 'f', 2, 64)},
		{"Chain p50/p90/p99/max", fmt.Sprintf("%d/%d/%d/%d",
			r.Statistics.P50, r.Statistics.P90, r.Statistics.P99, r.Statistics.Max)},
	})

	if _, err := fmt.Fprintln(w, summary.Render()); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	if len(r.Statistics.Chains) == 0 {
		return nil
	}

	if _, err := fmt.Fprintln(w, chainsTable(r.Statistics.Chains)); err != nil {
		return fmt.Errorf("write chains: %w", err)
	}

	return nil
}

func chainsTable(chains map[int]int) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.SetTitle(chainsSectionTitle)
	tbl.AppendHeader(table.Row{"Length", "Buckets"})

	for _, length := range slices.Sorted(maps.Keys(chains)) {
		tbl.AppendRow(table.Row{length, humanize.Comma(int64(chains[length]))})
	}

	return tbl.Render()
}

func mode(flat bool) string {
	if flat {
		return color.YellowString(modeName(flat))
	}

	return color.GreenString(modeName(flat))
}

func stale(s taint.Statistics) string {
	pct := s.StalePercent()
	out := fmt.Sprintf("%s (%.1f%%)", humanize.Comma(int64(s.Stale)), pct)

	if pct > staleWarnPercent {
		return color.RedString(out)
	}

	return out
}

func percent(ratio float64) string {
	return strconv.FormatFloat(ratio*percentScale, 'f', 1, 64) + "%"
}
