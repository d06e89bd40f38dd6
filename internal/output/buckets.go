package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/pincer-org/restgate/internal/store"
)

// FormatBuckets renders stored buckets. now decides how long each bucket
// has left before it resets.
func FormatBuckets(format Format, entries []store.BucketEntry, now time.Time) (string, error) {
	if entries == nil {
		entries = []store.BucketEntry{}
	}
	if format == FormatJSON || format == FormatYAML {
		return encode(format, entries)
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Bucket", "Scope", "Limit", "Remaining", "Resets In", "Routes"})

	exhausted := 0
	for _, entry := range entries {
		b := entry.Bucket
		if b.Exhausted(now) {
			exhausted++
		}
		t.AppendRow(table.Row{
			b.ID,
			string(b.Scope),
			limitLabel(b.Limit),
			b.Remaining,
			resetLabel(b.ResetAt, now),
			routesLabel(entry),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d bucket(s), %d exhausted", len(entries), exhausted)})

	if format == FormatMarkdown {
		return t.RenderMarkdown() + "\n", nil
	}
	return t.Render() + "\n", nil
}

func limitLabel(limit int) string {
	if limit <= 0 {
		return "-"
	}
	return fmt.Sprint(limit)
}

func resetLabel(resetAt, now time.Time) string {
	if resetAt.IsZero() || !resetAt.After(now) {
		return "now"
	}
	return resetAt.Sub(now).Round(100 * time.Millisecond).String()
}

func routesLabel(entry store.BucketEntry) string {
	if len(entry.Routes) == 0 {
		return "-"
	}
	routes := make([]string, 0, len(entry.Routes))
	for _, r := range entry.Routes {
		routes = append(routes, r.String())
	}
	return strings.Join(routes, "\n")
}

// ResetSummary reports the result of a bucket reset.
type ResetSummary struct {
	Matched int   `json:"matched" yaml:"matched"`
	Deleted int64 `json:"deleted" yaml:"deleted"`
	DryRun  bool  `json:"dry_run" yaml:"dry_run"`
}

// FormatReset renders a ResetSummary.
func FormatReset(format Format, summary ResetSummary) (string, error) {
	if format == FormatJSON || format == FormatYAML {
		return encode(format, summary)
	}
	if summary.DryRun {
		return fmt.Sprintf("Would delete %d bucket(s)\n", summary.Matched), nil
	}
	return fmt.Sprintf("Deleted %d/%d bucket(s)\n", summary.Deleted, summary.Matched), nil
}
