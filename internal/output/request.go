package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RequestOutcome is one completed call issued by the request command.
type RequestOutcome struct {
	Index      int    `json:"index" yaml:"index"`
	StatusCode int    `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	DurationMs int64  `json:"duration_ms" yaml:"duration_ms"`
	Bytes      int    `json:"bytes" yaml:"bytes"`
	Data       any    `json:"data,omitempty" yaml:"data,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// FormatRequests renders request outcomes. A single successful outcome in
// a structured format renders only its decoded body.
func FormatRequests(format Format, outcomes []RequestOutcome) (string, error) {
	if format == FormatJSON || format == FormatYAML {
		if len(outcomes) == 1 && outcomes[0].Error == "" && outcomes[0].Data != nil {
			return encode(format, outcomes[0].Data)
		}
		return encode(format, outcomes)
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"#", "Status", "Duration", "Bytes", "Error"})

	failed := 0
	var total time.Duration
	for _, o := range outcomes {
		status := "-"
		if o.StatusCode > 0 {
			status = fmt.Sprint(o.StatusCode)
		}
		if o.Error != "" {
			failed++
		}
		d := time.Duration(o.DurationMs) * time.Millisecond
		total += d
		t.AppendRow(table.Row{o.Index, status, d.String(), o.Bytes, o.Error})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d ok", len(outcomes)-failed), total.String(), "", fmt.Sprintf("%d failed", failed)})

	if format == FormatMarkdown {
		return t.RenderMarkdown() + "\n", nil
	}
	return t.Render() + "\n", nil
}
