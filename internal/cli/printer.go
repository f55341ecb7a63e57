package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/sagemathinc/project-host/internal/core"
)

// Output formats accepted by --format.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Printer renders command results to one writer in the selected
// format. Table mode is for humans; json and yaml keep a stable shape
// for scripts.
type Printer struct {
	format string
	out    io.Writer
}

// NewPrinter validates the format name; empty means table.
func NewPrinter(format string, out io.Writer) (*Printer, error) {
	switch format {
	case "":
		format = FormatTable
	case FormatTable, FormatJSON, FormatYAML:
	default:
		return nil, fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
	return &Printer{format: format, out: out}, nil
}

// Format returns the resolved format name.
func (p *Printer) Format() string { return p.format }

// Table prints a header row and data rows. Structured modes render
// the rows as a list of objects keyed by the lowercased headers.
func (p *Printer) Table(headers []string, rows [][]string) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		objs := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			obj := make(map[string]string, len(headers))
			for i, h := range headers {
				if i < len(row) {
					obj[columnKey(h)] = row[i]
				}
			}
			objs = append(objs, obj)
		}
		return p.Value(objs)
	}
	tw := tabwriter.NewWriter(p.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func columnKey(header string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(header)), " ", "_")
}

// Value prints one structured value. Table mode falls back to
// indented JSON, which reads well enough for ad-hoc objects.
func (p *Printer) Value(v any) error {
	if p.format == FormatYAML {
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = p.out.Write(data)
		return err
	}
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Error renders a failure. Structured modes wrap it in an envelope
// with a stable error code and the request metadata, so scripts can
// branch on error.code without parsing messages.
func (p *Printer) Error(err error, api, accountID string) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		envelope := map[string]any{
			"ok": false,
			"error": map[string]string{
				"code":    core.ErrorCode(err),
				"message": err.Error(),
			},
		}
		meta := map[string]string{}
		if api != "" {
			meta["api"] = api
		}
		if accountID != "" {
			meta["account_id"] = accountID
		}
		if len(meta) > 0 {
			envelope["meta"] = meta
		}
		return p.Value(envelope)
	}
	_, werr := fmt.Fprintf(p.out, "error: %v\n", err)
	return werr
}
