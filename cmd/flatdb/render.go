package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/record"
)

var formats = []string{"table", "json", "yaml"}

type renderer func(w io.Writer, rows []*record.Record) error

func newRenderer(format string) (renderer, error) {
	switch format {
	case "table", "":
		return renderTable, nil
	case "json":
		return renderJSON, nil
	case "yaml":
		return renderYAML, nil
	default:
		return nil, dberrors.Configuration("unknown format %q, want one of %v", format, formats)
	}
}

// renderTable prints one column per field, in order of first appearance.
func renderTable(w io.Writer, rows []*record.Record) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "(0 rows)")
		return err
	}
	var cols []string
	seen := map[string]bool{}
	for _, r := range rows {
		for _, k := range r.Keys() {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	header := make(table.Row, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	t.AppendHeader(header)
	for _, r := range rows {
		row := make(table.Row, len(cols))
		for i, c := range cols {
			row[i] = formatValue(r, c)
		}
		t.AppendRow(row)
	}
	t.Render()
	_, err := fmt.Fprintf(w, "(%d rows)\n", len(rows))
	return err
}

// formatValue renders a field for a table cell: strings as is, missing
// fields empty, everything else as JSON.
func formatValue(r *record.Record, field string) string {
	v, ok := r.Get(field)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	s, err := record.Canonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return s
}

func renderJSON(w io.Writer, rows []*record.Record) error {
	if rows == nil {
		rows = []*record.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func renderYAML(w io.Writer, rows []*record.Record) error {
	if rows == nil {
		rows = []*record.Record{}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rows); err != nil {
		return err
	}
	return enc.Close()
}
