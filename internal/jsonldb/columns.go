// Handles the schema header line and column type inference.

package jsonldb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/maruel/flatdb/internal/record"
)

var errSchemaVersionRequired = errors.New("schema version is required")

// currentVersion is the current version of the JSONL table format.
const currentVersion = "1.0"

// columnType is the type of a column as observed across a table's records.
type columnType string

const (
	columnTypeText   columnType = "text"
	columnTypeNumber columnType = "number"
	columnTypeBool   columnType = "bool"
	columnTypeJSONB  columnType = "jsonb"
	columnTypeNull   columnType = "null"
	columnTypeMixed  columnType = "mixed"
)

// column describes one field seen in the table.
type column struct {
	Name string     `json:"name"`
	Type columnType `json:"type"`
}

// schemaHeader is the first line of a JSONL data file.
type schemaHeader struct {
	Version string   `json:"version"`
	Table   string   `json:"table,omitempty"`
	Columns []column `json:"columns"`
}

// Validate checks that the schema header is well-formed and of a supported
// version.
func (h *schemaHeader) Validate() error {
	if h.Version == "" {
		return errSchemaVersionRequired
	}
	major, _, _ := strings.Cut(h.Version, ".")
	if cur, _, _ := strings.Cut(currentVersion, "."); major != cur {
		return fmt.Errorf("unsupported format version %q", h.Version)
	}
	for i, col := range h.Columns {
		if col.Name == "" {
			return fmt.Errorf("column %d: name is required", i)
		}
		if col.Type == "" {
			return fmt.Errorf("column %d: type is required", i)
		}
	}
	return nil
}

// parseHeader reports whether line is a schema header rather than a record.
//
// A header has "version" and "columns" keys and no "id". Records always carry
// an id so the two never collide.
func parseHeader(line []byte) (*schemaHeader, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		// Not an object; the record decoder reports it.
		return nil, false, nil //nolint:nilerr // handled by the caller
	}
	_, hasVersion := probe["version"]
	_, hasColumns := probe["columns"]
	_, hasID := probe[record.IDField]
	if !hasVersion || !hasColumns || hasID {
		return nil, false, nil
	}
	h := &schemaHeader{}
	if err := json.Unmarshal(line, h); err != nil {
		return nil, true, fmt.Errorf("failed to decode header: %w", err)
	}
	if err := h.Validate(); err != nil {
		return nil, true, err
	}
	return h, true, nil
}

// kindToColumnType maps a value kind to the header column type.
func kindToColumnType(k record.Kind) columnType {
	switch k {
	case record.KindString:
		return columnTypeText
	case record.KindNumber:
		return columnTypeNumber
	case record.KindBool:
		return columnTypeBool
	case record.KindSequence, record.KindMapping:
		return columnTypeJSONB
	default:
		return columnTypeNull
	}
}

// inferColumns lists the fields of rows in order of first appearance with
// the type of their non-null values.
func inferColumns(rows []*record.Record) []column {
	var cols []column
	idx := map[string]int{}
	for _, r := range rows {
		for name, v := range r.Fields() {
			t := kindToColumnType(record.KindOf(v))
			i, ok := idx[name]
			if !ok {
				idx[name] = len(cols)
				cols = append(cols, column{Name: name, Type: t})
				continue
			}
			switch cur := cols[i].Type; {
			case t == columnTypeNull || cur == t || cur == columnTypeMixed:
			case cur == columnTypeNull:
				cols[i].Type = t
			default:
				cols[i].Type = columnTypeMixed
			}
		}
	}
	return cols
}
