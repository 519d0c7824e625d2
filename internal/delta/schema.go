package delta

import (
	"encoding/json"

	"github.com/hyperengineering/lakesync/internal/errs"
)

// ColumnType is a declared column type in a table schema.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeJSON    ColumnType = "json"
	TypeNull    ColumnType = "null"
)

// Valid reports whether the type is one of the declared kinds.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeJSON, TypeNull:
		return true
	}
	return false
}

// ColumnDef declares one column of a table schema.
type ColumnDef struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is an optional per-table column allow-list. When a gateway
// carries a schema, pushes against its table are checked against it and
// unknown columns are dropped.
type Schema struct {
	Table   string      `json:"table"`
	Columns []ColumnDef `json:"columns"`
}

// ParseSchema decodes and validates a JSON schema document.
func ParseSchema(raw []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid schema JSON", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the structural rules of the schema document.
func (s *Schema) Validate() error {
	if s.Table == "" {
		return errs.New(errs.KindValidation, "schema table is required")
	}
	if len(s.Columns) == 0 {
		return errs.New(errs.KindValidation, "schema must declare at least one column")
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for i, c := range s.Columns {
		if c.Name == "" {
			return errs.Newf(errs.KindValidation, "schema column %d: name is required", i)
		}
		if _, dup := seen[c.Name]; dup {
			return errs.Newf(errs.KindValidation, "schema column %q is duplicated", c.Name)
		}
		seen[c.Name] = struct{}{}
		if !c.Type.Valid() {
			return errs.Newf(errs.KindValidation, "schema column %q: unknown type %q", c.Name, c.Type)
		}
	}
	return nil
}

// Apply admits a delta against the schema: columns on other tables pass
// untouched, unknown columns are dropped, and declared columns must
// carry a value of the declared type. Type violations fail with a
// schema-mismatch kind.
func (s *Schema) Apply(d Delta) (Delta, error) {
	if s == nil || d.Table != s.Table {
		return d, nil
	}

	types := make(map[string]ColumnType, len(s.Columns))
	for _, c := range s.Columns {
		types[c.Name] = c.Type
	}

	kept := make([]Column, 0, len(d.Columns))
	for _, c := range d.Columns {
		typ, declared := types[c.Name]
		if !declared {
			continue
		}
		if !valueMatchesType(c.Value, typ) {
			return Delta{}, errs.Newf(errs.KindSchemaMismatch,
				"column %q: value does not match declared type %s", c.Name, typ)
		}
		kept = append(kept, c)
	}
	if d.Op != OpDelete && len(kept) == 0 {
		return Delta{}, errs.Newf(errs.KindSchemaMismatch,
			"no columns of %s delta survive the %s schema", d.Op, s.Table)
	}

	d.Columns = kept
	// Dropped columns change the identity quintuple.
	id, err := d.ComputeID()
	if err != nil {
		return Delta{}, err
	}
	d.DeltaID = id
	return d, nil
}

// valueMatchesType checks a raw JSON value against a declared type.
// Null is accepted for every type; the json type accepts anything.
func valueMatchesType(raw json.RawMessage, typ ColumnType) bool {
	if typ == TypeJSON {
		return true
	}
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case 'n':
		return true
	case '"':
		return typ == TypeString
	case 't', 'f':
		return typ == TypeBoolean
	case '{', '[':
		return false
	default:
		return typ == TypeNumber
	}
}
