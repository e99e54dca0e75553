package colval

import (
	"bytes"
	"encoding/json"
	"sort"
)

// RowSnapshot is the structured snapshot of one row, keyed by column name.
type RowSnapshot map[string]Value

// Has reports whether the column is present (including explicit nulls).
func (s RowSnapshot) Has(col string) bool {
	_, ok := s[col]
	return ok
}

// Int returns the integer payload of a column.
// ok is false when the column is absent, null, or not an integer.
func (s RowSnapshot) Int(col string) (int64, bool) {
	v, present := s[col]
	if !present || v.Kind() != KindInt {
		return 0, false
	}
	return v.IntVal(), true
}

// String returns the text payload of a column.
// ok is false when the column is absent, null, or not text.
func (s RowSnapshot) String(col string) (string, bool) {
	v, present := s[col]
	if !present || v.Kind() != KindString {
		return "", false
	}
	return v.StringVal(), true
}

// Columns returns the column names in sorted order.
func (s RowSnapshot) Columns() []string {
	cols := make([]string, 0, len(s))
	for c := range s {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Clone creates a shallow copy.
func (s RowSnapshot) Clone() RowSnapshot {
	if s == nil {
		return nil
	}
	out := make(RowSnapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether two snapshots carry the same columns and values.
func (s RowSnapshot) Equal(o RowSnapshot) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the snapshot with the wire rules. Keys marshal in
// sorted order, so the encoding is deterministic.
func (s RowSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]Value(s))
}

// FromMap converts a plain column map (Go or driver values) into a snapshot.
func FromMap(values map[string]any) (RowSnapshot, error) {
	snap := make(RowSnapshot, len(values))
	for col, raw := range values {
		v, err := FromAny(raw)
		if err != nil {
			return nil, err
		}
		snap[col] = v
	}
	return snap, nil
}

// DecodeSnapshot decodes a JSON object into a snapshot, coercing each column
// to its declared kind. Columns absent from types are decoded by inference;
// the caller decides whether to keep or drop them.
func DecodeSnapshot(data []byte, types map[string]Kind) (RowSnapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return DecodeValues(raw, types)
}

// DecodeValues coerces an already JSON-decoded object (UseNumber required
// for precision) into a snapshot.
func DecodeValues(raw map[string]any, types map[string]Kind) (RowSnapshot, error) {
	snap := make(RowSnapshot, len(raw))
	for col, rv := range raw {
		kind, declared := types[col]
		var (
			v   Value
			err error
		)
		if declared {
			v, err = Decode(rv, kind)
		} else {
			v, err = Infer(rv)
		}
		if err != nil {
			return nil, err
		}
		snap[col] = v
	}
	return snap, nil
}
