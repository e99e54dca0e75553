// Package changelog defines the append-only record of local mutations
// pending upload, and the capture service that feeds it.
package changelog

import (
	"encoding/json"
	"fmt"

	"driftsync/internal/core/colval"
)

// Action classifies a captured mutation.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of the three known values.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Entry is one pending mutation. Txid doubles as the ordering key and the
// primary key; it equals the client_ts stamped onto the mutated row.
type Entry struct {
	Txid      int64  `db:"txid"`
	TableName string `db:"table_name"`
	RecordPK  string `db:"record_pk"`
	DeviceID  int64  `db:"device_id"`
	Action    Action `db:"action"`
	Payload   []byte `db:"payload"`
}

// Payload is the structured snapshot stored with an entry: the new row
// state, and for updates the previous one.
type Payload struct {
	New colval.RowSnapshot `json:"new"`
	Old colval.RowSnapshot `json:"old,omitempty"`
}

// EncodePayload serializes a payload with the wire encoding rules.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode change payload: %w", err)
	}
	return data, nil
}

// payloadEnvelope defers snapshot decoding until column kinds are known.
type payloadEnvelope struct {
	New json.RawMessage `json:"new"`
	Old json.RawMessage `json:"old"`
}

// DecodePayload deserializes a payload, coercing columns to the given kinds.
// Columns without a declared kind are decoded by inference.
func DecodePayload(data []byte, types map[string]colval.Kind) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Payload{}, fmt.Errorf("decode change payload: %w", err)
	}

	var p Payload
	if len(env.New) > 0 {
		snap, err := colval.DecodeSnapshot(env.New, types)
		if err != nil {
			return Payload{}, fmt.Errorf("decode new snapshot: %w", err)
		}
		p.New = snap
	}
	if len(env.Old) > 0 && string(env.Old) != "null" {
		snap, err := colval.DecodeSnapshot(env.Old, types)
		if err != nil {
			return Payload{}, fmt.Errorf("decode old snapshot: %w", err)
		}
		p.Old = snap
	}
	return p, nil
}
