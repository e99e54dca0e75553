// Package sync implements the upload-and-reconcile protocol against the
// remote authority: batching pending changes, applying authoritative
// timestamps back, finalizing delete lifecycles, and applying inbound rows
// under Last-Write-Wins.
package sync

import (
	"context"
	"encoding/json"
)

// WireChange is one change entry as transmitted to the authority.
// The local txid travels as clientTxid.
type WireChange struct {
	ClientTxid int64           `json:"clientTxid"`
	TableName  string          `json:"table_name"`
	RecordPK   string          `json:"record_pk"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
}

// UploadRequest is the body of POST {base}/sync/changes.
type UploadRequest struct {
	Changes []WireChange `json:"changes"`
}

// WireUpdate reports the authoritative timestamp assigned to one entry.
type WireUpdate struct {
	ClientTxid int64  `json:"clientTxid"`
	ServerTxid int64  `json:"serverTxid"`
	TableName  string `json:"tableName"`
	PK         string `json:"pk"`
}

// WireEntryError itemizes a per-entry rejection.
type WireEntryError struct {
	ClientTxid int64  `json:"clientTxid"`
	Message    string `json:"message"`
}

// UploadResponse is the authority's answer to an upload. HTTP 200 carries
// Success=true, HTTP 207 a partial outcome; both are valid responses.
type UploadResponse struct {
	Success      bool             `json:"success"`
	Processed    int              `json:"processed"`
	Errors       int              `json:"errors"`
	Updates      []WireUpdate     `json:"updates"`
	ErrorDetails []WireEntryError `json:"errorDetails,omitempty"`
	Failed       []int64          `json:"failed,omitempty"`
}

// BulkLoadRequest is the body of POST {base}/sync/bulk-load.
type BulkLoadRequest struct {
	Tables []string `json:"tables"`
}

// BulkLoadResponse maps table name to its rows, each row a JSON object in
// wire encoding.
type BulkLoadResponse map[string][]json.RawMessage

// Event is one decoded frame from the realtime stream.
type Event struct {
	Type     string          `json:"type"`
	Table    string          `json:"table"`
	Action   string          `json:"action"`
	PKColumn string          `json:"primary_key_column"`
	PKValue  string          `json:"primary_key_value"`
	Row      json.RawMessage `json:"row"`
}

// EventStream is an open realtime connection. Next blocks until a frame
// arrives and returns io.EOF on clean stream end.
type EventStream interface {
	Next() (Event, error)
	Close() error
}

// Transport is the authenticated channel to the remote authority. The
// engine never issues credentials itself; the transport arrives with the
// bearer token and device header already wired.
type Transport interface {
	// UploadChanges POSTs a change batch. Transport-level failures
	// (connection errors, timeouts) return an error and leave the batch
	// queued; HTTP 200 and 207 both decode into a response.
	UploadChanges(ctx context.Context, req UploadRequest) (UploadResponse, error)

	// BulkLoad fetches full snapshots of the named tables.
	BulkLoad(ctx context.Context, tables []string) (BulkLoadResponse, error)

	// OpenEventStream connects to the realtime push channel.
	OpenEventStream(ctx context.Context) (EventStream, error)
}
