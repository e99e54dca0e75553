package sync

import (
	"context"
	"errors"
	"testing"

	"driftsync/internal/domain"
)

func TestUpload_EmptyLogShortCircuits(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	res, err := r.uploader.Upload(ctx)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, want true")
	}
	if len(r.transport.uploads) != 0 {
		t.Errorf("transport called %d times, want 0", len(r.transport.uploads))
	}
}

func TestUpload_FullAcknowledgment(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	if err := r.capture.Write(ctx, "notes", "1", map[string]any{"id": "1", "title": "hello"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n, _ := r.log.Count(ctx); n != 1 {
		t.Fatalf("pending entries = %d, want 1", n)
	}

	var serverTxid int64
	r.transport.uploadFn = func(req UploadRequest) (UploadResponse, error) {
		if len(req.Changes) != 1 {
			t.Fatalf("uploaded %d changes, want 1", len(req.Changes))
		}
		ch := req.Changes[0]
		if ch.Action != "insert" {
			t.Errorf("action = %q, want insert", ch.Action)
		}
		serverTxid = ch.ClientTxid + 4096
		return UploadResponse{
			Success:   true,
			Processed: 1,
			Updates: []WireUpdate{
				{ClientTxid: ch.ClientTxid, ServerTxid: serverTxid, TableName: ch.TableName, PK: ch.RecordPK},
			},
		}, nil
	}

	res, err := r.uploader.Upload(ctx)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !res.Success || res.Processed != 1 {
		t.Errorf("result = %+v, want success with 1 processed", res)
	}

	if n, _ := r.log.Count(ctx); n != 0 {
		t.Errorf("pending entries after full ack = %d, want 0", n)
	}
	row, found, err := r.rows.Get(ctx, "notes", "1")
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v, %v", row, found, err)
	}
	if ts, ok := row.Int(domain.ColServerTS); !ok || ts != serverTxid {
		t.Errorf("server_ts = %d (%v), want %d", ts, ok, serverTxid)
	}
	if wm, found, _ := r.state.Watermark(ctx, "notes"); !found || wm != serverTxid {
		t.Errorf("watermark = %d (%v), want %d", wm, found, serverTxid)
	}
}

func TestUpload_PartialFailureKeepsRejectedEntries(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	for _, pk := range []string{"1", "2", "3"} {
		if err := r.capture.Write(ctx, "notes", pk, map[string]any{"id": pk, "title": "n" + pk}); err != nil {
			t.Fatalf("Write(%s) error = %v", pk, err)
		}
	}

	r.transport.uploadFn = func(req UploadRequest) (UploadResponse, error) {
		if len(req.Changes) != 3 {
			t.Fatalf("uploaded %d changes, want 3", len(req.Changes))
		}
		// The authority rejects the last entry, acknowledges the rest.
		resp := UploadResponse{Success: false, Processed: 2, Errors: 1}
		for _, ch := range req.Changes[:2] {
			resp.Updates = append(resp.Updates, WireUpdate{
				ClientTxid: ch.ClientTxid,
				ServerTxid: ch.ClientTxid + 4096,
				TableName:  ch.TableName,
				PK:         ch.RecordPK,
			})
		}
		resp.ErrorDetails = []WireEntryError{
			{ClientTxid: req.Changes[2].ClientTxid, Message: "constraint violation"},
		}
		resp.Failed = []int64{req.Changes[2].ClientTxid}
		return resp, nil
	}

	res, err := r.uploader.Upload(ctx)
	if err != nil {
		t.Fatalf("Upload() error = %v, partial outcomes are not errors", err)
	}
	if res.Success {
		t.Errorf("Success = true, want false")
	}
	if res.Processed != 2 || res.Errors != 1 || res.Total != 3 {
		t.Errorf("result = %+v, want processed=2 errors=1 total=3", res)
	}

	remaining, err := r.log.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("remaining entries = %d, want exactly the rejected one", len(remaining))
	}
	if remaining[0].RecordPK != "3" {
		t.Errorf("remaining entry pk = %q, want 3", remaining[0].RecordPK)
	}

	for _, pk := range []string{"1", "2"} {
		row, _, _ := r.rows.Get(ctx, "notes", pk)
		if _, ok := row.Int(domain.ColServerTS); !ok {
			t.Errorf("notes[%s] missing server_ts after acknowledgment", pk)
		}
	}
	row, _, _ := r.rows.Get(ctx, "notes", "3")
	if _, ok := row.Int(domain.ColServerTS); ok {
		t.Errorf("notes[3] has server_ts despite rejection")
	}
}

func TestUpload_TransportFailureLeavesBatchQueued(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	for _, pk := range []string{"1", "2"} {
		if err := r.capture.Write(ctx, "notes", pk, map[string]any{"id": pk}); err != nil {
			t.Fatalf("Write(%s) error = %v", pk, err)
		}
	}

	r.transport.uploadFn = func(UploadRequest) (UploadResponse, error) {
		return UploadResponse{}, errors.New("connection refused")
	}

	res, err := r.uploader.Upload(ctx)
	if err == nil {
		t.Fatal("Upload() error = nil, want transport error")
	}
	if res.Success {
		t.Errorf("Success = true, want false")
	}
	if res.Total != 2 {
		t.Errorf("Total = %d, want 2", res.Total)
	}
	if n, _ := r.log.Count(ctx); n != 2 {
		t.Errorf("pending entries = %d, want the full batch queued", n)
	}
	row, _, _ := r.rows.Get(ctx, "notes", "1")
	if _, ok := row.Int(domain.ColServerTS); ok {
		t.Errorf("notes[1] gained server_ts despite failed upload")
	}
}

func TestUpload_AcknowledgedDeletePurgesRow(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	if err := r.capture.Write(ctx, "notes", "1", map[string]any{"id": "1", "title": "doomed"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := r.uploader.Upload(ctx); err != nil {
		t.Fatalf("first Upload() error = %v", err)
	}

	if err := r.capture.SoftDelete(ctx, "notes", "1"); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	entries, _ := r.log.ListPending(ctx)
	if len(entries) != 1 || entries[0].Action != "delete" {
		t.Fatalf("pending after soft delete = %+v, want one delete entry", entries)
	}
	row, found, _ := r.rows.Get(ctx, "notes", "1")
	if !found {
		t.Fatal("row gone before the delete was acknowledged")
	}
	if _, ok := row.Int(domain.ColDeleteTS); !ok {
		t.Fatal("soft-deleted row missing delete_ts")
	}

	r.transport.uploadFn = func(req UploadRequest) (UploadResponse, error) {
		ch := req.Changes[0]
		return UploadResponse{
			Success:   true,
			Processed: 1,
			Updates: []WireUpdate{
				{ClientTxid: ch.ClientTxid, ServerTxid: ch.ClientTxid + 4096, TableName: ch.TableName, PK: ch.RecordPK},
			},
		}, nil
	}
	res, err := r.uploader.Upload(ctx)
	if err != nil || !res.Success {
		t.Fatalf("Upload() = %+v, %v, want success", res, err)
	}

	if _, found, _ := r.rows.Get(ctx, "notes", "1"); found {
		t.Error("row still present after its delete was acknowledged")
	}
	if n, _ := r.log.Count(ctx); n != 0 {
		t.Errorf("pending entries = %d, want 0", n)
	}
}

func TestUpload_EntriesAppendedMidFlightStayQueued(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	if err := r.capture.Write(ctx, "notes", "1", map[string]any{"id": "1"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r.transport.uploadFn = func(req UploadRequest) (UploadResponse, error) {
		// A write lands while the batch is on the wire.
		if err := r.capture.Write(ctx, "notes", "2", map[string]any{"id": "2"}); err != nil {
			t.Fatalf("mid-flight Write() error = %v", err)
		}
		ch := req.Changes[0]
		return UploadResponse{
			Success:   true,
			Processed: 1,
			Updates: []WireUpdate{
				{ClientTxid: ch.ClientTxid, ServerTxid: ch.ClientTxid + 4096, TableName: ch.TableName, PK: ch.RecordPK},
			},
		}, nil
	}

	if _, err := r.uploader.Upload(ctx); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	remaining, _ := r.log.ListPending(ctx)
	if len(remaining) != 1 {
		t.Fatalf("remaining entries = %d, want the mid-flight write only", len(remaining))
	}
	if remaining[0].RecordPK != "2" {
		t.Errorf("remaining entry pk = %q, want 2", remaining[0].RecordPK)
	}
}

func TestUpload_UnknownAcknowledgmentIgnored(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	if err := r.capture.Write(ctx, "notes", "1", map[string]any{"id": "1"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r.transport.uploadFn = func(req UploadRequest) (UploadResponse, error) {
		return UploadResponse{
			Success:   true,
			Processed: 1,
			Updates: []WireUpdate{
				{ClientTxid: 999_999, ServerTxid: 1_000_000, TableName: "notes", PK: "1"},
			},
		}, nil
	}

	res, err := r.uploader.Upload(ctx)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, want true")
	}
	// The log clears on a fully successful batch; the bogus ack must not
	// touch any row.
	if n, _ := r.log.Count(ctx); n != 0 {
		t.Errorf("pending entries = %d, want 0", n)
	}
	row, _, _ := r.rows.Get(ctx, "notes", "1")
	if _, ok := row.Int(domain.ColServerTS); ok {
		t.Errorf("row gained server_ts from an acknowledgment that matched nothing")
	}
}
