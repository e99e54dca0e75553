package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/clock"
	"driftsync/internal/core/tx"
	"driftsync/internal/domain"
	"driftsync/internal/domain/changelog"
	"driftsync/pkg/logger"
)

var tracer = otel.Tracer("driftsync/sync")

// Result summarizes one upload cycle.
type Result struct {
	Success   bool
	Processed int
	Errors    int
	Total     int
}

// Uploader batches pending change entries, uploads them to the authority,
// reconciles the authoritative timestamps onto the local rows, finalizes
// acknowledged deletes, and prunes the log.
type Uploader struct {
	mu        gosync.Mutex
	log       changelog.Repository
	rows      domain.RowStore
	state     domain.StateStore
	transport Transport
	txm       tx.Manager
	logger    *logger.Logger

	// skewThreshold bounds |serverTxid - clientTxid| before a warning is
	// logged. The authoritative value is applied regardless.
	skewThreshold int64

	lastMu     gosync.Mutex
	lastResult Result
	lastAt     time.Time
	hasLast    bool
}

// NewUploader creates the upload service.
func NewUploader(log changelog.Repository, rows domain.RowStore, state domain.StateStore, transport Transport, txm tx.Manager, lg *logger.Logger) *Uploader {
	if lg == nil {
		lg = logger.Default()
	}
	return &Uploader{
		log:           log,
		rows:          rows,
		state:         state,
		transport:     transport,
		txm:           txm,
		logger:        lg.WithComponent("uploader"),
		skewThreshold: clock.DefaultSkewThreshold,
	}
}

// SetSkewThreshold overrides the clock-skew warning threshold.
func (u *Uploader) SetSkewThreshold(threshold int64) {
	u.skewThreshold = threshold
}

// LastOutcome returns the most recent cycle that carried work, with its
// completion time. ok is false until such a cycle has run.
func (u *Uploader) LastOutcome() (Result, time.Time, bool) {
	u.lastMu.Lock()
	defer u.lastMu.Unlock()
	return u.lastResult, u.lastAt, u.hasLast
}

func (u *Uploader) recordOutcome(res Result) {
	u.lastMu.Lock()
	u.lastResult = res
	u.lastAt = time.Now()
	u.hasLast = true
	u.lastMu.Unlock()
}

// Upload runs one full sync cycle. A transport-level failure (connection
// error, timeout) leaves the entire batch queued and returns a failed
// Result together with the error. A partial per-entry failure is not an
// error: the rejected entries simply stay queued for the next cycle.
func (u *Uploader) Upload(ctx context.Context) (Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	ctx, span := tracer.Start(ctx, "sync.upload")
	defer span.End()

	entries, err := u.log.ListPending(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list pending changes: %w", err)
	}
	total := len(entries)
	span.SetAttributes(attribute.Int("sync.batch_size", total))
	if total == 0 {
		return Result{Success: true}, nil
	}

	req := UploadRequest{Changes: make([]WireChange, 0, total)}
	byTxid := make(map[int64]changelog.Entry, total)
	maxTxid := int64(0)
	for _, e := range entries {
		req.Changes = append(req.Changes, WireChange{
			ClientTxid: e.Txid,
			TableName:  e.TableName,
			RecordPK:   e.RecordPK,
			Action:     string(e.Action),
			Payload:    json.RawMessage(e.Payload),
		})
		byTxid[e.Txid] = e
		if e.Txid > maxTxid {
			maxTxid = e.Txid
		}
	}

	resp, err := u.transport.UploadChanges(ctx, req)
	if err != nil {
		u.logger.Warnw("upload failed, batch stays queued", "total", total, "error", err)
		res := Result{Success: false, Total: total}
		u.recordOutcome(res)
		return res, err
	}

	if err := u.reconcile(ctx, resp, byTxid, maxTxid); err != nil {
		res := Result{Success: false, Total: total}
		u.recordOutcome(res)
		return res, err
	}

	result := Result{
		Success:   resp.Success && resp.Errors == 0,
		Processed: resp.Processed,
		Errors:    resp.Errors,
		Total:     total,
	}
	span.SetAttributes(
		attribute.Int("sync.processed", result.Processed),
		attribute.Int("sync.errors", result.Errors),
	)
	u.recordOutcome(result)

	if result.Success {
		u.logger.Infow("sync completed", "processed", result.Processed, "total", total)
	} else {
		u.logger.Warnw("sync partially completed",
			"processed", result.Processed,
			"errors", result.Errors,
			"total", total,
		)
		for _, detail := range resp.ErrorDetails {
			entry := byTxid[detail.ClientTxid]
			u.logger.Warnw("entry rejected",
				"error", apperror.NewEntryRejected(entry.TableName, detail.ClientTxid, detail.Message),
			)
		}
	}
	return result, nil
}

// reconcile applies the authoritative per-entry outcomes: server_ts writes,
// delete finalization, watermark refresh, and log pruning.
func (u *Uploader) reconcile(ctx context.Context, resp UploadResponse, byTxid map[int64]changelog.Entry, maxTxid int64) error {
	return u.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		acked := make([]int64, 0, len(resp.Updates))
		watermarks := make(map[string]int64)

		for _, upd := range resp.Updates {
			entry, known := byTxid[upd.ClientTxid]
			if !known {
				u.logger.Warnw("acknowledgment for unknown entry", "client_txid", upd.ClientTxid)
				continue
			}

			if skew := upd.ServerTxid - upd.ClientTxid; skew > u.skewThreshold || skew < -u.skewThreshold {
				u.logger.Warnw("clock skew beyond threshold",
					"table", entry.TableName,
					"pk", entry.RecordPK,
					"client_txid", upd.ClientTxid,
					"server_txid", upd.ServerTxid,
				)
			}

			deleted, err := u.carriesDeleteMarker(entry)
			if err != nil {
				u.logger.Warnw("unreadable change payload", "txid", entry.Txid, "error", err)
				deleted = entry.Action == changelog.ActionDelete
			}

			if deleted {
				if _, err := u.rows.Purge(ctx, entry.TableName, entry.RecordPK); err != nil {
					return fmt.Errorf("finalize delete %s[%s]: %w", entry.TableName, entry.RecordPK, err)
				}
			} else {
				if err := u.rows.SetServerTS(ctx, entry.TableName, entry.RecordPK, upd.ServerTxid); err != nil {
					return fmt.Errorf("write server_ts %s[%s]: %w", entry.TableName, entry.RecordPK, err)
				}
			}

			if upd.ServerTxid > watermarks[entry.TableName] {
				watermarks[entry.TableName] = upd.ServerTxid
			}
			acked = append(acked, upd.ClientTxid)
		}

		for table, ts := range watermarks {
			if err := u.advanceWatermark(ctx, table, ts); err != nil {
				return err
			}
		}

		if resp.Success && resp.Errors == 0 {
			if err := u.log.DeleteThrough(ctx, maxTxid); err != nil {
				return fmt.Errorf("prune change log: %w", err)
			}
			return nil
		}
		if len(acked) > 0 {
			if err := u.log.DeleteByTxids(ctx, acked); err != nil {
				return fmt.Errorf("prune acknowledged entries: %w", err)
			}
		}
		return nil
	})
}

// carriesDeleteMarker reports whether the entry's new state is a tombstone.
func (u *Uploader) carriesDeleteMarker(entry changelog.Entry) (bool, error) {
	schema, ok := u.rows.Schema(entry.TableName)
	if !ok {
		return entry.Action == changelog.ActionDelete, nil
	}
	payload, err := changelog.DecodePayload(entry.Payload, schema.Columns)
	if err != nil {
		return false, err
	}
	_, deleted := payload.New.Int(domain.ColDeleteTS)
	return deleted, nil
}

// advanceWatermark moves a table's cached high-water timestamp forward.
// Watermarks never move backward.
func (u *Uploader) advanceWatermark(ctx context.Context, table string, ts int64) error {
	current, found, err := u.state.Watermark(ctx, table)
	if err != nil {
		return fmt.Errorf("read watermark %s: %w", table, err)
	}
	if found && current >= ts {
		return nil
	}
	if err := u.state.SetWatermark(ctx, table, ts); err != nil {
		return fmt.Errorf("advance watermark %s: %w", table, err)
	}
	return nil
}
