package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/clock"
	"driftsync/internal/core/tx"
	"driftsync/internal/domain"
	"driftsync/internal/domain/sync"
	"driftsync/pkg/logger"
)

var tracer = otel.Tracer("driftsync/authority")

// Service processes uploaded change batches and serves snapshots. Changes
// are applied in arrival order: every accepted change overwrites the
// canonical row and receives a fresh authoritative timestamp, so the
// clients' newest-timestamp-wins rule converges on the last arrival.
type Service struct {
	store  Store
	seq    *clock.Authority
	hub    *Hub
	arch   *Archiver
	txm    tx.Manager
	tables map[string]string
	logger *logger.Logger
}

// NewService creates the authority service over the given store. tables
// declares the synchronized tables and their primary key columns; changes
// for undeclared tables are rejected per entry.
func NewService(store Store, txm tx.Manager, tables []domain.TableConfig, lg *logger.Logger) (*Service, error) {
	if lg == nil {
		lg = logger.Default()
	}
	seq, err := clock.NewAuthority(store, SequencerDeviceID)
	if err != nil {
		return nil, fmt.Errorf("create sequencer: %w", err)
	}
	arch, err := NewArchiver()
	if err != nil {
		return nil, fmt.Errorf("create archiver: %w", err)
	}

	registry := make(map[string]string, len(tables))
	for _, t := range tables {
		if t.Name == "" || t.PrimaryKey == "" {
			return nil, apperror.NewValidation("table registration needs a name and a primary key column")
		}
		registry[t.Name] = t.PrimaryKey
	}

	return &Service{
		store:  store,
		seq:    seq,
		hub:    NewHub(lg),
		arch:   arch,
		txm:    txm,
		tables: registry,
		logger: lg.WithComponent("authority"),
	}, nil
}

// Subscribe attaches a device to the realtime broadcast feed.
func (s *Service) Subscribe(deviceID int64) (<-chan sync.Event, func()) {
	return s.hub.Subscribe(deviceID)
}

// Subscribers reports the number of connected realtime streams.
func (s *Service) Subscribers() int {
	return s.hub.Len()
}

// Ping verifies the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Tables lists the registered table names.
func (s *Service) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names
}

// ProcessChanges applies one uploaded batch for an authenticated device.
// Entries are processed independently and in order; a rejected entry is
// itemized in the response and does not stop the rest of the batch.
func (s *Service) ProcessChanges(ctx context.Context, deviceID int64, changes []sync.WireChange) (sync.UploadResponse, error) {
	ctx, span := tracer.Start(ctx, "authority.process_changes")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("sync.device_id", deviceID),
		attribute.Int("sync.batch_size", len(changes)),
	)

	if deviceID <= SequencerDeviceID || deviceID > clock.MaxDeviceID {
		return sync.UploadResponse{}, apperror.NewValidation("device id outside the registrable range").
			WithDetail("device_id", deviceID)
	}

	resp := sync.UploadResponse{}
	for _, ch := range changes {
		update, err := s.processOne(ctx, deviceID, ch)
		if err != nil {
			resp.Errors++
			resp.ErrorDetails = append(resp.ErrorDetails, sync.WireEntryError{
				ClientTxid: ch.ClientTxid,
				Message:    rejectionMessage(err),
			})
			resp.Failed = append(resp.Failed, ch.ClientTxid)
			s.logger.Warnw("change rejected",
				"device_id", deviceID,
				"client_txid", ch.ClientTxid,
				"table", ch.TableName,
				"error", err,
			)
			continue
		}
		resp.Processed++
		resp.Updates = append(resp.Updates, update)
	}

	resp.Success = resp.Errors == 0
	span.SetAttributes(
		attribute.Int("sync.processed", resp.Processed),
		attribute.Int("sync.errors", resp.Errors),
	)
	return resp, nil
}

// processOne validates and applies a single change entry.
func (s *Service) processOne(ctx context.Context, deviceID int64, ch sync.WireChange) (sync.WireUpdate, error) {
	pkColumn, registered := s.tables[ch.TableName]
	if !registered {
		return sync.WireUpdate{}, apperror.NewValidation("table is not synchronized").WithDetail("table", ch.TableName)
	}
	if ch.RecordPK == "" {
		return sync.WireUpdate{}, apperror.NewValidation("empty primary key").WithDetail("table", ch.TableName)
	}
	switch ch.Action {
	case "insert", "update", "delete":
	default:
		return sync.WireUpdate{}, apperror.NewValidation("unknown action").WithDetail("action", ch.Action)
	}

	row, err := decodeNewState(ch.Payload)
	if err != nil {
		return sync.WireUpdate{}, apperror.NewValidation("unreadable change payload").WithCause(err)
	}
	if dev, ok := wireInt(row[domain.ColDeviceID]); ok && dev != deviceID {
		return sync.WireUpdate{}, apperror.NewValidation("row device identity does not match the authenticated device").
			WithDetail("row_device_id", dev).
			WithDetail("device_id", deviceID)
	}

	// Replays answer from the ledger with the original timestamp. The row
	// is not applied again and nothing is re-broadcast.
	if prior, found, err := s.store.GetAck(ctx, deviceID, ch.ClientTxid); err != nil {
		return sync.WireUpdate{}, apperror.NewDatabase("read ack ledger", err)
	} else if found {
		return sync.WireUpdate{
			ClientTxid: ch.ClientTxid,
			ServerTxid: prior.ServerTxid,
			TableName:  prior.TableName,
			PK:         prior.RecordPK,
		}, nil
	}

	serverTxid, err := s.seq.Next(ctx)
	if err != nil {
		return sync.WireUpdate{}, apperror.NewDatabase("issue server timestamp", err)
	}

	row[domain.ColServerTS] = json.RawMessage(strconv.FormatInt(serverTxid, 10))
	data, err := json.Marshal(row)
	if err != nil {
		return sync.WireUpdate{}, apperror.NewInternal(fmt.Errorf("re-encode row: %w", err))
	}

	clientTS, _ := wireInt(row[domain.ColClientTS])
	_, deleted := wireInt(row[domain.ColDeleteTS])

	ack := Ack{
		DeviceID:   deviceID,
		ClientTxid: ch.ClientTxid,
		ServerTxid: serverTxid,
		TableName:  ch.TableName,
		RecordPK:   ch.RecordPK,
		CreatedAt:  time.Now().UTC(),
	}
	canonical := Row{
		TableName: ch.TableName,
		RecordPK:  ch.RecordPK,
		DeviceID:  deviceID,
		ClientTS:  clientTS,
		ServerTS:  serverTxid,
		Deleted:   deleted,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}

	err = s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.UpsertRow(ctx, canonical); err != nil {
			return fmt.Errorf("upsert row: %w", err)
		}
		if err := s.store.PutAck(ctx, ack); err != nil {
			return fmt.Errorf("record ack: %w", err)
		}
		if err := s.store.AppendArchive(ctx, s.arch.Record(deviceID, ack, ch.Action, ch.Payload)); err != nil {
			return fmt.Errorf("archive change: %w", err)
		}
		return nil
	})
	if err != nil {
		return sync.WireUpdate{}, apperror.NewDatabase("apply change", err)
	}

	// Deletions travel as updates carrying the tombstone row, so receiving
	// devices purge through the ordinary apply path.
	action := ch.Action
	if deleted {
		action = "update"
	}
	s.hub.Broadcast(deviceID, sync.Event{
		Type:     "change",
		Table:    ch.TableName,
		Action:   action,
		PKColumn: pkColumn,
		PKValue:  ch.RecordPK,
		Row:      data,
	})

	return sync.WireUpdate{
		ClientTxid: ch.ClientTxid,
		ServerTxid: serverTxid,
		TableName:  ch.TableName,
		PK:         ch.RecordPK,
	}, nil
}

// BulkLoad snapshots the requested tables, tombstones included so late
// joiners purge rows deleted while they were offline.
func (s *Service) BulkLoad(ctx context.Context, tables []string) (sync.BulkLoadResponse, error) {
	ctx, span := tracer.Start(ctx, "authority.bulk_load")
	defer span.End()

	resp := make(sync.BulkLoadResponse, len(tables))
	for _, table := range tables {
		if _, registered := s.tables[table]; !registered {
			s.logger.Warnw("bulk load for unregistered table", "table", table)
			resp[table] = []json.RawMessage{}
			continue
		}
		rows, err := s.store.SnapshotTable(ctx, table)
		if err != nil {
			return nil, apperror.NewDatabase("snapshot table", err).WithDetail("table", table)
		}
		out := make([]json.RawMessage, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.Data)
		}
		resp[table] = out
	}
	return resp, nil
}

// decodeNewState pulls the new-row object out of a change payload while
// preserving each column's wire encoding byte for byte.
func decodeNewState(payload json.RawMessage) (map[string]json.RawMessage, error) {
	var envelope struct {
		New json.RawMessage `json:"new"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	if len(envelope.New) == 0 || string(envelope.New) == "null" {
		return nil, fmt.Errorf("payload carries no new row state")
	}
	var row map[string]json.RawMessage
	if err := json.Unmarshal(envelope.New, &row); err != nil {
		return nil, fmt.Errorf("decode new row state: %w", err)
	}
	return row, nil
}

// wireInt reads an integer column off a wire-encoded row, accepting both
// plain JSON numbers and the decimal-string form used beyond 2^53. A null
// or absent column reads as not present.
func wireInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// rejectionMessage flattens an error into the per-entry message clients
// log. AppError details stay server-side.
func rejectionMessage(err error) string {
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}
