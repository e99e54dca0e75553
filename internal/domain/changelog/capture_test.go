package changelog

import (
	"context"
	"testing"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/clock"
	"driftsync/internal/core/colval"
	"driftsync/internal/domain"
	"driftsync/pkg/logger"
)

type passTx struct{}

func (passTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memCounter struct{ counter int64 }

func (m *memCounter) LoadCounter(ctx context.Context) (int64, error) { return m.counter, nil }
func (m *memCounter) StoreCounter(ctx context.Context, v int64) error {
	m.counter = v
	return nil
}

// tableStore is a single-table in-memory RowStore.
type tableStore struct {
	schema domain.TableSchema
	rows   map[string]colval.RowSnapshot
}

func newTableStore() *tableStore {
	return &tableStore{
		schema: domain.TableSchema{
			Config: domain.TableConfig{Name: "notes", PrimaryKey: "id"},
			Columns: map[string]colval.Kind{
				"id":               colval.KindString,
				"title":            colval.KindString,
				"body":             colval.KindString,
				domain.ColClientTS: colval.KindInt,
				domain.ColServerTS: colval.KindInt,
				domain.ColDeviceID: colval.KindInt,
				domain.ColDeleteTS: colval.KindInt,
			},
		},
		rows: make(map[string]colval.RowSnapshot),
	}
}

func (s *tableStore) Tables() []domain.TableSchema { return []domain.TableSchema{s.schema} }

func (s *tableStore) Schema(table string) (domain.TableSchema, bool) {
	if table != s.schema.Config.Name {
		return domain.TableSchema{}, false
	}
	return s.schema, true
}

func (s *tableStore) Get(ctx context.Context, table, pk string) (colval.RowSnapshot, bool, error) {
	row, ok := s.rows[pk]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (s *tableStore) Upsert(ctx context.Context, table, pk string, row colval.RowSnapshot) error {
	s.rows[pk] = row.Clone()
	return nil
}

func (s *tableStore) SetServerTS(ctx context.Context, table, pk string, ts int64) error {
	if row, ok := s.rows[pk]; ok {
		row[domain.ColServerTS] = colval.Int(ts)
	}
	return nil
}

func (s *tableStore) Purge(ctx context.Context, table, pk string) (bool, error) {
	_, ok := s.rows[pk]
	delete(s.rows, pk)
	return ok, nil
}

func (s *tableStore) MaxServerTS(ctx context.Context, table string) (int64, bool, error) {
	return 0, false, nil
}

// entryLog records appended entries.
type entryLog struct{ entries []Entry }

func (l *entryLog) Append(ctx context.Context, e Entry) error {
	l.entries = append(l.entries, e)
	return nil
}
func (l *entryLog) ListPending(ctx context.Context) ([]Entry, error) { return l.entries, nil }
func (l *entryLog) Count(ctx context.Context) (int64, error)        { return int64(len(l.entries)), nil }
func (l *entryLog) DeleteByTxids(ctx context.Context, txids []int64) error {
	return nil
}
func (l *entryLog) DeleteThrough(ctx context.Context, maxTxid int64) error { return nil }

const testDevice = int64(7)

func newCaptureHarness(t *testing.T) (*Capture, *tableStore, *entryLog) {
	t.Helper()
	authority, err := clock.NewAuthority(&memCounter{}, testDevice)
	if err != nil {
		t.Fatalf("NewAuthority() error = %v", err)
	}
	store := newTableStore()
	log := &entryLog{}
	return NewCapture(store, log, authority, passTx{}, logger.Nop()), store, log
}

func TestWrite_InsertStampsAndLogs(t *testing.T) {
	ctx := context.Background()
	capture, store, log := newCaptureHarness(t)

	if err := capture.Write(ctx, "notes", "1", map[string]any{"id": "1", "title": "hello"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	row, ok := store.rows["1"]
	if !ok {
		t.Fatal("row not stored")
	}
	if dev, _ := row.Int(domain.ColDeviceID); dev != testDevice {
		t.Errorf("device_id = %d, want %d", dev, testDevice)
	}
	ts, ok := row.Int(domain.ColClientTS)
	if !ok || ts == 0 {
		t.Fatalf("client_ts = %d (%v), want a minted timestamp", ts, ok)
	}
	if clock.DeviceIDOf(ts) != testDevice {
		t.Errorf("client_ts encodes device %d, want %d", clock.DeviceIDOf(ts), testDevice)
	}

	if len(log.entries) != 1 {
		t.Fatalf("logged entries = %d, want 1", len(log.entries))
	}
	e := log.entries[0]
	if e.Txid != ts {
		t.Errorf("txid = %d, want the row's client_ts %d", e.Txid, ts)
	}
	if e.Action != ActionInsert {
		t.Errorf("action = %q, want insert", e.Action)
	}
	if e.TableName != "notes" || e.RecordPK != "1" || e.DeviceID != testDevice {
		t.Errorf("entry = %+v, identity fields wrong", e)
	}

	payload, err := DecodePayload(e.Payload, store.schema.Columns)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if title, _ := payload.New.String("title"); title != "hello" {
		t.Errorf("payload new title = %q, want hello", title)
	}
	if payload.Old != nil {
		t.Errorf("payload old = %v, inserts carry no prior state", payload.Old)
	}
}

func TestWrite_UpdateMergesAndLogsOldState(t *testing.T) {
	ctx := context.Background()
	capture, store, log := newCaptureHarness(t)

	if err := capture.Write(ctx, "notes", "1", map[string]any{"id": "1", "title": "v1", "body": "text"}); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if err := capture.Write(ctx, "notes", "1", map[string]any{"title": "v2"}); err != nil {
		t.Fatalf("update error = %v", err)
	}

	row := store.rows["1"]
	if title, _ := row.String("title"); title != "v2" {
		t.Errorf("title = %q, want v2", title)
	}
	if body, _ := row.String("body"); body != "text" {
		t.Errorf("body = %q, unmentioned columns keep their value", body)
	}

	if len(log.entries) != 2 {
		t.Fatalf("logged entries = %d, want 2", len(log.entries))
	}
	e := log.entries[1]
	if e.Action != ActionUpdate {
		t.Errorf("action = %q, want update", e.Action)
	}
	if e.Txid <= log.entries[0].Txid {
		t.Errorf("txids not increasing: %d then %d", log.entries[0].Txid, e.Txid)
	}
	payload, err := DecodePayload(e.Payload, store.schema.Columns)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if title, _ := payload.Old.String("title"); title != "v1" {
		t.Errorf("payload old title = %q, want v1", title)
	}
}

func TestSoftDelete_OneTimestampMarksAndLogs(t *testing.T) {
	ctx := context.Background()
	capture, store, log := newCaptureHarness(t)

	if err := capture.Write(ctx, "notes", "1", map[string]any{"id": "1", "title": "doomed"}); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if err := capture.SoftDelete(ctx, "notes", "1"); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}

	row, ok := store.rows["1"]
	if !ok {
		t.Fatal("soft delete removed the row; removal happens only after acknowledgment")
	}
	deleteTS, ok := row.Int(domain.ColDeleteTS)
	if !ok {
		t.Fatal("delete_ts not set")
	}
	clientTS, _ := row.Int(domain.ColClientTS)
	if deleteTS != clientTS {
		t.Errorf("delete_ts %d != client_ts %d, one timestamp covers both", deleteTS, clientTS)
	}

	if len(log.entries) != 2 {
		t.Fatalf("logged entries = %d, want 2", len(log.entries))
	}
	e := log.entries[1]
	if e.Action != ActionDelete {
		t.Errorf("action = %q, want delete", e.Action)
	}
	if e.Txid != deleteTS {
		t.Errorf("txid = %d, want delete_ts %d", e.Txid, deleteTS)
	}
}

func TestSoftDelete_RepeatLogsUpdateNotDelete(t *testing.T) {
	ctx := context.Background()
	capture, _, log := newCaptureHarness(t)

	if err := capture.Write(ctx, "notes", "1", map[string]any{"id": "1"}); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	if err := capture.SoftDelete(ctx, "notes", "1"); err != nil {
		t.Fatalf("first SoftDelete() error = %v", err)
	}
	if err := capture.SoftDelete(ctx, "notes", "1"); err != nil {
		t.Fatalf("second SoftDelete() error = %v", err)
	}

	// Only the transition from live to deleted classifies as a delete.
	if got := log.entries[2].Action; got != ActionUpdate {
		t.Errorf("repeat delete logged as %q, want update", got)
	}
}

func TestWriteRow_ForeignIdentityPassesThroughUnlogged(t *testing.T) {
	ctx := context.Background()
	capture, store, log := newCaptureHarness(t)

	replicated := colval.RowSnapshot{
		"id":               colval.String("1"),
		"title":            colval.String("from elsewhere"),
		domain.ColClientTS: colval.Int(42),
		domain.ColServerTS: colval.Int(42),
		domain.ColDeviceID: colval.Int(9),
	}
	if err := capture.WriteRow(ctx, "notes", "1", replicated); err != nil {
		t.Fatalf("WriteRow() error = %v", err)
	}

	row := store.rows["1"]
	if dev, _ := row.Int(domain.ColDeviceID); dev != 9 {
		t.Errorf("device_id = %d, replicated identity must be stored untouched", dev)
	}
	if ts, _ := row.Int(domain.ColClientTS); ts != 42 {
		t.Errorf("client_ts = %d, want the replicated 42", ts)
	}
	if len(log.entries) != 0 {
		t.Errorf("logged entries = %d, replicated rows must never be captured", len(log.entries))
	}
}

func TestWrite_RejectsUnknownColumnAndTable(t *testing.T) {
	ctx := context.Background()
	capture, store, log := newCaptureHarness(t)

	err := capture.Write(ctx, "notes", "1", map[string]any{"id": "1", "mood": "blue"})
	if !apperror.IsAppError(err) {
		t.Fatalf("unknown column error = %v, want validation error", err)
	}
	err = capture.Write(ctx, "ghosts", "1", map[string]any{"id": "1"})
	if !apperror.IsAppError(err) {
		t.Fatalf("unknown table error = %v, want validation error", err)
	}

	if len(store.rows) != 0 || len(log.entries) != 0 {
		t.Errorf("rejected writes left state: rows=%d entries=%d", len(store.rows), len(log.entries))
	}
}

func TestOnCommit_FiresOnlyForCapturedWrites(t *testing.T) {
	ctx := context.Background()
	capture, _, _ := newCaptureHarness(t)

	fired := 0
	capture.OnCommit(func() { fired++ })

	if err := capture.Write(ctx, "notes", "1", map[string]any{"id": "1"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d after local write, want 1", fired)
	}

	replicated := colval.RowSnapshot{
		"id":               colval.String("2"),
		domain.ColDeviceID: colval.Int(9),
		domain.ColClientTS: colval.Int(42),
	}
	if err := capture.WriteRow(ctx, "notes", "2", replicated); err != nil {
		t.Fatalf("WriteRow() error = %v", err)
	}
	if fired != 1 {
		t.Errorf("fired = %d after replicated write, the signal tracks change-log growth only", fired)
	}
}
