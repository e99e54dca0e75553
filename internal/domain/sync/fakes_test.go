package sync

import (
	"context"
	"sort"
	gosync "sync"

	"driftsync/internal/core/clock"
	"driftsync/internal/core/colval"
	"driftsync/internal/domain"
	"driftsync/internal/domain/changelog"
	"driftsync/pkg/logger"
)

// nopTx runs the function directly; the fakes below are already atomic.
type nopTx struct{}

func (nopTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// memRows is an in-memory RowStore.
type memRows struct {
	mu      gosync.Mutex
	schemas map[string]domain.TableSchema
	data    map[string]map[string]colval.RowSnapshot
}

func newMemRows(schemas ...domain.TableSchema) *memRows {
	m := &memRows{
		schemas: make(map[string]domain.TableSchema),
		data:    make(map[string]map[string]colval.RowSnapshot),
	}
	for _, s := range schemas {
		m.schemas[s.Config.Name] = s
		m.data[s.Config.Name] = make(map[string]colval.RowSnapshot)
	}
	return m
}

func (m *memRows) Tables() []domain.TableSchema {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TableSchema, 0, len(m.schemas))
	for _, s := range m.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

func (m *memRows) Schema(table string) (domain.TableSchema, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schemas[table]
	return s, ok
}

func (m *memRows) Get(ctx context.Context, table, pk string) (colval.RowSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.data[table][pk]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (m *memRows) Upsert(ctx context.Context, table, pk string, row colval.RowSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[table][pk] = row.Clone()
	return nil
}

func (m *memRows) SetServerTS(ctx context.Context, table, pk string, serverTS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.data[table][pk]; ok {
		row[domain.ColServerTS] = colval.Int(serverTS)
	}
	return nil
}

func (m *memRows) Purge(ctx context.Context, table, pk string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[table][pk]
	delete(m.data[table], pk)
	return ok, nil
}

func (m *memRows) MaxServerTS(ctx context.Context, table string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := int64(0)
	found := false
	for _, row := range m.data[table] {
		if ts, ok := row.Int(domain.ColServerTS); ok && ts > max {
			max, found = ts, true
		}
	}
	return max, found, nil
}

// memState is an in-memory StateStore.
type memState struct {
	mu         gosync.Mutex
	deviceID   *int64
	counter    int64
	watermarks map[string]int64
}

func newMemState() *memState {
	return &memState{watermarks: make(map[string]int64)}
}

func (m *memState) DeviceID(ctx context.Context) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deviceID == nil {
		return 0, false, nil
	}
	return *m.deviceID, true, nil
}

func (m *memState) SetDeviceID(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceID = &id
	return nil
}

func (m *memState) LoadCounter(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter, nil
}

func (m *memState) StoreCounter(ctx context.Context, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter = value
	return nil
}

func (m *memState) Watermark(ctx context.Context, table string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.watermarks[table]
	return ts, ok, nil
}

func (m *memState) SetWatermark(ctx context.Context, table string, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[table] = ts
	return nil
}

// memLog is an in-memory change log.
type memLog struct {
	mu      gosync.Mutex
	entries []changelog.Entry
}

func (m *memLog) Append(ctx context.Context, entry changelog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memLog) ListPending(ctx context.Context) ([]changelog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]changelog.Entry, len(m.entries))
	copy(out, m.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Txid < out[j].Txid })
	return out, nil
}

func (m *memLog) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *memLog) DeleteByTxids(ctx context.Context, txids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[int64]bool, len(txids))
	for _, id := range txids {
		drop[id] = true
	}
	kept := m.entries[:0]
	for _, e := range m.entries {
		if !drop[e.Txid] {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *memLog) DeleteThrough(ctx context.Context, maxTxid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Txid > maxTxid {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

// stubTransport scripts authority responses.
type stubTransport struct {
	mu       gosync.Mutex
	uploadFn func(UploadRequest) (UploadResponse, error)
	bulkFn   func([]string) (BulkLoadResponse, error)
	uploads  []UploadRequest
}

func (s *stubTransport) UploadChanges(ctx context.Context, req UploadRequest) (UploadResponse, error) {
	s.mu.Lock()
	s.uploads = append(s.uploads, req)
	fn := s.uploadFn
	s.mu.Unlock()
	if fn == nil {
		return UploadResponse{Success: true, Processed: len(req.Changes)}, nil
	}
	return fn(req)
}

func (s *stubTransport) BulkLoad(ctx context.Context, tables []string) (BulkLoadResponse, error) {
	if s.bulkFn == nil {
		return BulkLoadResponse{}, nil
	}
	return s.bulkFn(tables)
}

func (s *stubTransport) OpenEventStream(ctx context.Context) (EventStream, error) {
	return nil, nil
}

// notesSchema is the table most tests sync.
func notesSchema() domain.TableSchema {
	return domain.TableSchema{
		Config: domain.TableConfig{Name: "notes", PrimaryKey: "id"},
		Columns: map[string]colval.Kind{
			"id":               colval.KindString,
			"title":            colval.KindString,
			"body":             colval.KindString,
			"attachment":       colval.KindBytes,
			"views":            colval.KindInt,
			domain.ColClientTS: colval.KindInt,
			domain.ColServerTS: colval.KindInt,
			domain.ColDeviceID: colval.KindInt,
			domain.ColDeleteTS: colval.KindInt,
		},
	}
}

// rig wires the sync services over the in-memory fakes.
type rig struct {
	rows      *memRows
	state     *memState
	log       *memLog
	clock     *clock.Authority
	capture   *changelog.Capture
	applier   *Applier
	transport *stubTransport
	uploader  *Uploader
	hydrator  *Hydrator
}

func newRig(deviceID int64) *rig {
	state := newMemState()
	clk, err := clock.NewAuthority(state, deviceID)
	if err != nil {
		panic(err)
	}
	rows := newMemRows(notesSchema())
	log := &memLog{}
	capture := changelog.NewCapture(rows, log, clk, nopTx{}, logger.Nop())
	applier := NewApplier(rows, capture, nopTx{}, deviceID, logger.Nop())
	transport := &stubTransport{}
	uploader := NewUploader(log, rows, state, transport, nopTx{}, logger.Nop())
	hydrator := NewHydrator(transport, applier, rows, state, logger.Nop())
	return &rig{
		rows:      rows,
		state:     state,
		log:       log,
		clock:     clk,
		capture:   capture,
		applier:   applier,
		transport: transport,
		uploader:  uploader,
		hydrator:  hydrator,
	}
}
