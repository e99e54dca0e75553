// Package memory provides a volatile authority store. It backs tests, the
// demo binary, and single-node deployments where durability is handled by
// the devices themselves re-uploading after a restart.
package memory

import (
	"context"
	"sort"
	gosync "sync"

	"driftsync/internal/authority"
)

type ackKey struct {
	deviceID   int64
	clientTxid int64
}

// Store keeps the authority's canonical state in process memory.
type Store struct {
	mu      gosync.RWMutex
	rows    map[string]map[string]authority.Row
	acks    map[ackKey]authority.Ack
	archive []authority.ArchiveRecord
	counter int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		rows: make(map[string]map[string]authority.Row),
		acks: make(map[ackKey]authority.Ack),
	}
}

// GetRow fetches the canonical copy of one record.
func (s *Store) GetRow(_ context.Context, table, pk string) (authority.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[table][pk]
	return row, ok, nil
}

// UpsertRow replaces the canonical copy of one record.
func (s *Store) UpsertRow(_ context.Context, row authority.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.rows[row.TableName]
	if !ok {
		table = make(map[string]authority.Row)
		s.rows[row.TableName] = table
	}
	table[row.RecordPK] = row
	return nil
}

// SnapshotTable returns every row of a table ordered by server timestamp.
func (s *Store) SnapshotTable(_ context.Context, table string) ([]authority.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]authority.Row, 0, len(s.rows[table]))
	for _, row := range s.rows[table] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ServerTS < rows[j].ServerTS })
	return rows, nil
}

// GetAck looks up the idempotency ledger.
func (s *Store) GetAck(_ context.Context, deviceID, clientTxid int64) (authority.Ack, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ack, ok := s.acks[ackKey{deviceID, clientTxid}]
	return ack, ok, nil
}

// PutAck records an accepted change in the ledger.
func (s *Store) PutAck(_ context.Context, ack authority.Ack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks[ackKey{ack.DeviceID, ack.ClientTxid}] = ack
	return nil
}

// AppendArchive stores the original change payload.
func (s *Store) AppendArchive(_ context.Context, rec authority.ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = append(s.archive, rec)
	return nil
}

// ArchiveLen reports how many changes were archived.
func (s *Store) ArchiveLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.archive)
}

// LoadCounter returns the sequencer counter.
func (s *Store) LoadCounter(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counter, nil
}

// StoreCounter persists the sequencer counter.
func (s *Store) StoreCounter(_ context.Context, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter = value
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// TxManager is the pass-through transaction manager for the memory store.
// Individual store writes are atomic under the store mutex; the store is
// volatile, so multi-write atomicity across a crash is moot.
type TxManager struct{}

// RunInTransaction executes fn directly.
func (TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
