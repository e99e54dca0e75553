package sync

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"driftsync/internal/core/colval"
	"driftsync/internal/domain"
)

func mustRaw(t *testing.T, row colval.RowSnapshot) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal row: %v", err)
	}
	return data
}

func TestHydrate_AppliesSnapshotAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	r.transport.bulkFn = func(tables []string) (BulkLoadResponse, error) {
		return BulkLoadResponse{
			"notes": {
				mustRaw(t, remoteRow("1", 9, 100, map[string]colval.Value{"title": colval.String("a")})),
				mustRaw(t, remoteRow("2", 8, 250, map[string]colval.Value{"title": colval.String("b")})),
				mustRaw(t, remoteRow("3", 9, 180, map[string]colval.Value{
					domain.ColDeleteTS: colval.Int(180),
				})),
			},
		}, nil
	}

	stats, err := r.hydrator.Hydrate(ctx, nil)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	want := HydrateStats{Tables: 1, Applied: 2, Purged: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	for _, pk := range []string{"1", "2"} {
		if _, found, _ := r.rows.Get(ctx, "notes", pk); !found {
			t.Errorf("notes[%s] missing after hydration", pk)
		}
	}
	if _, found, _ := r.rows.Get(ctx, "notes", "3"); found {
		t.Error("tombstoned row present after hydration")
	}
	if wm, found, _ := r.state.Watermark(ctx, "notes"); !found || wm != 250 {
		t.Errorf("watermark = %d (%v), want 250", wm, found)
	}
}

func TestHydrate_BadRowsCountedNotFatal(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	r.transport.bulkFn = func([]string) (BulkLoadResponse, error) {
		return BulkLoadResponse{
			"notes": {
				json.RawMessage(`{broken`),
				mustRaw(t, colval.RowSnapshot{ // no primary key column
					"title":            colval.String("orphan"),
					domain.ColDeviceID: colval.Int(9),
				}),
				mustRaw(t, remoteRow("1", 9, 100, nil)),
			},
		}, nil
	}

	stats, err := r.hydrator.Hydrate(ctx, []string{"notes"})
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if stats.Failed != 2 || stats.Applied != 1 {
		t.Errorf("stats = %+v, want failed=2 applied=1", stats)
	}
	if _, found, _ := r.rows.Get(ctx, "notes", "1"); !found {
		t.Error("good row dropped along with the bad ones")
	}
}

func TestHydrate_TransportFailureAborts(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	r.transport.bulkFn = func([]string) (BulkLoadResponse, error) {
		return nil, errors.New("connection reset")
	}

	if _, err := r.hydrator.Hydrate(ctx, []string{"notes"}); err == nil {
		t.Fatal("Hydrate() error = nil, want transport failure")
	}
}

func TestHydrate_DefaultsToAllWatchedTables(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	var requested []string
	r.transport.bulkFn = func(tables []string) (BulkLoadResponse, error) {
		requested = tables
		return BulkLoadResponse{}, nil
	}

	if _, err := r.hydrator.Hydrate(ctx, nil); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if !reflect.DeepEqual(requested, []string{"notes"}) {
		t.Errorf("requested tables = %v, want [notes]", requested)
	}
}

func TestRefreshWatermark_OverwritesEvenDownward(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	_ = r.rows.Upsert(ctx, "notes", "1", remoteRow("1", 9, 120, nil))
	_ = r.rows.Upsert(ctx, "notes", "2", remoteRow("2", 9, 90, nil))

	// Stale watermark ahead of the data, as after restoring a backup.
	_ = r.state.SetWatermark(ctx, "notes", 99_999)

	if err := r.hydrator.RefreshWatermark(ctx, nil); err != nil {
		t.Fatalf("RefreshWatermark() error = %v", err)
	}
	if wm, _, _ := r.state.Watermark(ctx, "notes"); wm != 120 {
		t.Errorf("watermark = %d, want 120", wm)
	}

	// With no rows at all the watermark resets to zero.
	_, _ = r.rows.Purge(ctx, "notes", "1")
	_, _ = r.rows.Purge(ctx, "notes", "2")
	if err := r.hydrator.RefreshWatermark(ctx, []string{"notes"}); err != nil {
		t.Fatalf("RefreshWatermark() error = %v", err)
	}
	if wm, _, _ := r.state.Watermark(ctx, "notes"); wm != 0 {
		t.Errorf("watermark = %d, want 0 after purge", wm)
	}
}

func TestHydrate_UnknownTableIgnored(t *testing.T) {
	ctx := context.Background()
	r := newRig(7)

	r.transport.bulkFn = func([]string) (BulkLoadResponse, error) {
		return BulkLoadResponse{
			"ghosts": {mustRaw(t, remoteRow("1", 9, 100, nil))},
		}, nil
	}

	stats, err := r.hydrator.Hydrate(ctx, []string{"notes"})
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if stats.Tables != 0 {
		t.Errorf("Tables = %d, unknown tables must not count", stats.Tables)
	}
}
