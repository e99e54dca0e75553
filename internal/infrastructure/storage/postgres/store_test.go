package postgres

import (
	"testing"
)

func TestRowQuery(t *testing.T) {
	sql, args, err := rowQuery("notes", "n1")
	if err != nil {
		t.Fatalf("rowQuery: %v", err)
	}

	want := "SELECT table_name, record_pk, device_id, client_ts, server_ts, deleted, data, updated_at " +
		"FROM sync_rows WHERE table_name = $1 AND record_pk = $2 LIMIT 1"
	if sql != want {
		t.Errorf("SQL mismatch\nwant: %s\ngot:  %s", want, sql)
	}
	if len(args) != 2 || args[0] != "notes" || args[1] != "n1" {
		t.Errorf("args = %v", args)
	}
}

func TestSnapshotQueryOrdersByServerTS(t *testing.T) {
	sql, args, err := snapshotQuery("expenses")
	if err != nil {
		t.Fatalf("snapshotQuery: %v", err)
	}

	want := "SELECT table_name, record_pk, device_id, client_ts, server_ts, deleted, data, updated_at " +
		"FROM sync_rows WHERE table_name = $1 ORDER BY server_ts ASC"
	if sql != want {
		t.Errorf("SQL mismatch\nwant: %s\ngot:  %s", want, sql)
	}
	if len(args) != 1 || args[0] != "expenses" {
		t.Errorf("args = %v", args)
	}
}

func TestAckQuery(t *testing.T) {
	sql, args, err := ackQuery(7, 4096)
	if err != nil {
		t.Fatalf("ackQuery: %v", err)
	}

	want := "SELECT device_id, client_txid, server_txid, table_name, record_pk, created_at " +
		"FROM sync_acks WHERE device_id = $1 AND client_txid = $2 LIMIT 1"
	if sql != want {
		t.Errorf("SQL mismatch\nwant: %s\ngot:  %s", want, sql)
	}
	if len(args) != 2 || args[0] != int64(7) || args[1] != int64(4096) {
		t.Errorf("args = %v", args)
	}
}
