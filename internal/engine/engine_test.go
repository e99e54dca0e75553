package engine_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"driftsync/internal/auth"
	"driftsync/internal/authority"
	"driftsync/internal/core/apperror"
	"driftsync/internal/domain"
	"driftsync/internal/domain/autosync"
	"driftsync/internal/domain/realtime"
	"driftsync/internal/engine"
	"driftsync/internal/infrastructure/http/api"
	"driftsync/internal/infrastructure/storage/memory"
	"driftsync/internal/infrastructure/transport"
	"driftsync/pkg/logger"
)

func startAuthority(t *testing.T) *httptest.Server {
	t.Helper()

	store := memory.NewStore()
	svc, err := authority.NewService(store, memory.TxManager{}, []domain.TableConfig{
		{Name: "notes", PrimaryKey: "id"},
	}, logger.Nop())
	if err != nil {
		t.Fatalf("authority.NewService: %v", err)
	}
	jwtSvc := auth.NewJWTService(auth.DefaultJWTConfig("engine-test-secret"))
	authSvc := auth.NewService(memory.NewDeviceRepo(), memory.TxManager{}, jwtSvc, auth.DefaultServiceConfig(), logger.Nop())

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Authority:      svc,
		AuthService:    authSvc,
		TokenValidator: jwtSvc,
		Logger:         logger.Nop(),
		Version:        "test",
	}))
	t.Cleanup(srv.Close)
	return srv
}

// enroll registers a device account over HTTP and returns its id and token.
func enroll(t *testing.T, baseURL, name string) (int64, string) {
	t.Helper()

	post := func(path string, body map[string]string) []byte {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal %s body: %v", path, err)
		}
		resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(data))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			t.Fatalf("read %s response: %v", path, err)
		}
		if resp.StatusCode >= 300 {
			t.Fatalf("POST %s status = %d, body %s", path, resp.StatusCode, buf.String())
		}
		return buf.Bytes()
	}

	post("/auth/register", map[string]string{"name": name, "secret": "engine-secret"})
	raw := post("/auth/login", map[string]string{"name": name, "secret": "engine-secret"})

	var login struct {
		Token    string `json:"token"`
		DeviceID int64  `json:"deviceId"`
	}
	if err := json.Unmarshal(raw, &login); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return login.DeviceID, login.Token
}

func notesBootstrap(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS notes (
		id    TEXT PRIMARY KEY,
		title TEXT,
		body  TEXT
	)`)
	return err
}

func openEngine(t *testing.T, baseURL string, deviceID int64, token, dbPath string) *engine.Engine {
	t.Helper()

	eng, err := engine.Open(context.Background(), engine.Config{
		DBPath:        dbPath,
		Bootstrap:     notesBootstrap,
		Tables:        []domain.TableConfig{{Name: "notes", PrimaryKey: "id"}},
		DeviceID:      deviceID,
		BaseURL:       baseURL,
		TokenProvider: transport.StaticToken(token),
		Realtime:      realtime.Config{ReconnectDelay: 100 * time.Millisecond},
		Logger:        logger.Nop(),
	})
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTwoDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := startAuthority(t)
	dir := t.TempDir()

	aliceID, aliceToken := enroll(t, srv.URL, "alice-laptop")
	bobID, bobToken := enroll(t, srv.URL, "bob-phone")

	alice := openEngine(t, srv.URL, aliceID, aliceToken, filepath.Join(dir, "alice.db"))
	bob := openEngine(t, srv.URL, bobID, bobToken, filepath.Join(dir, "bob.db"))

	if err := alice.Write(ctx, "notes", "n1", map[string]any{"title": "groceries", "body": "milk"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stats, err := alice.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("pending = %d before upload, want 1", stats.Pending)
	}
	if stats.DeviceID != aliceID {
		t.Errorf("stats device id = %d, want %d", stats.DeviceID, aliceID)
	}

	res, err := alice.Upload(ctx)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !res.Success || res.Processed != 1 {
		t.Fatalf("upload result = %+v, want 1 processed success", res)
	}

	row, found, err := alice.Row(ctx, "notes", "n1")
	if err != nil || !found {
		t.Fatalf("Row after upload: found=%v err=%v", found, err)
	}
	if ts, ok := row.Int(domain.ColServerTS); !ok || ts <= 0 {
		t.Errorf("server_ts after ack = %v (ok=%v), want authoritative stamp", ts, ok)
	}

	stats, err = alice.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats after upload: %v", err)
	}
	if stats.Pending != 0 {
		t.Errorf("pending = %d after full ack, want 0", stats.Pending)
	}
	if stats.Watermarks["notes"] <= 0 {
		t.Errorf("watermark = %d after upload, want advanced", stats.Watermarks["notes"])
	}
	if !stats.LastSync.Success || stats.LastSync.Processed != 1 || stats.LastSyncAt.IsZero() {
		t.Errorf("last sync = %+v at %v, want recorded success", stats.LastSync, stats.LastSyncAt)
	}

	hs, err := bob.Hydrate(ctx)
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if hs.Applied != 1 || hs.Failed != 0 {
		t.Fatalf("hydrate stats = %+v, want 1 applied", hs)
	}
	row, found, err = bob.Row(ctx, "notes", "n1")
	if err != nil || !found {
		t.Fatalf("bob Row after hydrate: found=%v err=%v", found, err)
	}
	if got := row["title"].StringVal(); got != "groceries" {
		t.Errorf("bob title = %q, want %q", got, "groceries")
	}

	// Replicated rows never re-enter bob's outbound log.
	stats, err = bob.Stats(ctx)
	if err != nil {
		t.Fatalf("bob Stats: %v", err)
	}
	if stats.Pending != 0 {
		t.Errorf("bob pending = %d after hydrate, want 0", stats.Pending)
	}

	// Delete on alice: tombstone survives locally until the authority acks it.
	if err := alice.SoftDelete(ctx, "notes", "n1"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	row, found, err = alice.Row(ctx, "notes", "n1")
	if err != nil || !found {
		t.Fatalf("Row after soft delete: found=%v err=%v", found, err)
	}
	if ts, ok := row.Int(domain.ColDeleteTS); !ok || ts <= 0 {
		t.Errorf("delete_ts = %v (ok=%v), want set before ack", ts, ok)
	}

	res, err = alice.Upload(ctx)
	if err != nil {
		t.Fatalf("Upload delete: %v", err)
	}
	if !res.Success {
		t.Fatalf("upload delete result = %+v", res)
	}
	if _, found, _ := alice.Row(ctx, "notes", "n1"); found {
		t.Errorf("alice row survived the acked delete")
	}

	hs, err = bob.Hydrate(ctx)
	if err != nil {
		t.Fatalf("Hydrate after delete: %v", err)
	}
	if hs.Purged != 1 {
		t.Errorf("hydrate stats after delete = %+v, want 1 purged", hs)
	}
	if _, found, _ := bob.Row(ctx, "notes", "n1"); found {
		t.Errorf("bob row survived the replicated delete")
	}
}

func TestRealtimeDelivery(t *testing.T) {
	ctx := context.Background()
	srv := startAuthority(t)
	dir := t.TempDir()

	aliceID, aliceToken := enroll(t, srv.URL, "alice-laptop")
	bobID, bobToken := enroll(t, srv.URL, "bob-phone")

	alice := openEngine(t, srv.URL, aliceID, aliceToken, filepath.Join(dir, "alice.db"))
	bob := openEngine(t, srv.URL, bobID, bobToken, filepath.Join(dir, "bob.db"))

	bob.ConnectRealtime(ctx)
	defer bob.DisconnectRealtime()
	waitUntil(t, "bob streaming", func() bool {
		return bob.RealtimeState() == realtime.StateStreaming
	})

	if err := alice.Write(ctx, "notes", "n2", map[string]any{"title": "live", "body": "wire"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res, err := alice.Upload(ctx); err != nil || !res.Success {
		t.Fatalf("Upload: res=%+v err=%v", res, err)
	}

	waitUntil(t, "bob to receive the row", func() bool {
		_, found, err := bob.Row(ctx, "notes", "n2")
		return err == nil && found
	})

	row, _, err := bob.Row(ctx, "notes", "n2")
	if err != nil {
		t.Fatalf("bob Row: %v", err)
	}
	if got := row["title"].StringVal(); got != "live" {
		t.Errorf("bob title = %q, want %q", got, "live")
	}
	if dev, _ := row.Int(domain.ColDeviceID); dev != aliceID {
		t.Errorf("bob row device_id = %d, want origin %d", dev, aliceID)
	}

	stats, err := bob.Stats(ctx)
	if err != nil {
		t.Fatalf("bob Stats: %v", err)
	}
	if stats.Pending != 0 {
		t.Errorf("bob pending = %d after realtime apply, want 0", stats.Pending)
	}
}

func TestIdentityPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "device.db")

	open := func(deviceID int64) (*engine.Engine, error) {
		return engine.Open(ctx, engine.Config{
			DBPath:        dbPath,
			Bootstrap:     notesBootstrap,
			Tables:        []domain.TableConfig{{Name: "notes", PrimaryKey: "id"}},
			DeviceID:      deviceID,
			BaseURL:       "http://127.0.0.1:0",
			TokenProvider: transport.StaticToken("unused"),
			Logger:        logger.Nop(),
		})
	}

	eng, err := open(5)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if eng.DeviceID() != 5 {
		t.Fatalf("device id = %d, want 5", eng.DeviceID())
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := open(6); err == nil {
		t.Fatal("reopen with a different device id succeeded, want identity error")
	} else if !apperror.IsIdentityConfig(err) {
		t.Fatalf("reopen error = %v, want identity config error", err)
	}

	eng, err = open(0)
	if err != nil {
		t.Fatalf("reopen with zero id: %v", err)
	}
	defer eng.Close()
	if eng.DeviceID() != 5 {
		t.Errorf("adopted device id = %d, want stored 5", eng.DeviceID())
	}
}

func TestAutoSyncUploadsAfterWrite(t *testing.T) {
	ctx := context.Background()
	srv := startAuthority(t)
	dir := t.TempDir()

	aliceID, aliceToken := enroll(t, srv.URL, "alice-laptop")

	eng, err := engine.Open(ctx, engine.Config{
		DBPath:        filepath.Join(dir, "alice.db"),
		Bootstrap:     notesBootstrap,
		Tables:        []domain.TableConfig{{Name: "notes", PrimaryKey: "id"}},
		DeviceID:      aliceID,
		BaseURL:       srv.URL,
		TokenProvider: transport.StaticToken(aliceToken),
		AutoSync: autosync.Config{
			Debounce:               20 * time.Millisecond,
			Interval:               time.Hour,
			MaxConsecutiveFailures: 5,
			Cooldown:               time.Hour,
		},
		Logger: logger.Nop(),
	})
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	events := make(chan autosync.Event, 16)
	eng.OnSyncEvent(func(ev autosync.Event) { events <- ev })
	eng.StartAutoSync(ctx)
	defer eng.StopAutoSync()

	if err := eng.Write(ctx, "notes", "n3", map[string]any{"title": "auto"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitEvent := func(want autosync.EventType) autosync.Event {
		t.Helper()
		for {
			select {
			case ev := <-events:
				if ev.Type == want {
					return ev
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("timed out waiting for %s event", want)
			}
		}
	}

	started := waitEvent(autosync.EventStarted)
	if started.Pending != 1 {
		t.Errorf("started event pending = %d, want 1", started.Pending)
	}
	completed := waitEvent(autosync.EventCompleted)
	if completed.Result.Processed != 1 {
		t.Errorf("completed event result = %+v, want 1 processed", completed.Result)
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 0 {
		t.Errorf("pending = %d after auto sync, want 0", stats.Pending)
	}
}
