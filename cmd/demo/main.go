// Package main runs a complete two-device sync session against an embedded
// authority: capture, upload, hydration, live delivery, competing edits and
// replicated deletes, with both devices converging on the same dataset.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"driftsync/internal/auth"
	"driftsync/internal/authority"
	"driftsync/internal/core/types"
	"driftsync/internal/domain"
	"driftsync/internal/domain/autosync"
	"driftsync/internal/domain/realtime"
	"driftsync/internal/engine"
	"driftsync/internal/infrastructure/http/api"
	"driftsync/internal/infrastructure/storage/memory"
	"driftsync/internal/infrastructure/transport"
	"driftsync/pkg/logger"
)

const deviceSecret = "correct-horse-battery"

func main() {
	log, err := logger.New(logger.Config{
		Level:       "info",
		Development: true,
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	baseURL, stopServer := startAuthority(log)
	defer stopServer()

	dir, err := os.MkdirTemp("", "driftsync-demo-*")
	if err != nil {
		log.Fatalw("failed to create workspace", "error", err)
	}
	log.Infow("demo starting", "authority", baseURL, "workspace", dir)

	laptopID, laptopToken := enroll(log, baseURL, "laptop")
	phoneID, phoneToken := enroll(log, baseURL, "phone")

	laptop := openEngine(ctx, log, baseURL, laptopID, laptopToken, filepath.Join(dir, "laptop.db"))
	defer laptop.Close()
	phone := openEngine(ctx, log, baseURL, phoneID, phoneToken, filepath.Join(dir, "phone.db"))
	defer phone.Close()

	// --- Scene 1: the laptop works offline, then uploads ---
	mustWrite(ctx, log, laptop, "notes", "n-shopping", map[string]any{
		"title": "Shopping", "body": "oat milk, coffee beans",
	})
	mustWrite(ctx, log, laptop, "notes", "n-trip", map[string]any{
		"title": "Trip prep", "body": "book the ferry",
	})
	addExpense(ctx, log, laptop, "e-1", "groceries", "42.90")
	addExpense(ctx, log, laptop, "e-2", "transport", "3.20")
	addExpense(ctx, log, laptop, "e-3", "groceries", "17.45")

	res, err := laptop.Upload(ctx)
	if err != nil || !res.Success {
		log.Fatalw("laptop upload failed", "result", res, "error", err)
	}
	log.Infow("laptop uploaded", "processed", res.Processed)

	// --- Scene 2: the phone pulls the snapshot and goes on the wire ---
	hs, err := phone.Hydrate(ctx)
	if err != nil {
		log.Fatalw("phone hydration failed", "error", err)
	}
	log.Infow("phone hydrated", "tables", hs.Tables, "applied", hs.Applied)

	laptop.ConnectRealtime(ctx)
	phone.ConnectRealtime(ctx)
	waitFor(log, "realtime streams up", func() bool {
		return laptop.RealtimeState() == realtime.StateStreaming &&
			phone.RealtimeState() == realtime.StateStreaming
	})

	// --- Scene 3: auto sync pushes new laptop work, the phone sees it live ---
	syncEvents := make(chan autosync.Event, 16)
	laptop.OnSyncEvent(func(ev autosync.Event) { syncEvents <- ev })
	laptop.StartAutoSync(ctx)
	defer laptop.StopAutoSync()

	mustWrite(ctx, log, laptop, "notes", "n-live", map[string]any{
		"title": "Live", "body": "typed on the laptop just now",
	})
	addExpense(ctx, log, laptop, "e-4", "eating out", "28.00")
	waitSyncCompleted(log, syncEvents, "auto sync flush")
	waitFor(log, "phone to receive the live note", func() bool {
		_, found, err := phone.Row(ctx, "notes", "n-live")
		return err == nil && found
	})
	log.Info("phone received the live note without polling")

	// --- Scene 4: competing edits, the later arrival wins everywhere ---
	phone.DisconnectRealtime()

	mustWrite(ctx, log, laptop, "notes", "n-shopping", map[string]any{
		"body": "oat milk, coffee beans, bread",
	})
	waitSyncCompleted(log, syncEvents, "laptop edit flush")

	mustWrite(ctx, log, phone, "notes", "n-shopping", map[string]any{
		"body": "oat milk, coffee beans, and a cake for Saturday",
	})
	if res, err := phone.Upload(ctx); err != nil || !res.Success {
		log.Fatalw("phone upload failed", "result", res, "error", err)
	}

	waitFor(log, "laptop to adopt the phone's edit", func() bool {
		row, found, err := laptop.Row(ctx, "notes", "n-shopping")
		return err == nil && found &&
			row["body"].StringVal() == "oat milk, coffee beans, and a cake for Saturday"
	})
	log.Info("competing edits resolved, the phone wrote last and won")
	phone.ConnectRealtime(ctx)

	// --- Scene 5: a delete travels like any other change ---
	if err := phone.SoftDelete(ctx, "notes", "n-trip"); err != nil {
		log.Fatalw("soft delete failed", "error", err)
	}
	if res, err := phone.Upload(ctx); err != nil || !res.Success {
		log.Fatalw("phone upload failed", "result", res, "error", err)
	}
	waitFor(log, "laptop to purge the deleted note", func() bool {
		_, found, err := laptop.Row(ctx, "notes", "n-trip")
		return err == nil && !found
	})
	log.Info("deleted note purged on both devices")

	// --- Totals agree on both devices ---
	laptopTotal := expenseTotal(ctx, log, laptop)
	phoneTotal := expenseTotal(ctx, log, phone)
	if !laptopTotal.Equal(phoneTotal) {
		log.Fatalw("expense totals diverged", "laptop", laptopTotal, "phone", phoneTotal)
	}
	log.Infow("expense totals agree", "total", laptopTotal.StringFixed(2))

	printStats(ctx, log, "laptop", laptop)
	printStats(ctx, log, "phone", phone)
	log.Info("demo completed")
}

// startAuthority serves the sync protocol from an in-memory store on a
// loopback port and returns its base URL.
func startAuthority(log *logger.Logger) (string, func()) {
	store := memory.NewStore()
	svc, err := authority.NewService(store, memory.TxManager{}, []domain.TableConfig{
		{Name: "notes", PrimaryKey: "id"},
		{Name: "expenses", PrimaryKey: "id"},
	}, log)
	if err != nil {
		log.Fatalw("failed to initialize authority", "error", err)
	}

	jwtService := auth.NewJWTService(auth.DefaultJWTConfig("demo-only-jwt-secret"))
	authService := auth.NewService(memory.NewDeviceRepo(), memory.TxManager{}, jwtService, auth.DefaultServiceConfig(), log)

	router := api.NewRouter(api.RouterConfig{
		Authority:      svc,
		AuthService:    authService,
		TokenValidator: jwtService,
		Logger:         log,
		Version:        "demo",
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalw("failed to listen", "error", err)
	}
	server := &http.Server{Handler: router}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalw("authority server failed", "error", err)
		}
	}()

	return "http://" + ln.Addr().String(), func() { _ = server.Close() }
}

// enroll registers a device account and logs it in over plain HTTP, the same
// calls any non-Go client would make.
func enroll(log *logger.Logger, baseURL, name string) (int64, string) {
	post := func(path string, body map[string]string) []byte {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatalw("marshal request", "path", path, "error", err)
		}
		resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(data))
		if err != nil {
			log.Fatalw("request failed", "path", path, "error", err)
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			log.Fatalw("read response", "path", path, "error", err)
		}
		if resp.StatusCode >= 300 {
			log.Fatalw("request rejected", "path", path, "status", resp.StatusCode, "body", buf.String())
		}
		return buf.Bytes()
	}

	post("/auth/register", map[string]string{"name": name, "secret": deviceSecret})
	raw := post("/auth/login", map[string]string{"name": name, "secret": deviceSecret})

	var login struct {
		Token    string `json:"token"`
		DeviceID int64  `json:"deviceId"`
	}
	if err := json.Unmarshal(raw, &login); err != nil {
		log.Fatalw("decode login response", "error", err)
	}
	log.Infow("device enrolled", "name", name, "device_id", login.DeviceID)
	return login.DeviceID, login.Token
}

func openEngine(ctx context.Context, log *logger.Logger, baseURL string, deviceID int64, token, dbPath string) *engine.Engine {
	eng, err := engine.Open(ctx, engine.Config{
		DBPath: dbPath,
		Bootstrap: func(ctx context.Context, db *sql.DB) error {
			if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS notes (
				id    TEXT PRIMARY KEY,
				title TEXT,
				body  TEXT
			)`); err != nil {
				return err
			}
			_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS expenses (
				id       TEXT PRIMARY KEY,
				category TEXT,
				amount   TEXT,
				spent_at TEXT
			)`)
			return err
		},
		Tables: []domain.TableConfig{
			{Name: "notes", PrimaryKey: "id"},
			{Name: "expenses", PrimaryKey: "id"},
		},
		DeviceID:      deviceID,
		BaseURL:       baseURL,
		TokenProvider: transport.StaticToken(token),
		AutoSync:      autosync.Config{Debounce: 150 * time.Millisecond},
		Logger:        log,
	})
	if err != nil {
		log.Fatalw("failed to open engine", "db", dbPath, "error", err)
	}
	return eng
}

func mustWrite(ctx context.Context, log *logger.Logger, eng *engine.Engine, table, pk string, values map[string]any) {
	if err := eng.Write(ctx, table, pk, values); err != nil {
		log.Fatalw("write failed", "table", table, "pk", pk, "error", err)
	}
}

// addExpense stores the amount as a decimal string so no precision is lost
// on the round trip through the sync protocol.
func addExpense(ctx context.Context, log *logger.Logger, eng *engine.Engine, pk, category, amount string) {
	mustWrite(ctx, log, eng, "expenses", pk, map[string]any{
		"category": category,
		"amount":   types.MustMoney(amount).String(),
		"spent_at": time.Now().Format("2006-01-02"),
	})
}

// expenseTotal sums live expense rows straight from the engine's database.
// Reads never need to go through the engine.
func expenseTotal(ctx context.Context, log *logger.Logger, eng *engine.Engine) types.Money {
	rows, err := eng.DB().QueryContext(ctx,
		"SELECT amount FROM expenses WHERE delete_ts IS NULL OR delete_ts = 0")
	if err != nil {
		log.Fatalw("query expenses", "error", err)
	}
	defer rows.Close()

	total := types.Zero()
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			log.Fatalw("scan expense", "error", err)
		}
		m, err := types.NewMoneyFromString(amount)
		if err != nil {
			log.Fatalw("parse amount", "amount", amount, "error", err)
		}
		total = total.Add(m)
	}
	if err := rows.Err(); err != nil {
		log.Fatalw("iterate expenses", "error", err)
	}
	return total
}

func printStats(ctx context.Context, log *logger.Logger, name string, eng *engine.Engine) {
	stats, err := eng.Stats(ctx)
	if err != nil {
		log.Fatalw("stats failed", "device", name, "error", err)
	}
	log.Infow("device state",
		"device", name,
		"device_id", stats.DeviceID,
		"pending", stats.Pending,
		"realtime", stats.Realtime.String(),
		"watermarks", stats.Watermarks,
		"last_sync_ok", stats.LastSync.Success,
		"last_sync_at", stats.LastSyncAt,
	)
}

func waitFor(log *logger.Logger, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Fatalw("demo step timed out", "waiting_for", what)
}

func waitSyncCompleted(log *logger.Logger, events <-chan autosync.Event, step string) {
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case autosync.EventCompleted:
				return
			case autosync.EventPartial, autosync.EventFailed:
				log.Fatalw("auto sync did not complete", "step", step, "event", ev.Type, "error", ev.Err)
			}
		case <-time.After(5 * time.Second):
			log.Fatalw("auto sync timed out", "step", step)
		}
	}
}
