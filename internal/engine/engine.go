// Package engine assembles a device's full sync stack over one SQLite
// database: change capture, the hybrid clock, transport, upload cycles,
// hydration, the realtime stream, and auto-sync scheduling, behind a
// single handle.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	gosync "sync"
	"time"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/clock"
	"driftsync/internal/core/colval"
	"driftsync/internal/core/tx"
	"driftsync/internal/domain"
	"driftsync/internal/domain/autosync"
	"driftsync/internal/domain/changelog"
	"driftsync/internal/domain/realtime"
	"driftsync/internal/domain/sync"
	"driftsync/internal/infrastructure/storage/sqlite"
	"driftsync/internal/infrastructure/transport"
	"driftsync/pkg/logger"
)

// Config holds everything needed to open an engine.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string

	// BusyTimeout bounds statement waits on a locked database.
	BusyTimeout time.Duration

	// Bootstrap, when set, runs after the database opens and before tables
	// are watched. Create or migrate application tables here.
	Bootstrap func(ctx context.Context, db *sql.DB) error

	// Tables are the application tables kept in sync.
	Tables []domain.TableConfig

	// DeviceID fixes the device identity. Zero adopts the stored identity,
	// or generates one on first run.
	DeviceID int64

	// BaseURL is the authority's root URL.
	BaseURL string

	// TokenProvider supplies the bearer token for every request.
	TokenProvider transport.TokenProvider

	// RequestTimeout bounds upload and bulk-load requests.
	RequestTimeout time.Duration

	// SkewThreshold overrides the clock-skew warning threshold.
	SkewThreshold int64

	// Realtime tunes the event stream client.
	Realtime realtime.Config

	// AutoSync tunes the background scheduler.
	AutoSync autosync.Config

	// Logger receives engine logs. Defaults to the process logger.
	Logger *logger.Logger
}

// Stats is a point-in-time view of the engine's sync position.
type Stats struct {
	DeviceID   int64
	ClockNow   int64
	Pending    int64
	Realtime   realtime.State
	Watermarks map[string]int64

	// LastSync describes the most recent upload cycle that carried work,
	// whether started by Upload or by the auto-sync scheduler. LastSyncAt
	// is zero until such a cycle has run.
	LastSync   sync.Result
	LastSyncAt time.Time
}

// Engine owns the device-side sync stack. All handles returned from one
// Engine share a single serialized SQLite connection, so captured writes
// and their change-log entries always commit together.
type Engine struct {
	db        *sqlite.DB
	state     *sqlite.StateStore
	rows      *sqlite.RowStore
	log       *sqlite.ChangeLogRepo
	clock     *clock.Authority
	capture   *changelog.Capture
	uploader  *sync.Uploader
	hydrator  *sync.Hydrator
	realtime  *realtime.Client
	scheduler *autosync.Scheduler
	logger    *logger.Logger

	closeOnce gosync.Once
	closeErr  error
}

// Open opens the database and assembles the engine. The database file is
// created when absent; watched tables must exist by the time Bootstrap
// returns.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if len(cfg.Tables) == 0 {
		return nil, apperror.NewValidation("at least one watched table is required")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.Default()
	}

	db, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.DBPath, BusyTimeout: cfg.BusyTimeout})
	if err != nil {
		return nil, err
	}

	eng, err := assemble(ctx, db, cfg, lg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return eng, nil
}

func assemble(ctx context.Context, db *sqlite.DB, cfg Config, lg *logger.Logger) (*Engine, error) {
	txm := sqlite.NewTxManager(db)
	schema := sqlite.NewSchema(txm, lg)
	state := sqlite.NewStateStore(txm)
	rows := sqlite.NewRowStore(txm)
	logRepo := sqlite.NewChangeLogRepo(txm)

	if err := schema.EnsureCore(ctx); err != nil {
		return nil, err
	}
	if cfg.Bootstrap != nil {
		if err := cfg.Bootstrap(ctx, db.DB); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}

	deviceID, err := resolveIdentity(ctx, txm, state, cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	clk, err := clock.NewAuthority(state, deviceID)
	if err != nil {
		return nil, err
	}

	for _, tcfg := range cfg.Tables {
		watched, err := schema.Watch(ctx, tcfg)
		if err != nil {
			return nil, err
		}
		rows.Register(watched)
	}

	tc, err := transport.NewClient(transport.Config{
		BaseURL:        cfg.BaseURL,
		DeviceID:       deviceID,
		TokenProvider:  cfg.TokenProvider,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	capture := changelog.NewCapture(rows, logRepo, clk, txm, lg)
	uploader := sync.NewUploader(logRepo, rows, state, tc, txm, lg)
	if cfg.SkewThreshold > 0 {
		uploader.SetSkewThreshold(cfg.SkewThreshold)
	}
	applier := sync.NewApplier(rows, capture, txm, deviceID, lg)
	hydrator := sync.NewHydrator(tc, applier, rows, state, lg)
	stream := realtime.NewClient(tc, applier, rows, cfg.Realtime, lg)
	scheduler := autosync.NewScheduler(uploader, logRepo, cfg.AutoSync, lg)

	e := &Engine{
		db:        db,
		state:     state,
		rows:      rows,
		log:       logRepo,
		clock:     clk,
		capture:   capture,
		uploader:  uploader,
		hydrator:  hydrator,
		realtime:  stream,
		scheduler: scheduler,
		logger:    lg.WithComponent("engine"),
	}

	// Every committed local write nudges the scheduler.
	capture.OnCommit(scheduler.NoteLocalChange)

	e.logger.Infow("engine opened",
		"db", cfg.DBPath,
		"device_id", deviceID,
		"tables", len(cfg.Tables),
	)
	return e, nil
}

// resolveIdentity loads or establishes the device identity. A stored
// identity is immutable: configuring a different one is a hard error,
// since stamping rows under a new id would corrupt change attribution.
func resolveIdentity(ctx context.Context, txm tx.Manager, state *sqlite.StateStore, configured int64) (int64, error) {
	var deviceID int64
	err := txm.RunInTransaction(ctx, func(ctx context.Context) error {
		stored, found, err := state.DeviceID(ctx)
		if err != nil {
			return err
		}
		switch {
		case found && configured != 0 && stored != configured:
			return apperror.NewIdentityConfig("configured device id conflicts with stored identity").
				WithDetail("configured", configured).
				WithDetail("stored", stored)
		case found:
			deviceID = stored
			return nil
		}

		deviceID = configured
		if deviceID == 0 {
			if deviceID, err = clock.GenerateDeviceID(); err != nil {
				return err
			}
		} else if err := clock.ValidateDeviceID(deviceID); err != nil {
			return err
		}
		return state.SetDeviceID(ctx, deviceID)
	})
	return deviceID, err
}

// Write stamps and stores one local row and logs the change for upload.
func (e *Engine) Write(ctx context.Context, table, pk string, values map[string]any) error {
	return e.capture.Write(ctx, table, pk, values)
}

// SoftDelete marks a row deleted. The tombstone survives locally until the
// authority acknowledges the delete, then the row is purged.
func (e *Engine) SoftDelete(ctx context.Context, table, pk string) error {
	return e.capture.SoftDelete(ctx, table, pk)
}

// Upload runs one sync cycle immediately.
func (e *Engine) Upload(ctx context.Context) (sync.Result, error) {
	return e.uploader.Upload(ctx)
}

// Hydrate bulk-loads table snapshots from the authority. No tables means
// every watched table.
func (e *Engine) Hydrate(ctx context.Context, tables ...string) (sync.HydrateStats, error) {
	return e.hydrator.Hydrate(ctx, tables)
}

// RefreshWatermark recomputes download watermarks from the local rows,
// overwriting stored values even downward. For recovery after restoring
// the database from a backup.
func (e *Engine) RefreshWatermark(ctx context.Context, tables ...string) error {
	return e.hydrator.RefreshWatermark(ctx, tables)
}

// ConnectRealtime starts the event stream client; it reconnects on its own
// until DisconnectRealtime or ctx ends.
func (e *Engine) ConnectRealtime(ctx context.Context) {
	e.realtime.Connect(ctx)
}

// DisconnectRealtime stops the event stream client.
func (e *Engine) DisconnectRealtime() {
	e.realtime.Disconnect()
}

// RealtimeState reports the event stream connection state.
func (e *Engine) RealtimeState() realtime.State {
	return e.realtime.State()
}

// OnRealtimeState registers a listener for stream state transitions.
// Register before ConnectRealtime.
func (e *Engine) OnRealtimeState(fn func(realtime.State)) {
	e.realtime.OnStateChange(fn)
}

// StartAutoSync launches the background scheduler.
func (e *Engine) StartAutoSync(ctx context.Context) {
	e.scheduler.Start(ctx)
}

// StopAutoSync halts the background scheduler, draining any cycle in
// flight.
func (e *Engine) StopAutoSync() {
	e.scheduler.Stop()
}

// SetOnline feeds connectivity transitions to the scheduler: offline
// suppresses cycles, coming back online triggers one.
func (e *Engine) SetOnline(online bool) {
	e.scheduler.SetOnline(online)
}

// OnSyncEvent registers a listener for sync cycle notifications. Register
// before StartAutoSync.
func (e *Engine) OnSyncEvent(fn func(autosync.Event)) {
	e.scheduler.OnEvent(fn)
}

// DeviceID returns this device's sync identity.
func (e *Engine) DeviceID() int64 {
	return e.clock.DeviceID()
}

// Row reads one watched row, tombstones included.
func (e *Engine) Row(ctx context.Context, table, pk string) (colval.RowSnapshot, bool, error) {
	return e.rows.Get(ctx, table, pk)
}

// DB exposes the underlying database for reads and ad-hoc queries. Writes
// that should sync MUST go through Write and SoftDelete; rows written
// directly are invisible to change capture.
func (e *Engine) DB() *sql.DB {
	return e.db.DB
}

// Stats reports a point-in-time view of the engine.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	pending, err := e.log.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		DeviceID:   e.clock.DeviceID(),
		ClockNow:   e.clock.Current(),
		Pending:    pending,
		Realtime:   e.realtime.State(),
		Watermarks: make(map[string]int64),
	}
	if res, at, ok := e.uploader.LastOutcome(); ok {
		st.LastSync = res
		st.LastSyncAt = at
	}
	for _, schema := range e.rows.Tables() {
		wm, found, err := e.state.Watermark(ctx, schema.Config.Name)
		if err != nil {
			return Stats{}, err
		}
		if found {
			st.Watermarks[schema.Config.Name] = wm
		}
	}
	return st, nil
}

// Close stops background work and closes the database. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.scheduler.Stop()
		e.realtime.Disconnect()
		e.closeErr = e.db.Close()
		e.logger.Infow("engine closed", "device_id", e.clock.DeviceID())
	})
	return e.closeErr
}
