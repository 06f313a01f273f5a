// Package app assembles an engine for a workspace: database, config,
// logger and the audit and notification collaborators.
package app

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"ipmf/internal/config"
	"ipmf/internal/db"
	"ipmf/internal/engine"
	"ipmf/internal/logging"
	"ipmf/internal/migrate"
	"ipmf/internal/notify"
)

// ErrSweepLocked is returned when another process already runs the sweeper
// of the workspace.
var ErrSweepLocked = errors.New("overdue sweeper already running for this workspace")

// Context is an opened workspace.
type Context struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Logger     *zap.Logger
	Engine     engine.Engine
	Dispatcher *notify.Dispatcher
}

// Open migrates the workspace database and wires the engine. A missing
// config file falls back to the defaults; logger overrides the configured one
// when set.
func Open(workspace string, logger *zap.Logger) (*Context, error) {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		if logger, err = logging.New(cfg.Log); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	dispatcher := notify.NewDispatcher(e.Repo, cfg.Notifications.Webhooks, logger)
	e.Logger = logger.Named("engine")
	e.Audit = notify.AuditLog{Logger: logger.Named("audit")}
	e.Notify = notify.Fanout{notify.NotificationLog{Logger: logger.Named("notify")}, dispatcher}
	return &Context{
		Workspace:  workspace,
		DB:         conn,
		Config:     cfg,
		Logger:     logger,
		Engine:     e,
		Dispatcher: dispatcher,
	}, nil
}

// Close releases the database and flushes the logger.
func (c *Context) Close() error {
	err := c.DB.Close()
	// Sync on stderr fails on some platforms; only the close error matters.
	_ = c.Logger.Sync()
	return err
}

// SweepLock takes the workspace file lock that keeps a single sweeper
// running across processes. The returned func releases it.
func (c *Context) SweepLock() (func() error, error) {
	lock := flock.New(db.SweepLockPath(c.Workspace))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("sweep lock: %w", err)
	}
	if !ok {
		return nil, ErrSweepLocked
	}
	return lock.Unlock, nil
}
