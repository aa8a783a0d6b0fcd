package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/loykin/warden/internal/probe"
)

// Stable check names.
const (
	NameDatabase  = "database"
	NameWeb       = "web_server"
	NameFiles     = "file_system"
	NameDeps      = "dependencies"
	NameResources = "system_resources"
	NameActivity  = "recent_activity"
	NameProcess   = "target_process"
)

var (
	DefaultRequiredTables = []string{"sys_command", "web_command", "events", "reminders", "notes"}
	DefaultRequiredFiles  = []string{
		"main.py",
		"backend/feature.py",
		"backend/calendar.py",
		"backend/notes.py",
		"frontend/index.html",
	}
)

// DatabaseCheck verifies the application database opens and carries the
// required tables. DSN is a SQLite path (optionally sqlite://) or a
// postgres:// URL.
type DatabaseCheck struct {
	DSN            string
	RequiredTables []string
	Timeout        time.Duration
}

func (DatabaseCheck) Name() string { return NameDatabase }

func (c DatabaseCheck) Evaluate(ctx context.Context) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	tables, err := c.tables(ctx)
	if err != nil {
		return Result{Status: StatusError, Message: "database error: " + err.Error()}, nil
	}
	var missing []string
	for _, t := range c.RequiredTables {
		if !slices.Contains(tables, t) {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return Result{
			Status:  StatusError,
			Message: fmt.Sprintf("missing tables: %v", missing),
			Data:    map[string]any{"missing": missing},
		}, nil
	}
	return Result{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("database accessible, %d tables found", len(tables)),
		Data:    map[string]any{"tables": len(tables)},
	}, nil
}

func (c DatabaseCheck) tables(ctx context.Context) ([]string, error) {
	driver, dsn, query := "sqlite", c.DSN, "SELECT name FROM sqlite_master WHERE type='table'"
	switch {
	case strings.HasPrefix(c.DSN, "postgres://"), strings.HasPrefix(c.DSN, "postgresql://"):
		driver = "pgx"
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema NOT IN ('pg_catalog', 'information_schema')"
	default:
		path := strings.TrimPrefix(c.DSN, "sqlite://")
		if path == "" {
			return nil, errors.New("no database configured")
		}
		// Opening a missing SQLite file would create it.
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		dsn = "file:" + path + "?mode=ro"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// WebCheck reports whether the service answers its HTTP endpoint.
type WebCheck struct {
	Probe *probe.Probe
}

func (WebCheck) Name() string { return NameWeb }

func (c WebCheck) Evaluate(ctx context.Context) (Result, error) {
	p := c.Probe
	if p == nil {
		p = probe.New("", 0)
	}
	code, err := p.Do(ctx)
	switch {
	case err == nil:
		return Result{Status: StatusHealthy, Message: "web server responding", Data: map[string]any{"status_code": code}}, nil
	case errors.Is(err, probe.ErrUnresponsive):
		return Result{Status: StatusError, Message: fmt.Sprintf("HTTP %d", code), Data: map[string]any{"status_code": code}}, nil
	case errors.Is(err, syscall.ECONNREFUSED):
		return Result{Status: StatusError, Message: "connection refused"}, nil
	default:
		return Result{Status: StatusError, Message: "error: " + err.Error()}, nil
	}
}

// FilesystemCheck verifies that required paths exist under BaseDir.
type FilesystemCheck struct {
	BaseDir  string
	Required []string
}

func (FilesystemCheck) Name() string { return NameFiles }

func (c FilesystemCheck) Evaluate(context.Context) (Result, error) {
	var missing []string
	for _, rel := range c.Required {
		if _, err := os.Stat(filepath.Join(c.BaseDir, filepath.FromSlash(rel))); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Result{}, fmt.Errorf("file system error: %w", err)
			}
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return Result{
			Status:  StatusError,
			Message: fmt.Sprintf("missing files: %v", missing),
			Data:    map[string]any{"missing": missing},
		}, nil
	}
	return Result{Status: StatusHealthy, Message: "all essential files present"}, nil
}

// ActivityCheck warns when the application log has gone quiet.
type ActivityCheck struct {
	Path      string
	Staleness time.Duration // default one hour
	Now       func() time.Time
}

func (ActivityCheck) Name() string { return NameActivity }

func (c ActivityCheck) Evaluate(context.Context) (Result, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	stale := c.Staleness
	if stale <= 0 {
		stale = time.Hour
	}
	fi, err := os.Stat(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{Status: StatusWarning, Message: "log file not found"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("activity check error: %w", err)
	}
	idle := now().Sub(fi.ModTime())
	if idle > stale {
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("no log activity for %s", idle.Round(time.Second)),
			Data:    map[string]any{"idle_seconds": int64(idle.Seconds())},
		}, nil
	}
	return Result{
		Status:  StatusHealthy,
		Message: "last log activity: " + fi.ModTime().Format("2006-01-02 15:04:05"),
	}, nil
}
