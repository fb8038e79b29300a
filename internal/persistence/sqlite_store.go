// Package persistence provides the durable side of the engine's caches:
// gateway winners, transcode asset mappings and completed-load timestamps
// survive process restarts; everything else stays in memory. SQLiteStore
// satisfies the store interfaces declared by the consuming packages
// (gateway.WinnerStore, transcode.AssetStore, loader.CompletedStore).
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tunecast/mediaload/pkg/file"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	path = file.ExpandHome(path)
	if err := file.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "0001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) GetGatewayWinner(ctx context.Context, contentKey string) (string, bool, error) {
	var url string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT url FROM gateway_winners WHERE content_key = ?`,
		contentKey,
	).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

func (s *SQLiteStore) PutGatewayWinner(ctx context.Context, contentKey, url string, chosenAt time.Time) error {
	if contentKey == "" {
		return fmt.Errorf("content key is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO gateway_winners (content_key, url, chosen_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(content_key) DO UPDATE SET
			url=excluded.url,
			chosen_at=excluded.chosen_at`,
		contentKey,
		url,
		chosenAt,
	)
	return err
}

func (s *SQLiteStore) GetTranscodeRecord(ctx context.Context, contentKey string) (handle, assetID, status string, ok bool, err error) {
	err = s.db.QueryRowContext(
		ctx,
		`SELECT playback_handle, asset_id, status
		 FROM transcode_assets WHERE content_key = ?`,
		contentKey,
	).Scan(&handle, &assetID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", "", false, nil
	}
	if err != nil {
		return "", "", "", false, err
	}
	return handle, assetID, status, true, nil
}

func (s *SQLiteStore) PutTranscodeRecord(ctx context.Context, contentKey, handle, assetID, status string, updatedAt time.Time) error {
	if contentKey == "" {
		return fmt.Errorf("content key is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO transcode_assets (content_key, playback_handle, asset_id, status, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(content_key) DO UPDATE SET
			playback_handle=excluded.playback_handle,
			asset_id=excluded.asset_id,
			status=excluded.status,
			updated_at=excluded.updated_at`,
		contentKey,
		handle,
		assetID,
		status,
		updatedAt,
	)
	return err
}

func (s *SQLiteStore) LoadCompleted(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT content_key, completed_at FROM completed_loads`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var at time.Time
		if err := rows.Scan(&key, &at); err != nil {
			return nil, err
		}
		ret[key] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) PutCompleted(ctx context.Context, contentKey string, completedAt time.Time) error {
	if contentKey == "" {
		return fmt.Errorf("content key is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO completed_loads (content_key, completed_at)
		 VALUES (?, ?)
		 ON CONFLICT(content_key) DO UPDATE SET
			completed_at=excluded.completed_at`,
		contentKey,
		completedAt,
	)
	return err
}

func (s *SQLiteStore) DeleteCompleted(ctx context.Context, contentKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM completed_loads WHERE content_key = ?`, contentKey)
	return err
}

// Reset clears every persisted cache table. Used on logout/session change.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	for _, table := range []string{"gateway_winners", "transcode_assets", "completed_loads"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}
