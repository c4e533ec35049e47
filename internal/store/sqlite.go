package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/bobby-s-dev/region-weather/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS regions (
	address          TEXT PRIMARY KEY,
	lat              REAL NOT NULL,
	lng              REAL NOT NULL,
	fetched_at       INTEGER NOT NULL DEFAULT 0,
	is_curr_location INTEGER NOT NULL DEFAULT 0,
	is_user_saved    INTEGER NOT NULL DEFAULT 0,
	forecast         BLOB,
	position         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regions_position ON regions(position);
`

const upsertRegion = `
INSERT INTO regions (address, lat, lng, fetched_at, is_curr_location, is_user_saved, forecast, position)
VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM regions))
ON CONFLICT(address) DO UPDATE SET
	lat = excluded.lat,
	lng = excluded.lng,
	fetched_at = excluded.fetched_at,
	is_curr_location = excluded.is_curr_location,
	is_user_saved = excluded.is_user_saved,
	forecast = excluded.forecast`

// SQLiteStore persists regions in a single SQLite file through modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral database.
func NewSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// One physical connection; an in-memory database lives only as long as its
	// connection and sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, logger: logger}

	tuneCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	s.tune(tuneCtx)
	cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating regions table: %w", err)
	}

	logger.Info("Region store opened", zap.String("driver", "sqlite"), zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) tune(ctx context.Context) {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			s.logger.Debug("SQLite tuning skipped", zap.String("pragma", p), zap.Error(err))
		}
	}
}

func (s *SQLiteStore) FetchAll(ctx context.Context) ([]models.RegionWeather, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, lat, lng, fetched_at, is_curr_location, is_user_saved, forecast
		FROM regions
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying regions: %w", err)
	}
	defer rows.Close()

	var regions []models.RegionWeather
	for rows.Next() {
		var (
			r    models.RegionWeather
			blob []byte
		)
		if err := rows.Scan(&r.Address, &r.Lat, &r.Lng, &r.CurrentTime, &r.IsCurrLocation, &r.IsUserSaved, &blob); err != nil {
			return nil, fmt.Errorf("scanning region: %w", err)
		}
		if len(blob) > 0 {
			var f models.Forecast
			if err := json.Unmarshal(blob, &f); err != nil {
				// A corrupt payload only costs the cached forecast; the next
				// refresh rewrites it.
				s.logger.Warn("Discarding undecodable forecast payload",
					zap.String("address", r.Address),
					zap.Error(err))
			} else {
				r.Forecast = &f
			}
		}
		regions = append(regions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating regions: %w", err)
	}
	return regions, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, region models.RegionWeather) error {
	var blob []byte
	if region.Forecast != nil {
		b, err := json.Marshal(region.Forecast)
		if err != nil {
			return fmt.Errorf("encoding forecast for %s: %w", region.Address, err)
		}
		blob = b
	}

	_, err := s.db.ExecContext(ctx, upsertRegion,
		region.Address,
		region.Lat,
		region.Lng,
		region.CurrentTime,
		region.IsCurrLocation,
		region.IsUserSaved,
		blob,
	)
	if err != nil {
		return fmt.Errorf("upserting region %s: %w", region.Address, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM regions WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("deleting region %s: %w", address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting region %s: %w", address, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
