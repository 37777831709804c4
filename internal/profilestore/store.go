// Package profilestore persists per-collection timing profiles in SQLite.
package profilestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/calibration"
	"github.com/loqalabs/loqa-readalong/internal/config"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite-backed profile table. In ephemeral mode profiles live
// in memory for the lifetime of the process.
type Store struct {
	db    *sql.DB
	cfg   config.ProfileConfig
	log   *slog.Logger
	clock func() time.Time

	mu  sync.Mutex
	mem map[string]memEntry
}

type memEntry struct {
	profile  calibration.Profile
	accessed time.Time
}

// Open initializes the profile store according to config.
func Open(ctx context.Context, cfg config.ProfileConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "profile-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, mem: make(map[string]memEntry)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("profile store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("profile store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS timing_profiles (
    collection_id TEXT PRIMARY KEY,
    offset_ms REAL NOT NULL,
    confidence REAL NOT NULL,
    sample_count INTEGER NOT NULL,
    last_updated TIMESTAMP NOT NULL,
    last_accessed TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_profiles_accessed ON timing_profiles(last_accessed);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) expiry() time.Duration {
	return time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
}

func (s *Store) expired(updated time.Time) bool {
	if s.cfg.RetentionDays <= 0 {
		return false
	}
	return s.clock().Sub(updated) > s.expiry()
}

// Load returns the profile for collectionID. Expired profiles are removed
// and reported as missing.
func (s *Store) Load(ctx context.Context, collectionID string) (calibration.Profile, bool, error) {
	if s.db == nil {
		return s.loadMem(collectionID)
	}
	var (
		p       calibration.Profile
		offset  float64
		updated string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT collection_id, offset_ms, confidence, sample_count, last_updated
		 FROM timing_profiles WHERE collection_id = ?`, collectionID)
	if err := row.Scan(&p.CollectionID, &offset, &p.Confidence, &p.SampleCount, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calibration.Profile{}, false, nil
		}
		return calibration.Profile{}, false, err
	}
	p.Offset = time.Duration(offset * float64(time.Millisecond))
	if ts, err := parseTime(updated); err == nil {
		p.LastUpdated = ts
	}
	if s.expired(p.LastUpdated) {
		if err := s.Delete(ctx, collectionID); err != nil {
			s.log.Warn("failed to delete expired profile", slog.String("collection", collectionID), slog.String("error", err.Error()))
		}
		return calibration.Profile{}, false, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE timing_profiles SET last_accessed = ? WHERE collection_id = ?`,
		s.clock().UTC(), collectionID); err != nil {
		s.log.Warn("failed to touch profile", slog.String("collection", collectionID), slog.String("error", err.Error()))
	}
	return p, true, nil
}

// Save upserts a profile, then applies the expiry and size limits so the
// table stays bounded while the daemon runs.
func (s *Store) Save(ctx context.Context, p calibration.Profile) error {
	if p.CollectionID == "" {
		return errors.New("profile collection id must not be empty")
	}
	if p.LastUpdated.IsZero() {
		p.LastUpdated = s.clock().UTC()
	}
	if s.db == nil {
		s.mu.Lock()
		s.mem[p.CollectionID] = memEntry{profile: p, accessed: s.clock()}
		s.mu.Unlock()
		s.pruneMem()
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timing_profiles(collection_id, offset_ms, confidence, sample_count, last_updated, last_accessed)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(collection_id) DO UPDATE SET
		   offset_ms=excluded.offset_ms,
		   confidence=excluded.confidence,
		   sample_count=excluded.sample_count,
		   last_updated=excluded.last_updated,
		   last_accessed=excluded.last_accessed`,
		p.CollectionID, float64(p.Offset)/float64(time.Millisecond), p.Confidence, p.SampleCount,
		p.LastUpdated.UTC(), s.clock().UTC())
	if err != nil {
		return err
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("profile store prune failed", slog.String("error", err.Error()))
	}
	return nil
}

// Delete removes a profile.
func (s *Store) Delete(ctx context.Context, collectionID string) error {
	if s.db == nil {
		s.mu.Lock()
		delete(s.mem, collectionID)
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM timing_profiles WHERE collection_id = ?`, collectionID)
	return err
}

// Prune drops expired profiles and keeps at most MaxProfiles, evicting the
// least recently accessed first.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		s.pruneMem()
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-s.expiry())
		if _, err = tx.ExecContext(ctx, `DELETE FROM timing_profiles WHERE last_updated < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxProfiles > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM timing_profiles WHERE collection_id IN (
			SELECT collection_id FROM timing_profiles ORDER BY last_accessed DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxProfiles)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (s *Store) loadMem(collectionID string) (calibration.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.mem[collectionID]
	if !ok {
		return calibration.Profile{}, false, nil
	}
	if s.expired(e.profile.LastUpdated) {
		delete(s.mem, collectionID)
		return calibration.Profile{}, false, nil
	}
	e.accessed = s.clock()
	s.mem[collectionID] = e
	return e.profile, true, nil
}

func (s *Store) pruneMem() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.mem {
		if s.expired(e.profile.LastUpdated) {
			delete(s.mem, id)
		}
	}
	for s.cfg.MaxProfiles > 0 && len(s.mem) > s.cfg.MaxProfiles {
		var oldestID string
		var oldest time.Time
		for id, e := range s.mem {
			if oldestID == "" || e.accessed.Before(oldest) {
				oldestID, oldest = id, e.accessed
			}
		}
		delete(s.mem, oldestID)
	}
}

// parseTime accepts the timestamp layouts the sqlite driver may hand back.
func parseTime(v string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	var lastErr error
	for _, layout := range layouts {
		ts, err := time.Parse(layout, v)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

var _ calibration.Store = (*Store)(nil)
