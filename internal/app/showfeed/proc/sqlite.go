package proc

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers "sqlite" driver

	"showfeed/internal/app/showfeed/show"
)

//go:embed migrations/*.sql
var migrations embed.FS

// advanceShow inserts the show or moves it forward. The WHERE clause turns
// the update into a no-op for a position that is not strictly newer, so
// RowsAffected tells whether the episode is admitted.
const advanceShow = `
INSERT INTO shows (name, last_season, last_episode, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
	last_season = excluded.last_season,
	last_episode = excluded.last_episode,
	updated_at = excluded.updated_at
WHERE excluded.last_season > shows.last_season
	OR (excluded.last_season = shows.last_season AND excluded.last_episode > shows.last_episode)`

// sqliteConns limits open connections. Writers are serialized by SQLite.mu,
// the rest of the pool serves readers while an admission is in progress.
const sqliteConns = 4

// SQLite store
type SQLite struct {
	DB *sql.DB
	mu sync.Mutex // serializes admission
}

// NewSQLite opens sqlite database and applies migrations
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(sqliteConns)

	if err = migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{DB: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		log.Printf("[DEBUG] applied migration %s in %v", r.Source.Path, r.Duration)
	}
	return nil
}

// Admit episode to the store
func (s *SQLite) Admit(ctx context.Context, d show.Descriptor, title, link string) (*show.Episode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("admit %s: %w", d.Show, err)
	}
	defer tx.Rollback() // nolint

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, advanceShow, d.Show, d.Season, d.Episode, now)
	if err != nil {
		return nil, false, fmt.Errorf("advance %s: %w", d.Show, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO episodes (title, show, season, episode, link, added_at) VALUES (?, ?, ?, ?, ?, ?)`,
		title, d.Show, d.Season, d.Episode, link, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert episode %s: %w", d.Show, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit %s: %w", d.Show, err)
	}

	return &show.Episode{
		ID:      uint64(id),
		Title:   title,
		Show:    d.Show,
		Season:  d.Season,
		Episode: d.Episode,
		Link:    link,
		AddedAt: now,
	}, true, nil
}

// Seed show position
func (s *SQLite) Seed(ctx context.Context, name string, pos show.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.DB.ExecContext(ctx, advanceShow, show.Normalize(name), pos.Season, pos.Episode, time.Now().UTC())
	return err
}

// Recent episodes, newest first
func (s *SQLite) Recent(ctx context.Context, n int) ([]*show.Episode, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, title, show, season, episode, link, added_at FROM episodes ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*show.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ep)
	}
	return result, rows.Err()
}

// Episode by id
func (s *SQLite) Episode(ctx context.Context, id uint64) (*show.Episode, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, title, show, season, episode, link, added_at FROM episodes WHERE id = ?`, int64(id))
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ep, err
}

// Shows ordered by name
func (s *SQLite) Shows(ctx context.Context) ([]*show.Show, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT name, last_season, last_episode, updated_at FROM shows ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*show.Show
	for rows.Next() {
		item := show.Show{}
		if err := rows.Scan(&item.Name, &item.LastSeason, &item.LastEpisode, &item.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	return result, rows.Err()
}

// Close database
func (s *SQLite) Close() error {
	return s.DB.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEpisode(row rowScanner) (*show.Episode, error) {
	var (
		ep show.Episode
		id int64
	)
	if err := row.Scan(&id, &ep.Title, &ep.Show, &ep.Season, &ep.Episode, &ep.Link, &ep.AddedAt); err != nil {
		return nil, err
	}
	ep.ID = uint64(id)
	return &ep, nil
}
