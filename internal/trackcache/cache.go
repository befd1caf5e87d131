// Package trackcache is a ForkedStreamFactory that keeps a disk copy of every
// fully relayed track and indexes it in SQLite by artist and title.
package trackcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/die-net/streamproxy/internal/proxy"
)

const (
	defaultDBName      = "tracks.db"
	defaultExt         = "mp3"
	defaultBusyTimeout = 5 * time.Second
	partialDirName     = ".partial"
)

var validExt = regexp.MustCompile(`^[A-Za-z0-9]{1,8}$`)

// Track is one cached track.
type Track struct {
	Key      string
	Artist   string
	Title    string
	Path     string
	Size     int64
	Query    string
	CachedAt time.Time
}

// Options configures a Cache.
type Options struct {
	// DBPath is the SQLite index. Default: <dir>/tracks.db
	DBPath string

	// BusyTimeout is how long SQLite waits for locks.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// OnCached is called after a track has been stored and indexed.
	OnCached func(Track)

	Logger *slog.Logger
}

// Cache stores forked bodies under a directory. Streams for requests
// without a "track" query parameter are discarded.
type Cache struct {
	dir        string
	partialDir string
	db         *sql.DB
	onCached   func(Track)
	logger     *slog.Logger
	closeOnce  sync.Once

	// recordMu pairs the lookup of a replaced row with its upsert.
	recordMu sync.Mutex

	upsertStmt *sql.Stmt
	lookupStmt *sql.Stmt
}

var _ proxy.ForkedStreamFactory = (*Cache)(nil)

// Open creates dir if needed and opens (or creates) the track index.
func Open(dir string, opts Options) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir cannot be empty")
	}
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(dir, defaultDBName)
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	partialDir := filepath.Join(dir, partialDirName)
	if err := os.MkdirAll(partialDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		opts.DBPath, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	c := &Cache{
		dir:        dir,
		partialDir: partialDir,
		db:         db,
		onCached:   opts.OnCached,
		logger:     opts.Logger.With("component", "trackcache"),
	}

	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := c.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	c.removeStalePartials()

	return c, nil
}

func (c *Cache) initSchema() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS tracks (
		track_key TEXT PRIMARY KEY,
		artist TEXT NOT NULL,
		title TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		source_query TEXT NOT NULL,
		cached_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tracks_cached_at ON tracks(cached_at);
	`)
	return err
}

func (c *Cache) prepareStatements() error {
	var err error

	c.upsertStmt, err = c.db.Prepare(`
		INSERT INTO tracks (track_key, artist, title, path, size, source_query, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (track_key) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			source_query = excluded.source_query,
			cached_at = excluded.cached_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	c.lookupStmt, err = c.db.Prepare(`
		SELECT track_key, artist, title, path, size, source_query, cached_at
		FROM tracks
		WHERE track_key = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare lookup statement: %w", err)
	}

	return nil
}

// removeStalePartials drops partial files left behind by a crash.
func (c *Cache) removeStalePartials() {
	entries, err := os.ReadDir(c.partialDir)
	if err != nil {
		c.logger.Warn("listing partial files failed", "err", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.partialDir, e.Name())); err != nil {
			c.logger.Warn("removing stale partial file failed", "file", e.Name(), "err", err)
		}
	}
}

// Key is the index key for an artist and title.
func Key(artist, title string) string {
	return artist + "##" + title
}

// CreateForkedStream implements proxy.ForkedStreamFactory. The track is
// identified by the "artist" and "track" query parameters; "ext" picks the
// file extension.
func (c *Cache) CreateForkedStream(q proxy.QueryParams) (proxy.ForkedStream, error) {
	title := q.Get("track")
	if title == "" {
		return proxy.DiscardFactory.CreateForkedStream(q)
	}

	ext := q.Get("ext")
	if !validExt.MatchString(ext) {
		ext = defaultExt
	}

	s, err := c.newStream(q.Get("artist"), title, ext, q.Map().Encode())
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup returns the cached track for artist and title, if any.
func (c *Cache) Lookup(ctx context.Context, artist, title string) (Track, bool, error) {
	var (
		t        Track
		cachedAt int64
	)
	err := c.lookupStmt.QueryRowContext(ctx, Key(artist, title)).
		Scan(&t.Key, &t.Artist, &t.Title, &t.Path, &t.Size, &t.Query, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Track{}, false, nil
	}
	if err != nil {
		return Track{}, false, fmt.Errorf("failed to look up track: %w", err)
	}
	t.CachedAt = time.UnixMilli(cachedAt)
	return t, true, nil
}

// record indexes t, replacing and deleting any older file for the same key.
func (c *Cache) record(ctx context.Context, t Track) error {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()

	old, found, err := c.Lookup(ctx, t.Artist, t.Title)
	if err != nil {
		return err
	}

	if _, err := c.upsertStmt.ExecContext(ctx,
		t.Key, t.Artist, t.Title, t.Path, t.Size, t.Query, t.CachedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to save track: %w", err)
	}

	if found && old.Path != t.Path {
		if err := os.Remove(old.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("removing replaced track failed", "path", old.Path, "err", err)
		}
	}
	return nil
}

// Close closes the index. Streams still open fail when they finish.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = errors.Join(
			c.upsertStmt.Close(),
			c.lookupStmt.Close(),
			c.db.Close(),
		)
	})
	return err
}
