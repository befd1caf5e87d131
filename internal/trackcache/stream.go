package trackcache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const recordTimeout = 10 * time.Second

// trackStream writes one track to a partial file and publishes it on Close.
type trackStream struct {
	c       *Cache
	f       *os.File
	bw      *bufio.Writer
	id      string
	partial string
	artist  string
	title   string
	ext     string
	query   string
	size    int64
}

func (c *Cache) newStream(artist, title, ext, query string) (*trackStream, error) {
	id := uuid.New().String()
	partial := filepath.Join(c.partialDir, id+".part")

	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file: %w", err)
	}

	return &trackStream{
		c:       c,
		f:       f,
		bw:      bufio.NewWriter(f),
		id:      id,
		partial: partial,
		artist:  artist,
		title:   title,
		ext:     ext,
		query:   query,
	}, nil
}

func (s *trackStream) Write(p []byte) (int, error) {
	n, err := s.bw.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *trackStream) Flush() error {
	return s.bw.Flush()
}

// Close syncs the partial file, moves it into the cache directory and
// indexes it. On failure nothing is left on disk.
func (s *trackStream) Close() error {
	if err := s.finishFile(); err != nil {
		_ = os.Remove(s.partial)
		return err
	}

	final := filepath.Join(s.c.dir, s.id+"."+s.ext)
	if err := os.Rename(s.partial, final); err != nil {
		_ = os.Remove(s.partial)
		return fmt.Errorf("failed to publish track: %w", err)
	}

	t := Track{
		Key:      Key(s.artist, s.title),
		Artist:   s.artist,
		Title:    s.title,
		Path:     final,
		Size:     s.size,
		Query:    s.query,
		CachedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.c.record(ctx, t); err != nil {
		_ = os.Remove(final)
		return err
	}

	s.c.logger.Info("track cached", "artist", t.Artist, "track", t.Title, "path", t.Path, "bytes", t.Size)
	if s.c.onCached != nil {
		s.c.onCached(t)
	}
	return nil
}

func (s *trackStream) finishFile() error {
	err := s.bw.Flush()
	if err == nil {
		err = s.f.Sync()
	}
	return errors.Join(err, s.f.Close())
}

// Abort discards the partial file.
func (s *trackStream) Abort() {
	_ = s.f.Close()
	if err := os.Remove(s.partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.c.logger.Warn("removing partial track failed", "path", s.partial, "err", err)
	}
	s.c.logger.Debug("track discarded", "artist", s.artist, "track", s.title, "bytes", s.size)
}
