// Package cache keeps rendered videos on local disk so the streaming endpoint
// can serve byte ranges without going back to the provider's CDN.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

const fileExt = ".mp4"

var (
	ErrInvalidKey   = errors.New("invalid cache key")
	ErrEmptySource  = errors.New("source url is empty")
	ErrEmptyPayload = errors.New("downloaded artifact is empty")
)

type Config struct {
	Dir       string
	Retention time.Duration
	// DownloadTimeout bounds a single fill. Zero means no extra bound.
	DownloadTimeout time.Duration
}

// Entry describes one cached file.
type Entry struct {
	Key     string
	Path    string
	Size    int64
	ModTime time.Time
}

type Cache struct {
	cfg     Config
	client  *http.Client
	group   singleflight.Group
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates the cache directory if needed. A nil client falls back to
// http.DefaultClient.
func New(cfg Config, client *http.Client, log *logger.Logger, m *metrics.Metrics) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("cache retention must be positive")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{
		cfg:     cfg,
		client:  client,
		logger:  log.With("cache"),
		metrics: m,
		now:     time.Now,
	}, nil
}

// Retention returns the configured retention window.
func (c *Cache) Retention() time.Duration { return c.cfg.Retention }

func (c *Cache) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\.`) {
		return "", ErrInvalidKey
	}
	return filepath.Join(c.cfg.Dir, key+fileExt), nil
}

// Lookup returns the entry for key when a non-empty file exists within
// retention. Expired files are removed on the way out.
func (c *Cache) Lookup(key string) (Entry, bool) {
	entry, result := c.entry(key)
	if result != "" {
		c.countLookup(result)
	}
	return entry, result == lookupHit
}

const (
	lookupHit     = "hit"
	lookupMiss    = "miss"
	lookupExpired = "expired"
)

// entry resolves key on disk without counting it as a lookup. An invalid key
// yields an empty result.
func (c *Cache) entry(key string) (Entry, string) {
	p, err := c.path(key)
	if err != nil {
		return Entry{}, ""
	}
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return Entry{}, lookupMiss
	}
	if c.expired(info.ModTime()) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.logger.Error(err, "Failed to remove expired cache entry", "key", key)
		}
		return Entry{}, lookupExpired
	}
	return Entry{Key: key, Path: p, Size: info.Size(), ModTime: info.ModTime()}, lookupHit
}

func (c *Cache) expired(mod time.Time) bool {
	return c.now().Sub(mod) > c.cfg.Retention
}

// EnsureCached makes sure key is on disk, downloading sourceURL on a miss,
// and returns the entry. It reports whether the entry was already present
// and counts as exactly one lookup. Concurrent calls for the same key share
// one download; a caller whose ctx ends stops waiting but the shared fill
// keeps running for the others.
func (c *Cache) EnsureCached(ctx context.Context, key, sourceURL string) (Entry, bool, error) {
	if _, err := c.path(key); err != nil {
		return Entry{}, false, err
	}
	if entry, ok := c.Lookup(key); ok {
		return entry, true, nil
	}
	if sourceURL == "" {
		return Entry{}, false, ErrEmptySource
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		if entry, result := c.entry(key); result == lookupHit {
			return entry, nil
		}
		fillCtx := context.WithoutCancel(ctx)
		if c.cfg.DownloadTimeout > 0 {
			var cancel context.CancelFunc
			fillCtx, cancel = context.WithTimeout(fillCtx, c.cfg.DownloadTimeout)
			defer cancel()
		}
		if err := c.download(fillCtx, key, sourceURL); err != nil {
			return nil, err
		}
		entry, result := c.entry(key)
		if result != lookupHit {
			return nil, fmt.Errorf("cache entry %s missing after download", key)
		}
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, false, res.Err
		}
		return res.Val.(Entry), false, nil
	}
}

func (c *Cache) download(ctx context.Context, key, sourceURL string) (err error) {
	dst, _ := c.path(key)
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.CacheDownloads.WithLabelValues(status).Inc()
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("artifact download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.cfg.Dir, key+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, resp.Body)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if n == 0 {
		return ErrEmptyPayload
	}
	if err = os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}

	if c.metrics != nil {
		c.metrics.CacheBytes.Add(float64(n))
	}
	c.logger.Debug("Cached artifact", "key", key, "bytes", n)
	return nil
}

// Remove deletes key from the cache. A missing entry is not an error.
func (c *Cache) Remove(key string) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep deletes every entry older than the retention window, plus abandoned
// partial downloads, and returns how many entries were removed.
func (c *Cache) Sweep() (int, error) {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache dir: %w", err)
	}

	removed := 0
	var firstErr error
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		name := de.Name()
		isEntry := strings.HasSuffix(name, fileExt)
		if !isEntry && !strings.HasSuffix(name, ".part") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if !c.expired(info.ModTime()) {
			continue
		}
		if err := os.Remove(filepath.Join(c.cfg.Dir, name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if isEntry {
			removed++
		}
	}
	return removed, firstErr
}

func (c *Cache) countLookup(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
