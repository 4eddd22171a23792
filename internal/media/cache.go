// Package media mirrors provider-hosted images and video on local disk and
// resolves caller-supplied input images.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/metrics"
	"github.com/tjfontaine/grok-gateway/internal/storage"
	"github.com/tjfontaine/grok-gateway/internal/telemetry"
)

// ErrNotFound is returned for keys that are not in the cache.
var ErrNotFound = errors.New("media: not found")

const tmpPrefix = ".tmp-"

var keyPattern = regexp.MustCompile(`^[a-f0-9]{32}(\.[a-z0-9]{1,5})?$`)

// ValidKey reports whether s has the shape of a cache key.
func ValidKey(s string) bool {
	return keyPattern.MatchString(s)
}

// Key derives the storage key for a source URL. The extension of the URL
// path is kept so served files carry a recognizable suffix.
func Key(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	key := hex.EncodeToString(sum[:16])
	if u, err := url.Parse(sourceURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if keyPattern.MatchString(key + ext) {
			key += ext
		}
	}
	return key
}

// Config configures a Cache.
type Config struct {
	Dir          string
	Caps         map[domain.MediaKind]int64
	FetchTimeout time.Duration
}

// Option configures optional Cache collaborators.
type Option func(*Cache)

// WithIndex persists the cache index.
func WithIndex(idx storage.ArtifactIndex) Option {
	return func(c *Cache) { c.index = idx }
}

// WithHTTPClient sets the client used to download media.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.client = client }
}

// WithFetchLimiter shares the outbound fetch ceiling with other callers.
func WithFetchLimiter(sem *semaphore.Weighted) Option {
	return func(c *Cache) { c.sem = sem }
}

// WithMetrics records cache metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

type kindIndex struct {
	lru   *simplelru.LRU[string, *domain.Artifact]
	bytes int64
}

// flight is one download shared by every waiter for the same key. The
// download is canceled only when the last waiter leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Cache is a size-capped on-disk mirror of provider media. Files are
// written to a temporary name and renamed into place, so a published key
// always refers to a complete file. Within a kind, entries are evicted
// least recently accessed first.
type Cache struct {
	dir     string
	caps    map[domain.MediaKind]int64
	timeout time.Duration
	client  *http.Client
	index   storage.ArtifactIndex
	sem     *semaphore.Weighted
	metrics *metrics.Collector
	logger  *slog.Logger
	tracer  trace.Tracer

	group singleflight.Group

	mu      sync.Mutex
	kinds   map[domain.MediaKind]*kindIndex
	flights map[string]*flight
}

// New creates a cache rooted at cfg.Dir.
func New(cfg Config, opts ...Option) (*Cache, error) {
	c := &Cache{
		dir:     cfg.Dir,
		caps:    cfg.Caps,
		timeout: cfg.FetchTimeout,
		client:  http.DefaultClient,
		sem:     semaphore.NewWeighted(math.MaxInt64),
		logger:  slog.Default(),
		tracer:  telemetry.Tracer("media"),
		kinds:   make(map[domain.MediaKind]*kindIndex),
		flights: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, kind := range []domain.MediaKind{domain.MediaImage, domain.MediaVideo} {
		if c.caps[kind] <= 0 {
			return nil, fmt.Errorf("media: cap for %s must be positive", kind)
		}
		if err := os.MkdirAll(filepath.Join(c.dir, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("media: create dir: %w", err)
		}
		lru, err := simplelru.NewLRU[string, *domain.Artifact](math.MaxInt32, nil)
		if err != nil {
			return nil, err
		}
		c.kinds[kind] = &kindIndex{lru: lru}
	}
	return c, nil
}

func (c *Cache) filePath(kind domain.MediaKind, key string) string {
	return filepath.Join(c.dir, string(kind), key)
}

// Load rebuilds the in-memory index from the persisted index, dropping
// entries whose files are gone and removing files nothing refers to.
func (c *Cache) Load(ctx context.Context) error {
	if c.index == nil {
		return c.removeOrphans(nil)
	}
	entries, err := c.index.ListArtifacts(ctx, "")
	if err != nil {
		return fmt.Errorf("media: load index: %w", err)
	}
	slices.SortFunc(entries, func(a, b *domain.Artifact) int {
		return a.AccessedAt.Compare(b.AccessedAt)
	})

	known := make(map[string]bool, len(entries))
	var stale []*domain.Artifact
	c.mu.Lock()
	for _, a := range entries {
		ki, ok := c.kinds[a.Kind]
		if !ok {
			stale = append(stale, a)
			continue
		}
		info, err := os.Stat(c.filePath(a.Kind, a.Key))
		if err != nil || info.Size() != a.Size {
			stale = append(stale, a)
			continue
		}
		if _, dup := ki.lru.Peek(a.Key); !dup {
			ki.lru.Add(a.Key, a)
			ki.bytes += a.Size
		}
		known[filepath.Join(string(a.Kind), a.Key)] = true
	}
	c.mu.Unlock()

	for _, a := range stale {
		if err := c.index.DeleteArtifact(ctx, a.Kind, a.Key); err != nil {
			c.logger.Warn("failed to drop stale media entry", slog.String("key", a.Key), slog.String("error", err.Error()))
		}
	}
	if err := c.removeOrphans(known); err != nil {
		return err
	}

	for kind := range c.kinds {
		c.enforceCap(ctx, kind)
	}
	c.logger.Info("media cache loaded", slog.Int("entries", len(entries)-len(stale)), slog.Int("stale", len(stale)))
	return nil
}

func (c *Cache) removeOrphans(known map[string]bool) error {
	for kind := range c.kinds {
		dir := filepath.Join(c.dir, string(kind))
		files, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("media: scan %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() || known[filepath.Join(string(kind), f.Name())] {
				continue
			}
			_ = os.Remove(filepath.Join(dir, f.Name()))
		}
	}
	return nil
}

// lookup returns a published entry and marks it accessed.
func (c *Cache) lookup(kind domain.MediaKind, key string) (*domain.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ki, ok := c.kinds[kind]
	if !ok {
		return nil, false
	}
	a, ok := ki.lru.Get(key)
	if !ok {
		return nil, false
	}
	a.AccessedAt = time.Now()
	cp := *a
	return &cp, true
}

// Mirror returns the cached artifact for sourceURL, downloading it first
// when absent. Concurrent calls for the same URL share one download.
// header is sent with the download request.
func (c *Cache) Mirror(ctx context.Context, sourceURL string, kind domain.MediaKind, header http.Header) (*domain.Artifact, error) {
	if _, ok := c.kinds[kind]; !ok {
		return nil, fmt.Errorf("media: unknown kind %q", kind)
	}
	key := Key(sourceURL)
	if a, ok := c.lookup(kind, key); ok {
		c.metrics.RecordMirror(kind, "hit")
		return a, nil
	}

	flightKey := string(kind) + "/" + key
	f := c.join(ctx, flightKey)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.download(f.ctx, sourceURL, kind, key, header)
	})

	select {
	case res := <-ch:
		c.leave(flightKey, f)
		if res.Err != nil {
			c.metrics.RecordMirror(kind, "error")
			return nil, res.Err
		}
		return res.Val.(*domain.Artifact), nil
	case <-ctx.Done():
		c.leave(flightKey, f)
		return nil, ctx.Err()
	}
}

func (c *Cache) join(ctx context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

func (c *Cache) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
		c.group.Forget(key)
	}
}

func (c *Cache) download(ctx context.Context, sourceURL string, kind domain.MediaKind, key string, header http.Header) (*domain.Artifact, error) {
	// another flight may have published while this one queued
	if a, ok := c.lookup(kind, key); ok {
		return a, nil
	}

	ctx, span := c.tracer.Start(ctx, "media.mirror", trace.WithAttributes(
		attribute.String("media.kind", string(kind)),
		attribute.String("media.key", key),
	))
	defer span.End()

	a, err := c.fetch(ctx, sourceURL, kind, key, header)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("media mirror failed",
			slog.String("kind", string(kind)),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("media.size", a.Size))
	c.metrics.RecordMirror(kind, "fetched")

	c.publish(ctx, a)
	return a, nil
}

func (c *Cache) fetch(ctx context.Context, sourceURL string, kind domain.MediaKind, key string, header http.Header) (*domain.Artifact, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("media: build request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = slices.Clone(vs)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: fetch: status %d", resp.StatusCode)
	}

	limit := c.caps[kind]
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %s cap", ErrTooLarge, resp.ContentLength, kind)
	}

	tmp, err := os.CreateTemp(filepath.Join(c.dir, string(kind)), tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("media: create temp: %w", err)
	}
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = fmt.Errorf("%w: exceeds %s cap", ErrTooLarge, kind)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("media: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.filePath(kind, key)); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("media: publish: %w", err)
	}

	now := time.Now()
	return &domain.Artifact{
		Kind:       kind,
		Key:        key,
		SourceURL:  sourceURL,
		MediaType:  mediaTypeOf(resp.Header.Get("Content-Type"), key, kind),
		Size:       n,
		CreatedAt:  now,
		AccessedAt: now,
	}, nil
}

func mediaTypeOf(header, key string, kind domain.MediaKind) string {
	if mt := strings.TrimSpace(strings.Split(header, ";")[0]); mt != "" && mt != "application/octet-stream" {
		return mt
	}
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	}
	if kind == domain.MediaVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}

// publish adds a downloaded artifact to the index and evicts until the
// kind is back under its cap.
func (c *Cache) publish(ctx context.Context, a *domain.Artifact) {
	c.mu.Lock()
	ki := c.kinds[a.Kind]
	if old, ok := ki.lru.Peek(a.Key); ok {
		ki.bytes -= old.Size
	}
	stored := *a
	ki.lru.Add(a.Key, &stored)
	ki.bytes += a.Size
	c.mu.Unlock()

	if c.index != nil {
		if err := c.index.PutArtifact(ctx, a); err != nil {
			c.logger.Warn("failed to persist media entry", slog.String("key", a.Key), slog.String("error", err.Error()))
		}
	}
	c.enforceCap(ctx, a.Kind)
}

// enforceCap evicts the least recently accessed entries of kind until its
// total size fits the cap. Files are unlinked under the lock; readers that
// already opened a file keep reading it.
func (c *Cache) enforceCap(ctx context.Context, kind domain.MediaKind) {
	var evicted []*domain.Artifact

	c.mu.Lock()
	ki := c.kinds[kind]
	for ki.bytes > c.caps[kind] {
		_, a, ok := ki.lru.RemoveOldest()
		if !ok {
			break
		}
		ki.bytes -= a.Size
		_ = os.Remove(c.filePath(kind, a.Key))
		evicted = append(evicted, a)
	}
	total := ki.bytes
	c.mu.Unlock()

	c.metrics.SetCacheBytes(kind, total)
	for _, a := range evicted {
		c.metrics.RecordEviction(kind)
		c.dropIndex(ctx, a)
		c.logger.Debug("media evicted", slog.String("kind", string(kind)), slog.String("key", a.Key), slog.Int64("size", a.Size))
	}
}

func (c *Cache) dropIndex(ctx context.Context, a *domain.Artifact) {
	if c.index == nil {
		return
	}
	if err := c.index.DeleteArtifact(ctx, a.Kind, a.Key); err != nil {
		c.logger.Warn("failed to drop media entry", slog.String("key", a.Key), slog.String("error", err.Error()))
	}
}

// Open opens a cached file for reading and marks it accessed.
func (c *Cache) Open(kind domain.MediaKind, key string) (*os.File, *domain.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ki, ok := c.kinds[kind]
	if !ok {
		return nil, nil, ErrNotFound
	}
	a, ok := ki.lru.Get(key)
	if !ok {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(c.filePath(kind, key))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	a.AccessedAt = time.Now()
	cp := *a
	return f, &cp, nil
}

// Clear removes every entry of kind, or of all kinds when kind is empty,
// and returns the number removed.
func (c *Cache) Clear(ctx context.Context, kind domain.MediaKind) (int, error) {
	var kinds []domain.MediaKind
	if kind == "" {
		kinds = []domain.MediaKind{domain.MediaImage, domain.MediaVideo}
	} else if _, ok := c.kinds[kind]; ok {
		kinds = []domain.MediaKind{kind}
	} else {
		return 0, fmt.Errorf("media: unknown kind %q", kind)
	}

	removed := 0
	for _, k := range kinds {
		c.mu.Lock()
		ki := c.kinds[k]
		entries := ki.lru.Values()
		for _, a := range entries {
			_ = os.Remove(c.filePath(k, a.Key))
		}
		ki.lru.Purge()
		ki.bytes = 0
		c.mu.Unlock()

		for _, a := range entries {
			c.dropIndex(ctx, a)
		}
		c.metrics.SetCacheBytes(k, 0)
		removed += len(entries)
	}
	c.logger.Info("media cache cleared", slog.String("kind", string(kind)), slog.Int("removed", removed))
	return removed, nil
}

// KindStats summarizes one media kind.
type KindStats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Cap     int64 `json:"cap"`
}

// Stats reports per-kind usage.
func (c *Cache) Stats() map[domain.MediaKind]KindStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.MediaKind]KindStats, len(c.kinds))
	for kind, ki := range c.kinds {
		out[kind] = KindStats{Entries: ki.lru.Len(), Bytes: ki.bytes, Cap: c.caps[kind]}
	}
	return out
}

// Close persists access times so eviction order survives a restart.
func (c *Cache) Close(ctx context.Context) error {
	if c.index == nil {
		return nil
	}
	c.mu.Lock()
	var all []domain.Artifact
	for _, ki := range c.kinds {
		for _, a := range ki.lru.Values() {
			all = append(all, *a)
		}
	}
	c.mu.Unlock()

	var errs []error
	for i := range all {
		if err := c.index.PutArtifact(ctx, &all[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
