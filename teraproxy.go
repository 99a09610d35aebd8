package teraproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ytget/teraproxy/client"
	"github.com/ytget/teraproxy/downloader"
	"github.com/ytget/teraproxy/errs"
	"github.com/ytget/teraproxy/internal/cache"
	"github.com/ytget/teraproxy/internal/logger"
	"github.com/ytget/teraproxy/internal/sanitize"
	"github.com/ytget/teraproxy/terabox/quality"
	"github.com/ytget/teraproxy/terabox/shareid"
	"github.com/ytget/teraproxy/terabox/signlink"
	"github.com/ytget/teraproxy/types"
)

// Fetcher retrieves fresh metadata for a bare share ID.
type Fetcher interface {
	Fetch(ctx context.Context, shareID string) (*types.FileDescriptor, error)
}

// CacheObserver is told about every cache lookup.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// Progress describes current progress of an ongoing Save.
type Progress = downloader.Progress

// Resolver turns share links into descriptors and signed media URLs.
// It is safe for concurrent use.
type Resolver struct {
	fetcher  Fetcher
	store    cache.Store
	ttl      time.Duration
	group    singleflight.Group
	observer CacheObserver
	log      *logger.ComponentLogger
	cacheLog *logger.ComponentLogger

	media        *client.Client
	progressFunc func(Progress)
	rateLimitBps int64
}

// NewResolver creates a Resolver without a cache.
func NewResolver(f Fetcher) *Resolver {
	return &Resolver{
		fetcher:  f,
		store:    cache.Noop{},
		ttl:      cache.DefaultTTL,
		log:      logger.WithComponent(logger.ComponentApp),
		cacheLog: logger.WithComponent(logger.ComponentCache),
	}
}

// WithCache sets the descriptor cache. A nil store disables caching and a
// non-positive ttl selects cache.DefaultTTL.
func (r *Resolver) WithCache(store cache.Store, ttl time.Duration) *Resolver {
	if store == nil {
		store = cache.Noop{}
	}
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	r.store = store
	r.ttl = ttl
	return r
}

// WithCacheObserver registers a hit/miss observer.
func (r *Resolver) WithCacheObserver(o CacheObserver) *Resolver {
	r.observer = o
	return r
}

// WithLogger replaces the loggers.
func (r *Resolver) WithLogger(l *logger.Logger) *Resolver {
	if l != nil {
		r.log = l.WithComponent(logger.ComponentApp)
		r.cacheLog = l.WithComponent(logger.ComponentCache)
	}
	return r
}

// WithMediaClient sets the client used by Save to fetch media.
func (r *Resolver) WithMediaClient(c *client.Client) *Resolver {
	r.media = c
	return r
}

// WithProgress registers a callback that receives Save progress updates.
func (r *Resolver) WithProgress(f func(Progress)) *Resolver {
	r.progressFunc = f
	return r
}

// WithRateLimit sets a Save rate limit in bytes per second. Zero disables limiting.
func (r *Resolver) WithRateLimit(bytesPerSecond int64) *Resolver {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	r.rateLimitBps = bytesPerSecond
	return r
}

// ShareID normalizes a share link or bare ID. Empty input is an
// ErrMissingParameter error.
func ShareID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: share id or url", errs.ErrMissingParameter)
	}
	id := shareid.Extract(input)
	if id == "" {
		return "", fmt.Errorf("%w: share id or url", errs.ErrMissingParameter)
	}
	return id, nil
}

// Lookup returns the descriptor for id, serving it from the cache when
// fresh. cached reports a cache hit. Cache failures are logged and treated as
// misses.
func (r *Resolver) Lookup(ctx context.Context, id string) (d *types.FileDescriptor, cached bool, err error) {
	key := cache.Key(id)
	if d, ok := r.cacheGet(ctx, key); ok {
		return d, true, nil
	}

	v, _, err := r.do(ctx, "lookup:"+id, func(ctx context.Context) (any, error) {
		d, err := r.fetcher.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		r.cachePut(ctx, key, d)
		return d, nil
	})
	if err != nil {
		return nil, false, err
	}
	return clone(v.(*types.FileDescriptor)), false, nil
}

// Fetch bypasses the cache and asks the metadata API directly. Concurrent
// calls for the same id share one upstream request.
func (r *Resolver) Fetch(ctx context.Context, id string) (*types.FileDescriptor, error) {
	v, shared, err := r.do(ctx, "fetch:"+id, func(ctx context.Context) (any, error) {
		return r.fetcher.Fetch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.log.Debug("metadata fetch coalesced", logger.Fields{"share_id": id})
	}
	return clone(v.(*types.FileDescriptor)), nil
}

// do runs fn once per key across concurrent callers. fn gets a context that
// keeps ctx's values but not its cancellation, so one caller leaving does not
// fail the others; each caller still returns as soon as its own ctx is done.
func (r *Resolver) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, bool, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// ResolveURL fetches fresh metadata for a share link or ID and returns the
// signed media URL for tier. A share without download link is ErrNotFound.
func (r *Resolver) ResolveURL(ctx context.Context, input string, tier quality.Tier) (string, *types.FileDescriptor, error) {
	id, err := ShareID(input)
	if err != nil {
		return "", nil, err
	}
	d, err := r.Fetch(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !d.HasDownloadLink() {
		return "", d, errs.New(errs.ErrNotFound, "Download link not available")
	}
	link, err := signlink.ForDescriptor(d, tier)
	if err != nil {
		return "", d, fmt.Errorf("sign download link: %w", err)
	}
	return link, d, nil
}

// Save resolves input and writes the media to disk. An empty outputPath uses
// the sanitized share file name in the working directory; a directory gets
// that name inside it. It returns the written path.
func (r *Resolver) Save(ctx context.Context, input string, tier quality.Tier, outputPath string) (string, error) {
	link, d, err := r.ResolveURL(ctx, input, tier)
	if err != nil {
		return "", err
	}

	name := sanitize.Filename(d.Name)
	switch {
	case outputPath == "":
		outputPath = name
	case isDir(outputPath):
		outputPath = filepath.Join(outputPath, name)
	}

	media := r.media
	if media == nil {
		media = client.NewWith(client.Config{Timeout: -1})
	}
	dl := downloader.New(media, r.progressFunc, r.rateLimitBps)
	n, err := dl.Download(ctx, link, outputPath)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	r.log.Info("saved share", logger.Fields{"share_id": d.ShareID, "path": outputPath, "bytes": n})
	return outputPath, nil
}

func (r *Resolver) cacheGet(ctx context.Context, key string) (*types.FileDescriptor, bool) {
	b, ok, err := r.store.Get(ctx, key)
	if err != nil {
		r.cacheLog.Warn("cache read failed", logger.Fields{"key": key, "error": err.Error()})
	}
	if err != nil || !ok {
		r.miss()
		return nil, false
	}
	var d types.FileDescriptor
	if err := json.Unmarshal(b, &d); err != nil {
		r.cacheLog.Warn("cache entry unreadable", logger.Fields{"key": key, "error": err.Error()})
		r.miss()
		return nil, false
	}
	if r.observer != nil {
		r.observer.CacheHit()
	}
	r.cacheLog.Debug("cache hit", logger.Fields{"key": key})
	return &d, true
}

func (r *Resolver) cachePut(ctx context.Context, key string, d *types.FileDescriptor) {
	b, err := json.Marshal(d)
	if err == nil {
		err = r.store.Put(ctx, key, b, r.ttl)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.cacheLog.Warn("cache write failed", logger.Fields{"key": key, "error": err.Error()})
	}
}

func (r *Resolver) miss() {
	if r.observer != nil {
		r.observer.CacheMiss()
	}
}

// clone gives every caller its own copy of a shared descriptor.
func clone(d *types.FileDescriptor) *types.FileDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Thumbnails = append([]string(nil), d.Thumbnails...)
	if d.Duration != nil {
		v := *d.Duration
		c.Duration = &v
	}
	return &c
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
