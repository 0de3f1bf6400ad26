// Package reader implements network-first reads with a durable cache
// fallback.
//
// Every successful fetch replaces the collection's cached snapshot. When a
// fetch fails the last snapshot is returned instead, marked as coming from
// the cache so callers can show it as stale. Expired credentials are the
// one failure the cache never hides.
package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/payload"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncerr"
)

// Snapshots is the slice of the persistent store the reader needs.
type Snapshots interface {
	Save(ctx context.Context, collection string, items []json.RawMessage) error
	GetAll(ctx context.Context, collection string) ([]json.RawMessage, error)
	SnapshotInfo(ctx context.Context, collection string) (store.SnapshotInfo, error)
}

// Source says where a Result came from.
type Source int

const (
	// SourceNetwork: fresh data from the remote API.
	SourceNetwork Source = iota
	// SourceCache: the last saved snapshot, served because the fetch failed.
	SourceCache
)

// String returns "network" or "cache".
func (s Source) String() string {
	if s == SourceCache {
		return "cache"
	}
	return "network"
}

// Result is the outcome of a successful Read.
type Result[T any] struct {
	Items  []T
	Source Source

	// CachedAt is when the served snapshot was saved. Zero for SourceNetwork.
	CachedAt time.Time

	// NetworkErr is the fetch failure that caused a cache fallback.
	NetworkErr error
}

// FromCache reports whether the items are a possibly stale snapshot.
func (r Result[T]) FromCache() bool {
	return r.Source == SourceCache
}

// Reader serves network-first reads for any collection.
//
// Thread-safety: Reader is safe for concurrent use. Cache writes run on
// their own goroutines; Flush waits for them. Writes to one collection
// commit one at a time, and a write overtaken by a later Read of the same
// collection is dropped, so the cache always ends on the newest fetch.
type Reader struct {
	store Snapshots
	log   *zap.Logger
	wg    sync.WaitGroup

	mu    sync.Mutex
	saves map[string]*collectionSaves
}

// collectionSaves orders cache writes to one collection. gen is guarded
// by Reader.mu; mu is held for the duration of a Save.
type collectionSaves struct {
	mu  sync.Mutex
	gen uint64
}

// New creates a Reader backed by s. A nil logger disables logging.
func New(s Snapshots, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{store: s, log: log, saves: make(map[string]*collectionSaves)}
}

// Flush blocks until every cache write started so far has finished.
func (r *Reader) Flush() {
	r.wg.Wait()
}

// Read fetches collection from the network, falling back to the cache.
//
// On fetch success the items are returned immediately and saved to the
// cache in the background; a failed save is logged, never returned. An
// empty fetch result is a real snapshot and clears the cache.
//
// On fetch failure a non-empty cached snapshot is returned with
// Source=SourceCache. If the cache is empty the fetch error is returned,
// wrapped as EMPTY_CACHE. An AUTH_EXPIRED fetch error is returned as is.
func Read[T any](ctx context.Context, r *Reader, collection string, fetch func(context.Context) ([]T, error)) (Result[T], error) {
	items, err := fetch(ctx)
	if err == nil {
		if items == nil {
			items = []T{}
		}
		raws, err := encodeItems(items)
		if err != nil {
			r.log.Error("cache encode failed",
				zap.String("collection", collection),
				zap.Error(err),
			)
		} else {
			r.cache(ctx, collection, raws)
		}
		return Result[T]{Items: items, Source: SourceNetwork}, nil
	}

	if syncerr.IsAuthExpired(err) {
		return Result[T]{}, err
	}

	r.log.Debug("fetch failed, trying cache",
		zap.String("collection", collection),
		zap.Error(err),
	)

	cached, cachedAt, cerr := loadCache[T](ctx, r, collection)
	if cerr != nil {
		r.log.Error("cache read failed",
			zap.String("collection", collection),
			zap.Error(cerr),
		)
	}
	if len(cached) == 0 {
		return Result[T]{}, syncerr.EmptyCache(collection, err)
	}

	r.log.Info("serving cached snapshot",
		zap.String("collection", collection),
		zap.Int("count", len(cached)),
		zap.Time("cached_at", cachedAt),
	)
	return Result[T]{
		Items:      cached,
		Source:     SourceCache,
		CachedAt:   cachedAt,
		NetworkErr: err,
	}, nil
}

// cache saves raws on a detached goroutine. The save outlives ctx
// cancellation.
func (r *Reader) cache(ctx context.Context, collection string, raws []json.RawMessage) {
	r.mu.Lock()
	cs, ok := r.saves[collection]
	if !ok {
		cs = &collectionSaves{}
		r.saves[collection] = cs
	}
	cs.gen++
	gen := cs.gen
	r.mu.Unlock()

	saveCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		cs.mu.Lock()
		defer cs.mu.Unlock()

		if latest := r.generation(cs); latest != gen {
			r.log.Debug("cache save superseded",
				zap.String("collection", collection),
				zap.Uint64("generation", gen),
				zap.Uint64("latest", latest),
			)
			return
		}
		if err := r.store.Save(saveCtx, collection, raws); err != nil {
			r.log.Error("cache save failed",
				zap.String("collection", collection),
				zap.Int("count", len(raws)),
				zap.Error(err),
			)
			return
		}
		r.log.Debug("cache saved",
			zap.String("collection", collection),
			zap.Int("count", len(raws)),
		)
	}()
}

func (r *Reader) generation(cs *collectionSaves) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cs.gen
}

func loadCache[T any](ctx context.Context, r *Reader, collection string) ([]T, time.Time, error) {
	raws, err := r.store.GetAll(ctx, collection)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load %s: %w", collection, err)
	}
	if len(raws) == 0 {
		return nil, time.Time{}, nil
	}

	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, time.Time{}, fmt.Errorf("decode %s item %d: %w", collection, i, err)
		}
		out = append(out, v)
	}

	info, err := r.store.SnapshotInfo(ctx, collection)
	if err != nil {
		return out, time.Time{}, fmt.Errorf("snapshot info %s: %w", collection, err)
	}
	return out, info.SavedAt, nil
}

// encodeItems encodes each item on its own. json.RawMessage items are
// kept byte for byte.
func encodeItems[T any](items []T) ([]json.RawMessage, error) {
	raws := make([]json.RawMessage, len(items))
	for i, item := range items {
		raw, err := payload.Encode(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		raws[i] = raw
	}
	return raws, nil
}
