package kernels

import (
	"sync/atomic"
	"time"

	"github.com/BillTheBest/Theano/devices"
	"github.com/BillTheBest/Theano/gpuarray"
	"github.com/BillTheBest/Theano/types/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compiled is a kernel compiled for one context. It is created lazily by
// Cache.Resolve on the first miss of its (context, spec, flags) key and
// reused for every later resolve of an equal key.
type Compiled struct {
	spec   Spec
	ctx    *gpuarray.Context
	flags  FlagSet
	binary devices.Binary
	entry  *cacheEntry
}

// Spec returns a copy of the kernel's spec.
func (c *Compiled) Spec() Spec { return c.spec.Clone() }

// Context the kernel was compiled for.
func (c *Compiled) Context() *gpuarray.Context { return c.ctx }

// Flags the kernel was compiled with: the spec's flags plus the flags implied
// by the resolving call's operand types.
func (c *Compiled) Flags() FlagSet { return c.flags }

// Binary is the runtime's opaque compiled handle.
func (c *Compiled) Binary() devices.Binary { return c.binary }

type cacheKey struct {
	ctx   *gpuarray.Context
	spec  string
	flags FlagSet
}

type compileResult struct {
	compiled *Compiled
	err      error
}

// cacheEntry holds the one-shot compilation future of one key. Storing the
// entry (LoadOrStore) decides the single compiling caller; everyone else
// waits on the latch. A triggered latch with a non-nil error is the cached
// negative result: the key fails fast forever.
type cacheEntry struct {
	key      cacheKey
	result   *xsync.LatchWithValue[compileResult]
	lastUse  atomic.Int64
	inFlight atomic.Int64
}

func (e *cacheEntry) touch() {
	e.lastUse.Store(time.Now().UnixNano())
}

// Cache compiles kernel specs per context and memoizes the result, success or
// failure, so that compilation -- typically the single most expensive step in
// first-use latency -- is never paid twice for the same key.
//
// The zero value is not usable; create with NewCache. All methods are safe
// for concurrent use; concurrent Resolve calls for the same uncached key
// serialize through exactly one compilation.
type Cache struct {
	entries            xsync.SyncMap[cacheKey, *cacheEntry]
	capacityPerContext int

	hits      atomic.Int64
	misses    atomic.Int64
	failures  atomic.Int64
	evictions atomic.Int64
}

// CacheOption configures NewCache.
type CacheOption func(*Cache)

// WithCapacityPerContext bounds the number of cached kernels per context;
// beyond it, the least-recently-used entry with no in-flight launches is
// evicted. The default (0) keeps every kernel for the life of the cache,
// which matches the expectation that kernels are few and reused.
func WithCapacityPerContext(n int) CacheOption {
	return func(c *Cache) { c.capacityPerContext = n }
}

// NewCache returns an empty kernel cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the kernel of handle compiled for ctx, compiling it on the
// first call for the (context, spec, flags) key and reusing the stored result
// afterwards -- a cache hit performs no compilation work.
//
// extra carries the flags implied by the concrete call's operand types (see
// ImpliedFlags); they are part of the cache key, so the same handle resolved
// with and without double-precision operands yields two distinct kernels.
//
// A compilation failure is returned wrapping devices.ErrCompilation and is
// cached as a negative result: repeated resolves of the identical key fail
// fast without re-attempting the compile.
func (c *Cache) Resolve(handle *Handle, ctx *gpuarray.Context, extra FlagSet) (*Compiled, error) {
	if handle == nil {
		exceptions.Panicf("kernels.Cache.Resolve: handle is nil")
	}
	ctx.AssertValid()

	key := cacheKey{ctx: ctx, spec: handle.key, flags: handle.spec.Flags | extra}
	entry := &cacheEntry{key: key, result: xsync.NewLatchWithValue[compileResult]()}
	entry.touch()
	actual, loaded := c.entries.LoadOrStore(key, entry)
	if loaded {
		actual.touch()
		c.hits.Add(1)
		res := actual.result.Wait()
		if res.err != nil {
			return nil, res.err
		}
		return res.compiled, nil
	}

	// This caller owns the single compilation for the key.
	c.misses.Add(1)
	res := c.compile(entry, handle, ctx, key.flags)
	entry.result.Trigger(res)
	if res.err != nil {
		c.failures.Add(1)
		return nil, res.err
	}
	if c.capacityPerContext > 0 {
		c.evict(ctx)
	}
	return res.compiled, nil
}

func (c *Cache) compile(entry *cacheEntry, handle *Handle, ctx *gpuarray.Context, flags FlagSet) compileResult {
	caps := ctx.Capabilities()
	if flags.Has(FlagDouble) && !caps.Float64 {
		return compileResult{err: errors.Wrapf(devices.ErrCompilation,
			"%s requires double precision, unsupported by %s", handle, ctx)}
	}
	if flags.Has(FlagHalf) && !caps.Float16 {
		return compileResult{err: errors.Wrapf(devices.ErrCompilation,
			"%s requires half precision, unsupported by %s", handle, ctx)}
	}

	start := time.Now()
	binary, err := ctx.Runtime().Compile(ctx.Device(), handle.spec.Source, handle.spec.Entry, flags.Tokens())
	if err != nil {
		return compileResult{err: errors.WithMessagef(err, "compiling %s for %s", handle, ctx)}
	}
	klog.V(1).Infof("compiled %s for %s in %s", handle, ctx, time.Since(start))
	return compileResult{compiled: &Compiled{
		spec:   handle.spec,
		ctx:    ctx,
		flags:  flags,
		binary: binary,
		entry:  entry,
	}}
}

// evict drops least-recently-used entries of ctx until the context is back
// within capacity. Entries with in-flight launches, and entries whose
// compilation has not finished, are never evicted.
func (c *Cache) evict(ctx *gpuarray.Context) {
	for {
		count := 0
		var oldest *cacheEntry
		c.entries.Range(func(key cacheKey, entry *cacheEntry) bool {
			if key.ctx != ctx {
				return true
			}
			count++
			if !entry.result.Test() || entry.inFlight.Load() > 0 {
				return true
			}
			if oldest == nil || entry.lastUse.Load() < oldest.lastUse.Load() {
				oldest = entry
			}
			return true
		})
		if count <= c.capacityPerContext || oldest == nil {
			return
		}
		c.entries.Delete(oldest.key)
		c.evictions.Add(1)
		klog.V(2).Infof("evicted kernel %q from cache of %s", oldest.key.spec, ctx)
	}
}

// FinalizeContext drops every cached kernel of ctx. Call it when the context
// is finalized: its compiled binaries are invalid with it.
func (c *Cache) FinalizeContext(ctx *gpuarray.Context) {
	var dropped []cacheKey
	c.entries.Range(func(key cacheKey, _ *cacheEntry) bool {
		if key.ctx == ctx {
			dropped = append(dropped, key)
		}
		return true
	})
	for _, key := range dropped {
		c.entries.Delete(key)
	}
	if len(dropped) > 0 {
		klog.V(1).Infof("dropped %d cached kernel(s) of finalized context %s", len(dropped), ctx)
	}
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Failures  int64
	Evictions int64
	Entries   int
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Failures:  c.failures.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.entries.Len(),
	}
}
