package streamable

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
)

// LoadFunc performs the fetch for an intention. It must honour ctx.
type LoadFunc[T any] func(ctx context.Context, in Intention) (T, error)

// Stats counts pipeline activity.
type Stats struct {
	Started      int
	Deduplicated int
	CacheHits    int
	Cancelled    int
	Failed       int
}

type options struct {
	cacheSize int
	logger    *slog.Logger
	name      string
}

// Option configures a Pipeline.
type Option func(*options)

// WithCacheSize bounds the result cache. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithName labels the pipeline in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// DefaultCacheSize is the result cache bound when none is given.
const DefaultCacheSize = 64

// Pipeline de-duplicates loads of one asset kind.
//
// Thread-safety: all methods are safe for concurrent use.
type Pipeline[T any] struct {
	load   LoadFunc[T]
	root   context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	name   string

	mu       sync.Mutex
	inflight map[string]*Promise[T]
	cache    *resultCache[T]
	stats    Stats
	closed   bool
}

// NewPipeline creates a pipeline whose fetches are children of root.
func NewPipeline[T any](root context.Context, load LoadFunc[T], opts ...Option) *Pipeline[T] {
	o := options{cacheSize: DefaultCacheSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(root)
	return &Pipeline[T]{
		load:     load,
		root:     ctx,
		cancel:   cancel,
		logger:   o.logger,
		name:     o.name,
		inflight: make(map[string]*Promise[T]),
		cache:    newResultCache[T](o.cacheSize),
	}
}

// Request returns a handle on the promise for in, starting a fetch only if
// no equal intention is in flight or cached. Cancelling ctx releases the
// returned handle.
func (p *Pipeline[T]) Request(ctx context.Context, in Intention) *Handle[T] {
	key := in.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		var zero T
		return newHandle[T](nil, resolvedPromise(key, in, zero, ErrClosed))
	}

	if cached, ok := p.cache.get(key); ok {
		p.stats.CacheHits++
		return newHandle[T](nil, cached)
	}

	promise, ok := p.inflight[key]
	if ok {
		p.stats.Deduplicated++
	} else {
		promise = newPromise[T](key, in)
		var fetchCtx context.Context
		fetchCtx, promise.cancel = context.WithCancel(p.root)
		p.inflight[key] = promise
		p.stats.Started++
		go p.run(fetchCtx, promise)
	}
	promise.refs++

	h := newHandle(p, promise)
	h.stop = context.AfterFunc(ctx, h.Release)
	return h
}

func (p *Pipeline[T]) run(ctx context.Context, promise *Promise[T]) {
	v, err := p.load(ctx, promise.intention)

	p.mu.Lock()
	current := p.inflight[promise.key] == promise
	if current {
		delete(p.inflight, promise.key)
		if err == nil {
			p.cache.put(promise.key, promise)
		}
	}
	if err != nil {
		p.stats.Failed++
	}
	p.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		p.logger.Debug("asset load failed", "pipeline", p.name, "url", promise.intention.URL, "error", err)
	}
	promise.resolve(v, err)
	promise.cancel()
}

func (p *Pipeline[T]) release(h *Handle[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	if h.stop != nil {
		h.stop()
	}

	promise := h.promise
	promise.refs--
	if promise.refs > 0 || promise.Resolved() {
		return
	}
	if p.inflight[promise.key] == promise {
		delete(p.inflight, promise.key)
	}
	p.stats.Cancelled++
	promise.cancel()
}

// InFlight returns the number of pending fetches.
func (p *Pipeline[T]) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Cached returns the number of cached results.
func (p *Pipeline[T]) Cached() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.order.Len()
}

// Stats returns a copy of the counters.
func (p *Pipeline[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close cancels every in-flight fetch and drops the cache. Later requests
// resolve immediately with ErrClosed.
func (p *Pipeline[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	clear(p.inflight)
	p.cache.clear()
}

// resultCache is a bounded LRU of resolved promises.
type resultCache[T any] struct {
	limit int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry[T any] struct {
	key     string
	promise *Promise[T]
}

func newResultCache[T any](limit int) *resultCache[T] {
	return &resultCache[T]{
		limit: limit,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *resultCache[T]) get(key string) (*Promise[T], bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry[T]).promise, true
}

func (c *resultCache[T]) put(key string, promise *Promise[T]) {
	if c.limit <= 0 {
		return
	}
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry[T]).promise = promise
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry[T]{key: key, promise: promise})
	for c.order.Len() > c.limit {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry[T]).key)
	}
}

func (c *resultCache[T]) clear() {
	c.order.Init()
	clear(c.items)
}
