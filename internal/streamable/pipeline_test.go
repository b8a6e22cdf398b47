package streamable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedLoader blocks every load until release is closed and records how
// loads ended.
type gatedLoader struct {
	calls     atomic.Int32
	cancelled atomic.Int32
	release   chan struct{}
	started   chan string
	fail      error
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{release: make(chan struct{}), started: make(chan string, 16)}
}

func (g *gatedLoader) load(ctx context.Context, in Intention) (string, error) {
	g.calls.Add(1)
	g.started <- in.URL
	select {
	case <-g.release:
		if g.fail != nil {
			return "", g.fail
		}
		return "loaded:" + in.URL, nil
	case <-ctx.Done():
		g.cancelled.Add(1)
		return "", ctx.Err()
	}
}

func waitStarted(t *testing.T, g *gatedLoader) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("load never started")
	}
}

func TestIntention_Key(t *testing.T) {
	composed := Intention{URL: "https://cdn/caf\u00e9.glb"}
	decomposed := Intention{URL: "https://cdn/cafe\u0301.glb", Sources: SourceAll}
	assert.Equal(t, composed.Key(), decomposed.Key())

	local := Intention{URL: "https://cdn/caf\u00e9.glb", Sources: SourceLocal}
	assert.NotEqual(t, composed.Key(), local.Key())
	assert.True(t, SourceAll.Has(SourceRemote))
	assert.False(t, SourceLocal.Has(SourceRemote))
}

func TestPipeline_Deduplicates(t *testing.T) {
	g := newGatedLoader()
	p := NewPipeline(context.Background(), g.load)
	defer p.Close()

	ctx := context.Background()
	in := Intention{URL: "scene.json"}
	h1 := p.Request(ctx, in)
	h2 := p.Request(ctx, in)
	defer h1.Release()
	defer h2.Release()

	assert.Same(t, h1.Promise(), h2.Promise())
	waitStarted(t, g)
	close(g.release)

	v1, err := h1.Await(ctx)
	require.NoError(t, err)
	v2, err := h2.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "loaded:scene.json", v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), g.calls.Load())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Started)
	assert.Equal(t, 1, stats.Deduplicated)
}

func TestPipeline_CacheHitAfterResolution(t *testing.T) {
	g := newGatedLoader()
	close(g.release)
	p := NewPipeline(context.Background(), g.load)
	defer p.Close()

	ctx := context.Background()
	in := Intention{URL: "model.glb"}
	h := p.Request(ctx, in)
	_, err := h.Await(ctx)
	require.NoError(t, err)
	h.Release()

	require.Eventually(t, func() bool { return p.Cached() == 1 }, time.Second, time.Millisecond)

	late := p.Request(ctx, in)
	defer late.Release()
	assert.True(t, late.Promise().Resolved())
	v, err := late.Promise().Result()
	require.NoError(t, err)
	assert.Equal(t, "loaded:model.glb", v)
	assert.Equal(t, int32(1), g.calls.Load())
	assert.Equal(t, 1, p.Stats().CacheHits)
}

func TestPipeline_FailuresNotCached(t *testing.T) {
	g := newGatedLoader()
	g.fail = errors.New("404")
	close(g.release)
	p := NewPipeline(context.Background(), g.load)
	defer p.Close()

	ctx := context.Background()
	in := Intention{URL: "missing.json"}
	for i := 0; i < 2; i++ {
		h := p.Request(ctx, in)
		_, err := h.Await(ctx)
		assert.EqualError(t, err, "404")
		h.Release()
		require.Eventually(t, func() bool { return p.InFlight() == 0 }, time.Second, time.Millisecond)
	}
	assert.Equal(t, int32(2), g.calls.Load())
	assert.Equal(t, 0, p.Cached())
	assert.Equal(t, 2, p.Stats().Failed)
}

func TestPipeline_LastReleaseCancels(t *testing.T) {
	g := newGatedLoader()
	p := NewPipeline(context.Background(), g.load)
	defer p.Close()

	ctx := context.Background()
	in := Intention{URL: "big.glb"}
	h1 := p.Request(ctx, in)
	h2 := p.Request(ctx, in)
	waitStarted(t, g)

	h1.Release()
	h1.Release()
	assert.Equal(t, 1, p.InFlight(), "one holder remains")
	assert.Equal(t, int32(0), g.cancelled.Load())

	h2.Release()
	assert.Equal(t, 0, p.InFlight())
	require.Eventually(t, func() bool { return g.cancelled.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, p.Stats().Cancelled)

	// A new request after cancellation starts a fresh fetch.
	h3 := p.Request(ctx, in)
	defer h3.Release()
	waitStarted(t, g)
	assert.NotSame(t, h1.Promise(), h3.Promise())
	assert.Equal(t, 2, p.Stats().Started)
}

func TestPipeline_ConsumerContextReleasesOnlyThatConsumer(t *testing.T) {
	g := newGatedLoader()
	p := NewPipeline(context.Background(), g.load)
	defer p.Close()

	in := Intention{URL: "shared.png"}
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	h1 := p.Request(consumerCtx, in)
	h2 := p.Request(context.Background(), in)
	defer h2.Release()
	waitStarted(t, g)

	cancelConsumer()
	_, err := h1.Await(consumerCtx)
	assert.ErrorIs(t, err, context.Canceled)

	// Give the AfterFunc a moment; the fetch must survive for h2.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), g.cancelled.Load())

	close(g.release)
	v, err := h2.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "loaded:shared.png", v)
}

func TestHandle_AwaitAfterRelease(t *testing.T) {
	g := newGatedLoader()
	p := NewPipeline(context.Background(), g.load)
	defer p.Close()

	ctx := context.Background()
	in := Intention{URL: "shared.bin"}
	released := p.Request(ctx, in)
	kept := p.Request(ctx, in)
	defer kept.Release()
	waitStarted(t, g)

	errs := make(chan error, 1)
	go func() {
		_, err := released.Await(ctx)
		errs <- err
	}()
	released.Release()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrReleased)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after Release")
	}

	close(g.release)
	v, err := kept.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "loaded:shared.bin", v)

	_, err = released.Await(ctx)
	assert.ErrorIs(t, err, ErrReleased, "a released handle stays released after resolution")
}

func TestPipeline_CloseCancelsInFlight(t *testing.T) {
	g := newGatedLoader()
	p := NewPipeline(context.Background(), g.load)

	h := p.Request(context.Background(), Intention{URL: "a"})
	waitStarted(t, g)
	p.Close()

	_, err := h.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	closed := p.Request(context.Background(), Intention{URL: "b"})
	_, err = closed.Await(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	closed.Release()
}

func TestPipeline_ConcurrentRequests(t *testing.T) {
	g := newGatedLoader()
	g.started = make(chan string, 256)
	p := NewPipeline(context.Background(), g.load)
	defer p.Close()

	var wg sync.WaitGroup
	handles := make([]*Handle[string], 50)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = p.Request(context.Background(), Intention{URL: "hot"})
		}(i)
	}
	wg.Wait()
	close(g.release)

	for _, h := range handles {
		v, err := h.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "loaded:hot", v)
		h.Release()
	}
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestPromise_ResultPending(t *testing.T) {
	p := newPromise[int]("k", Intention{URL: "k"})
	_, err := p.Result()
	assert.ErrorIs(t, err, ErrPending)

	assert.True(t, p.resolve(7, nil))
	assert.False(t, p.resolve(8, nil), "resolves exactly once")
	v, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestWithFallback(t *testing.T) {
	ctx := context.Background()

	failing := newHandle[string](nil, resolvedPromise("k", Intention{}, "", errors.New("bad schema")))
	v, err := WithFallback(ctx, failing, "fallback")
	assert.Equal(t, "fallback", v)
	assert.EqualError(t, err, "bad schema")

	ok := newHandle[string](nil, resolvedPromise("k", Intention{}, "real", nil))
	v, err = WithFallback(ctx, ok, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "real", v)
}

func TestResultCache_Evicts(t *testing.T) {
	c := newResultCache[int](2)
	c.put("a", resolvedPromise("a", Intention{}, 1, nil))
	c.put("b", resolvedPromise("b", Intention{}, 2, nil))
	_, _ = c.get("a")
	c.put("c", resolvedPromise("c", Intention{}, 3, nil))

	_, ok := c.get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.get("a")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
}
