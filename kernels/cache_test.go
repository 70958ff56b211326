package kernels_test

import (
	"testing"
	"time"

	"github.com/BillTheBest/Theano/devices"
	"github.com/BillTheBest/Theano/devices/devicetest"
	"github.com/BillTheBest/Theano/gpuarray"
	"github.com/BillTheBest/Theano/internal/must"
	"github.com/BillTheBest/Theano/kernels"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestContext(t *testing.T) (*devicetest.Runtime, *gpuarray.Context) {
	rt := devicetest.NewRuntime(2)
	registry := gpuarray.NewRegistry()
	ctx, err := registry.Attach(rt, 0, "")
	require.NoError(t, err)
	return rt, ctx
}

func testHandle(t *testing.T, entry string) *kernels.Handle {
	h, err := kernels.Register(kernels.Spec{
		Source: "__kernel void " + entry + "(__global float *data, ulong n) {}",
		Entry:  entry,
		Params: []kernels.ParamSpec{{Kind: kernels.KindPointer}, {Kind: kernels.KindUnsignedSize}},
	})
	require.NoError(t, err)
	return h
}

func TestResolveCompilesOnce(t *testing.T) {
	rt, ctx := newTestContext(t)
	cache := kernels.NewCache()
	handle := testHandle(t, "fill")

	first := must.M1(cache.Resolve(handle, ctx, 0))
	second := must.M1(cache.Resolve(handle, ctx, 0))
	require.Same(t, first, second)
	require.Equal(t, 1, rt.CompileCount())

	compiles := rt.Compiles()
	require.Equal(t, "fill", compiles[0].Entry)
	require.Empty(t, compiles[0].Flags)

	stats := cache.Stats()
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, 1, stats.Entries)
}

func TestResolveFlagsSeparateKeys(t *testing.T) {
	rt, ctx := newTestContext(t)
	cache := kernels.NewCache()
	handle := testHandle(t, "fill")

	plain := must.M1(cache.Resolve(handle, ctx, 0))
	double := must.M1(cache.Resolve(handle, ctx, kernels.FlagDouble))
	require.NotSame(t, plain, double)
	require.Equal(t, 2, rt.CompileCount())
	require.Equal(t, kernels.FlagSet(0), plain.Flags())
	require.Equal(t, kernels.FlagDouble, double.Flags())
	require.Equal(t, []string{"double"}, rt.Compiles()[1].Flags)

	// Resolving either key again hits.
	must.M1(cache.Resolve(handle, ctx, kernels.FlagDouble))
	require.Equal(t, 2, rt.CompileCount())
}

func TestResolveContextsSeparateKeys(t *testing.T) {
	rt := devicetest.NewRuntime(2)
	registry := gpuarray.NewRegistry()
	ctxA := must.M1(registry.Attach(rt, 0, "a"))
	ctxB := must.M1(registry.Attach(rt, 1, "b"))
	cache := kernels.NewCache()
	handle := testHandle(t, "fill")

	onA := must.M1(cache.Resolve(handle, ctxA, 0))
	onB := must.M1(cache.Resolve(handle, ctxB, 0))
	require.Equal(t, 2, rt.CompileCount())
	require.Same(t, ctxA, onA.Context())
	require.Same(t, ctxB, onB.Context())
	require.Equal(t, devices.DeviceNum(1), rt.Compiles()[1].Device)
}

func TestResolveNegativeCaching(t *testing.T) {
	rt, ctx := newTestContext(t)
	rt.FailCompiles = true
	cache := kernels.NewCache()
	handle := testHandle(t, "broken")

	_, err := cache.Resolve(handle, ctx, 0)
	require.ErrorIs(t, err, devices.ErrCompilation)
	require.Equal(t, 1, rt.CompileCount())

	// The failure is memoized: no second compile attempt, even after the
	// runtime recovers.
	rt.FailCompiles = false
	_, err = cache.Resolve(handle, ctx, 0)
	require.ErrorIs(t, err, devices.ErrCompilation)
	require.Equal(t, 1, rt.CompileCount())
	require.Equal(t, int64(1), cache.Stats().Failures)
}

func TestResolveCapabilityCheck(t *testing.T) {
	rt := devicetest.NewRuntime(1)
	rt.Caps = devices.Capabilities{Float64: false, Float16: false}
	registry := gpuarray.NewRegistry()
	ctx := must.M1(registry.Attach(rt, 0, ""))
	cache := kernels.NewCache()
	handle := testHandle(t, "fill")

	// The precision check fails before the runtime is asked to compile.
	_, err := cache.Resolve(handle, ctx, kernels.FlagDouble)
	require.ErrorIs(t, err, devices.ErrCompilation)
	_, err = cache.Resolve(handle, ctx, kernels.FlagHalf)
	require.ErrorIs(t, err, devices.ErrCompilation)
	require.Equal(t, 0, rt.CompileCount())

	// Without the flags the same kernel compiles fine.
	must.M1(cache.Resolve(handle, ctx, 0))
	require.Equal(t, 1, rt.CompileCount())
}

func TestResolveConcurrentSingleFlight(t *testing.T) {
	rt, ctx := newTestContext(t)
	rt.CompileDelay = 20 * time.Millisecond
	cache := kernels.NewCache()
	handle := testHandle(t, "fill")

	const goroutines = 16
	results := make([]*kernels.Compiled, goroutines)
	var group errgroup.Group
	for i := range goroutines {
		group.Go(func() error {
			compiled, err := cache.Resolve(handle, ctx, 0)
			results[i] = compiled
			return err
		})
	}
	require.NoError(t, group.Wait())

	require.Equal(t, 1, rt.CompileCount())
	for _, compiled := range results {
		require.Same(t, results[0], compiled)
	}
	stats := cache.Stats()
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(goroutines-1), stats.Hits)
}

func TestCacheEviction(t *testing.T) {
	rt, ctx := newTestContext(t)
	cache := kernels.NewCache(kernels.WithCapacityPerContext(2))

	a := testHandle(t, "kernel_a")
	b := testHandle(t, "kernel_b")
	c := testHandle(t, "kernel_c")

	must.M1(cache.Resolve(a, ctx, 0))
	time.Sleep(time.Millisecond)
	must.M1(cache.Resolve(b, ctx, 0))
	time.Sleep(time.Millisecond)
	must.M1(cache.Resolve(c, ctx, 0))
	require.Equal(t, 3, rt.CompileCount())

	stats := cache.Stats()
	require.Equal(t, int64(1), stats.Evictions)
	require.Equal(t, 2, stats.Entries)

	// kernel_a was least recently used, so it recompiles; kernel_c stays.
	must.M1(cache.Resolve(c, ctx, 0))
	require.Equal(t, 3, rt.CompileCount())
	must.M1(cache.Resolve(a, ctx, 0))
	require.Equal(t, 4, rt.CompileCount())
}

func TestFinalizeContextDropsKernels(t *testing.T) {
	rt := devicetest.NewRuntime(2)
	registry := gpuarray.NewRegistry()
	ctxA := must.M1(registry.Attach(rt, 0, "a"))
	ctxB := must.M1(registry.Attach(rt, 1, "b"))
	cache := kernels.NewCache()
	handle := testHandle(t, "fill")

	must.M1(cache.Resolve(handle, ctxA, 0))
	must.M1(cache.Resolve(handle, ctxB, 0))
	require.Equal(t, 2, cache.Stats().Entries)

	cache.FinalizeContext(ctxA)
	require.Equal(t, 1, cache.Stats().Entries)

	// ctxB's kernel is untouched, still a hit.
	must.M1(cache.Resolve(handle, ctxB, 0))
	require.Equal(t, 2, rt.CompileCount())
}
