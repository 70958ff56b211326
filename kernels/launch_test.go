package kernels_test

import (
	"math"
	"testing"

	"github.com/BillTheBest/Theano/devices"
	"github.com/BillTheBest/Theano/devices/devicetest"
	"github.com/BillTheBest/Theano/gpuarray"
	"github.com/BillTheBest/Theano/internal/must"
	"github.com/BillTheBest/Theano/kernels"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func deviceMatrix(t *testing.T, ctx *gpuarray.Context, rows, cols int) *gpuarray.DeviceValue {
	flat := make([]float64, rows*cols)
	for i := range flat {
		flat[i] = float64(i)
	}
	host, err := gpuarray.FromFlat(flat, rows, cols)
	require.NoError(t, err)
	dv, err := gpuarray.ToDevice(host, ctx)
	require.NoError(t, err)
	return dv
}

func TestBindAndLaunch(t *testing.T) {
	rt, ctx := newTestContext(t)
	cache := kernels.NewCache()
	handle := must.M1(kernels.Register(kernels.Spec{
		Source: "__kernel void transpose(__global double *m, ulong rows, ulong cols) {}",
		Entry:  "transpose",
		Params: []kernels.ParamSpec{
			{Kind: kernels.KindPointer},
			{Kind: kernels.KindUnsignedSize},
			{Kind: kernels.KindUnsignedSize},
		},
		Flags: kernels.FlagDouble,
	}))

	// Resolving twice compiles once.
	compiled := must.M1(cache.Resolve(handle, ctx, 0))
	again := must.M1(cache.Resolve(handle, ctx, 0))
	require.Same(t, compiled, again)
	require.Equal(t, 1, rt.CompileCount())
	require.Equal(t, []string{"double"}, rt.Compiles()[0].Flags)

	matrix := deviceMatrix(t, ctx, 4, 4)
	completion, err := kernels.BindAndLaunch(compiled,
		[]gpuarray.Value{matrix, 4, 4},
		kernels.LaunchPlan{Local: []uint64{2, 2}, Global: []uint64{4, 4}})
	require.NoError(t, err)
	require.NoError(t, rt.Synchronize(completion))

	require.Equal(t, 1, rt.LaunchCount())
	launch := rt.Launches()[0]
	require.Equal(t, "transpose", launch.Binary.Entry)
	require.Equal(t, []uint64{2, 2}, launch.Local)
	require.Equal(t, []uint64{4, 4}, launch.Global)

	// Arguments arrive in parameter order, marshaled per kind.
	require.Len(t, launch.Args, 3)
	require.Equal(t, devices.ArgBuffer, launch.Args[0].Kind)
	require.Same(t, matrix.Buffer(), launch.Args[0].Buffer)
	require.Equal(t, devices.ArgWord, launch.Args[1].Kind)
	require.Equal(t, uint64(4), launch.Args[1].Word)
	require.Equal(t, devices.ArgWord, launch.Args[2].Kind)
	require.Equal(t, uint64(4), launch.Args[2].Word)
}

func TestBindAndLaunchArgumentMismatch(t *testing.T) {
	rt, ctx := newTestContext(t)
	cache := kernels.NewCache()
	handle := must.M1(kernels.Register(kernels.Spec{
		Source: "__kernel void scale(__global float *data, ulong n, float alpha) {}",
		Entry:  "scale",
		Params: []kernels.ParamSpec{
			{Kind: kernels.KindPointer},
			{Kind: kernels.KindUnsignedSize},
			{Kind: kernels.KindScalar, DType: dtypes.Float32},
		},
	}))
	compiled := must.M1(cache.Resolve(handle, ctx, 0))
	matrix := deviceMatrix(t, ctx, 2, 2)
	plan := kernels.LaunchPlan{Local: []uint64{1}, Global: []uint64{4}}

	for name, args := range map[string][]gpuarray.Value{
		"too few":                {matrix, 4},
		"too many":               {matrix, 4, float32(2), float32(3)},
		"host value for pointer": {gpuarray.HostValue{}, 4, float32(2)},
		"string for size":        {matrix, "4", float32(2)},
		"negative unsigned size": {matrix, -4, float32(2)},
		"float64 for float32":    {matrix, 4, float64(2)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := kernels.BindAndLaunch(compiled, args, plan)
			require.ErrorIs(t, err, kernels.ErrArgumentMismatch)
		})
	}

	// Nothing reached the device.
	require.Equal(t, 0, rt.LaunchCount())
}

func TestBindAndLaunchCrossContextPointer(t *testing.T) {
	rt := devicetest.NewRuntime(2)
	registry := gpuarray.NewRegistry()
	ctxA := must.M1(registry.Attach(rt, 0, "a"))
	ctxB := must.M1(registry.Attach(rt, 1, "b"))
	cache := kernels.NewCache()
	handle := testHandle(t, "fill")
	compiled := must.M1(cache.Resolve(handle, ctxA, 0))

	onB := deviceMatrix(t, ctxB, 2, 2)
	_, err := kernels.BindAndLaunch(compiled,
		[]gpuarray.Value{onB, 4},
		kernels.LaunchPlan{Local: []uint64{1}, Global: []uint64{4}})
	require.ErrorIs(t, err, kernels.ErrArgumentMismatch)
	require.Equal(t, 0, rt.LaunchCount())
}

func TestLaunchPlanValidation(t *testing.T) {
	rt, ctx := newTestContext(t)
	cache := kernels.NewCache()
	handle := testHandle(t, "fill")
	compiled := must.M1(cache.Resolve(handle, ctx, 0))
	matrix := deviceMatrix(t, ctx, 2, 2)

	for name, plan := range map[string]kernels.LaunchPlan{
		"rank mismatch":         {Local: []uint64{2}, Global: []uint64{4, 4}},
		"no dimensions":         {},
		"zero local":            {Local: []uint64{0}, Global: []uint64{4}},
		"zero global":           {Local: []uint64{2}, Global: []uint64{0}},
		"local divides nothing": {Local: []uint64{3}, Global: []uint64{4}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := kernels.BindAndLaunch(compiled, []gpuarray.Value{matrix, 4}, plan)
			require.ErrorIs(t, err, devices.ErrLaunch)
		})
	}
	require.Equal(t, 0, rt.LaunchCount())
}

func TestMarshalScalars(t *testing.T) {
	rt, ctx := newTestContext(t)
	cache := kernels.NewCache()
	handle := must.M1(kernels.Register(kernels.Spec{
		Source: "__kernel void mix(double d, float s, half h, char b, int i) {}",
		Entry:  "mix",
		Params: []kernels.ParamSpec{
			{Kind: kernels.KindScalar, DType: dtypes.Float64},
			{Kind: kernels.KindScalar, DType: dtypes.Float32},
			{Kind: kernels.KindScalar, DType: dtypes.Float16},
			{Kind: kernels.KindScalar, DType: dtypes.Bool},
			{Kind: kernels.KindScalar, DType: dtypes.Int32},
		},
	}))
	compiled := must.M1(cache.Resolve(handle, ctx, kernels.FlagDouble|kernels.FlagHalf))

	_, err := kernels.BindAndLaunch(compiled,
		[]gpuarray.Value{float64(0.5), float32(2), float32(1), true, int32(-7)},
		kernels.LaunchPlan{Local: []uint64{1}, Global: []uint64{1}})
	require.NoError(t, err)

	args := rt.Launches()[0].Args
	require.Equal(t, math.Float64bits(0.5), args[0].Word)
	require.Equal(t, uint8(8), args[0].Width)
	require.Equal(t, uint64(math.Float32bits(2)), args[1].Word)
	require.Equal(t, uint8(4), args[1].Width)
	require.Equal(t, uint64(float16.Fromfloat32(1).Bits()), args[2].Word)
	require.Equal(t, uint8(2), args[2].Width)
	require.Equal(t, uint64(1), args[3].Word)
	negSeven := int64(-7)
	require.Equal(t, uint64(negSeven), args[4].Word)
}

func TestImpliedFlags(t *testing.T) {
	_, ctx := newTestContext(t)
	spec := kernels.Spec{
		Entry: "copy",
		Params: []kernels.ParamSpec{
			{Kind: kernels.KindPointer},
			{Kind: kernels.KindUnsignedSize},
		},
	}

	f64 := deviceMatrix(t, ctx, 2, 2)
	require.Equal(t, kernels.FlagDouble, kernels.ImpliedFlags(spec, []gpuarray.Value{f64, 4}))

	host := must.M1(gpuarray.FromFlat([]float32{1, 2}, 2))
	f32 := must.M1(gpuarray.ToDevice(host, ctx))
	require.Equal(t, kernels.FlagSet(0), kernels.ImpliedFlags(spec, []gpuarray.Value{f32, 2}))

	scalarSpec := kernels.Spec{
		Entry:  "set",
		Params: []kernels.ParamSpec{{Kind: kernels.KindScalar, DType: dtypes.Float16}},
	}
	require.Equal(t, kernels.FlagHalf, kernels.ImpliedFlags(scalarSpec, []gpuarray.Value{float32(1)}))
}

func TestInvoker(t *testing.T) {
	rt, ctx := newTestContext(t)
	cache := kernels.NewCache()
	handle := testHandle(t, "fill")
	invoker := kernels.NewInvoker(cache, handle,
		kernels.LaunchPlan{Local: []uint64{2}, Global: []uint64{4}})

	host := must.M1(gpuarray.FromFlat([]float64{1, 2, 3, 4}, 4))
	value := must.M1(gpuarray.ToDevice(host, ctx))

	completion, err := invoker.Run(ctx, value, 4)
	require.NoError(t, err)
	require.NoError(t, rt.Synchronize(completion))
	completion, err = invoker.Run(ctx, value, 4)
	require.NoError(t, err)
	require.NoError(t, rt.Synchronize(completion))

	// One compile for both launches; the float64 operand implied the
	// double-precision flag.
	require.Equal(t, 1, rt.CompileCount())
	require.Equal(t, 2, rt.LaunchCount())
	require.Equal(t, []string{"double"}, rt.Compiles()[0].Flags)
}
