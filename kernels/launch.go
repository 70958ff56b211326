package kernels

import (
	"math"
	"reflect"

	"github.com/BillTheBest/Theano/devices"
	"github.com/BillTheBest/Theano/gpuarray"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// LaunchPlan is the work partition of one kernel invocation: the local
// work-group size and the global work size, one entry per launch dimension.
type LaunchPlan struct {
	Local  []uint64
	Global []uint64
}

// validate checks the structural launch constraints the core can check
// without the device: matching ranks, at least one dimension, no zero sizes,
// local dividing global. Device-specific limits are the runtime's to enforce.
func (p LaunchPlan) validate() error {
	if len(p.Local) != len(p.Global) {
		return errors.Wrapf(devices.ErrLaunch,
			"launch plan rank mismatch: local has %d dimension(s), global %d", len(p.Local), len(p.Global))
	}
	if len(p.Global) == 0 {
		return errors.Wrap(devices.ErrLaunch, "launch plan has no dimensions")
	}
	for i := range p.Global {
		if p.Local[i] == 0 || p.Global[i] == 0 {
			return errors.Wrapf(devices.ErrLaunch, "launch plan dimension %d has zero size", i)
		}
		if p.Global[i]%p.Local[i] != 0 {
			return errors.Wrapf(devices.ErrLaunch,
				"launch plan dimension %d: local size %d does not divide global size %d",
				i, p.Local[i], p.Global[i])
		}
	}
	return nil
}

// BindAndLaunch maps args onto the kernel's typed parameter list and enqueues
// the launch on the kernel's context queue.
//
// Every argument is validated against its ParamSpec before any device call:
// pointer parameters take a *gpuarray.DeviceValue bound to the kernel's
// context, size parameters take Go integers (non-negative for unsigned-size),
// scalar parameters take a Go value of the parameter's dtype. Any
// disagreement in count or kind fails with ErrArgumentMismatch and nothing
// reaches the device.
//
// The launch is asynchronous: the returned Completion is the submission
// order token of the context's queue, and the buffer contents referenced by
// pointer arguments are defined only once it is observed (Completion.Done or
// Runtime.Synchronize).
func BindAndLaunch(c *Compiled, args []gpuarray.Value, plan LaunchPlan) (devices.Completion, error) {
	ctx := c.ctx
	ctx.AssertValid()
	if len(args) != len(c.spec.Params) {
		return nil, errors.Wrapf(ErrArgumentMismatch,
			"%s takes %d argument(s), got %d", c.spec, len(c.spec.Params), len(args))
	}
	native := make([]devices.Arg, len(args))
	for i, param := range c.spec.Params {
		arg, err := marshalArg(ctx, param, args[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "argument %d of %s", i, c.spec)
		}
		native[i] = arg
	}
	if err := plan.validate(); err != nil {
		return nil, errors.WithMessagef(err, "launching %s", c.spec)
	}

	if c.entry != nil {
		c.entry.inFlight.Add(1)
	}
	completion, err := ctx.Runtime().EnqueueLaunch(ctx.Device(), c.binary, native, plan.Local, plan.Global)
	if err != nil {
		if c.entry != nil {
			c.entry.inFlight.Add(-1)
		}
		return nil, errors.WithMessagef(err, "launching %s on %s", c.spec, ctx)
	}
	if c.entry != nil {
		entry := c.entry
		go func() {
			<-completion.Done()
			entry.inFlight.Add(-1)
		}()
	}
	return completion, nil
}

// marshalArg converts one validated argument into its device-native
// representation.
func marshalArg(ctx *gpuarray.Context, param ParamSpec, arg gpuarray.Value) (devices.Arg, error) {
	switch param.Kind {
	case KindPointer:
		dv, ok := arg.(*gpuarray.DeviceValue)
		if !ok {
			return devices.Arg{}, errors.Wrapf(ErrArgumentMismatch,
				"pointer parameter needs a *gpuarray.DeviceValue, got %T", arg)
		}
		if dv.Context() != ctx {
			return devices.Arg{}, errors.Wrapf(ErrArgumentMismatch,
				"pointer argument %s is not bound to the kernel's context %s", dv, ctx)
		}
		return devices.Arg{Kind: devices.ArgBuffer, Buffer: dv.Buffer(), Offset: dv.Offset()}, nil

	case KindSignedSize:
		word, _, err := sizeWord(arg, true)
		if err != nil {
			return devices.Arg{}, err
		}
		return devices.Arg{Kind: devices.ArgWord, Word: word}, nil

	case KindUnsignedSize:
		word, negative, err := sizeWord(arg, false)
		if err != nil {
			return devices.Arg{}, err
		}
		if negative {
			return devices.Arg{}, errors.Wrapf(ErrArgumentMismatch,
				"unsigned-size parameter got negative value %d", int64(word))
		}
		return devices.Arg{Kind: devices.ArgWord, Word: word}, nil

	case KindScalar:
		return marshalScalar(param.DType, arg)
	}
	return devices.Arg{}, errors.Wrapf(ErrArgumentMismatch, "unknown parameter kind %s", param.Kind)
}

// sizeWord converts a Go integer argument to its raw 64-bit representation.
// negative reports whether the original value was below zero.
func sizeWord(arg gpuarray.Value, signed bool) (word uint64, negative bool, err error) {
	switch v := arg.(type) {
	case int:
		return uint64(v), v < 0, nil
	case int8:
		return uint64(v), v < 0, nil
	case int16:
		return uint64(v), v < 0, nil
	case int32:
		return uint64(v), v < 0, nil
	case int64:
		return uint64(v), v < 0, nil
	case uint:
		return uint64(v), false, nil
	case uint8:
		return uint64(v), false, nil
	case uint16:
		return uint64(v), false, nil
	case uint32:
		return uint64(v), false, nil
	case uint64:
		return v, false, nil
	}
	kind := "unsigned-size"
	if signed {
		kind = "signed-size"
	}
	return 0, false, errors.Wrapf(ErrArgumentMismatch, "%s parameter needs a Go integer, got %T", kind, arg)
}

// marshalScalar packs a numeric scalar into its raw bit pattern. The argument
// must be the Go value of the parameter's dtype; float16 additionally accepts
// a float32, converted with github.com/x448/float16.
func marshalScalar(dtype dtypes.DType, arg gpuarray.Value) (devices.Arg, error) {
	switch dtype {
	case dtypes.Float64:
		if v, ok := arg.(float64); ok {
			return devices.Arg{Kind: devices.ArgScalar, Word: math.Float64bits(v), Width: 8}, nil
		}
	case dtypes.Float32:
		if v, ok := arg.(float32); ok {
			return devices.Arg{Kind: devices.ArgScalar, Word: uint64(math.Float32bits(v)), Width: 4}, nil
		}
	case dtypes.Float16:
		switch v := arg.(type) {
		case float16.Float16:
			return devices.Arg{Kind: devices.ArgScalar, Word: uint64(v.Bits()), Width: 2}, nil
		case float32:
			return devices.Arg{Kind: devices.ArgScalar, Word: uint64(float16.Fromfloat32(v).Bits()), Width: 2}, nil
		}
	case dtypes.Bool:
		if v, ok := arg.(bool); ok {
			var word uint64
			if v {
				word = 1
			}
			return devices.Arg{Kind: devices.ArgScalar, Word: word, Width: 1}, nil
		}
	default:
		rv := reflect.ValueOf(arg)
		if rv.IsValid() && rv.Type() == dtype.GoType() {
			width := uint8(dtype.Memory())
			switch rv.Kind() {
			case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				return devices.Arg{Kind: devices.ArgScalar, Word: uint64(rv.Int()), Width: width}, nil
			case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
				return devices.Arg{Kind: devices.ArgScalar, Word: rv.Uint(), Width: width}, nil
			}
		}
	}
	return devices.Arg{}, errors.Wrapf(ErrArgumentMismatch,
		"scalar parameter of dtype %s got incompatible value %T", dtype, arg)
}

// ImpliedFlags returns the compilation flags implied by the runtime types of
// a concrete call's arguments: FlagDouble when any bound operand or scalar
// parameter is float64, FlagHalf when any is float16. These are only added to
// the cache key when the concrete call needs them, so a kernel used purely in
// single precision never requires double-precision support from the device.
func ImpliedFlags(spec Spec, args []gpuarray.Value) FlagSet {
	var flags FlagSet
	addDType := func(dtype dtypes.DType) {
		switch dtype {
		case dtypes.Float64:
			flags |= FlagDouble
		case dtypes.Float16:
			flags |= FlagHalf
		}
	}
	for i, param := range spec.Params {
		switch param.Kind {
		case KindScalar:
			addDType(param.DType)
		case KindPointer:
			if i < len(args) {
				if dv, ok := args[i].(*gpuarray.DeviceValue); ok {
					addDType(dv.DType())
				}
			}
		}
	}
	return flags
}

// Invoker precomputes the launch of one kernel: resolve once per context,
// then launch repeatedly. It is the "execution step computed once per node
// instance" of a graph node.
type Invoker struct {
	cache  *Cache
	handle *Handle
	plan   LaunchPlan
}

// NewInvoker returns an Invoker launching handle's kernel with plan,
// resolving through cache.
func NewInvoker(cache *Cache, handle *Handle, plan LaunchPlan) *Invoker {
	return &Invoker{cache: cache, handle: handle, plan: plan}
}

// Run resolves the kernel for ctx -- a cached lookup after the first call --
// and launches it with args. Flags implied by the argument types are added
// automatically.
func (iv *Invoker) Run(ctx *gpuarray.Context, args ...gpuarray.Value) (devices.Completion, error) {
	extra := ImpliedFlags(iv.handle.spec, args)
	compiled, err := iv.cache.Resolve(iv.handle, ctx, extra)
	if err != nil {
		return nil, err
	}
	return BindAndLaunch(compiled, args, iv.plan)
}
