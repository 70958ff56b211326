package gpuarray

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/BillTheBest/Theano/devices"
	"github.com/BillTheBest/Theano/types/shapes"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Layout holds the contiguity flags of a DeviceValue.
type Layout uint8

const (
	// CContiguous marks a row-major contiguous value.
	CContiguous Layout = 1 << iota

	// FContiguous marks a column-major contiguous value. Rank <= 1 values are
	// both C- and F-contiguous.
	FContiguous
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case CContiguous:
		return "C"
	case FContiguous:
		return "F"
	case CContiguous | FContiguous:
		return "CF"
	}
	return "strided"
}

// DeviceValue is an array resident on a device, bound to exactly one Context.
//
// The binding never changes after construction: moving the data to another
// context means constructing a new DeviceValue there, through an explicit
// ToHost/ToDevice pair at the call site.
type DeviceValue struct {
	ctx    *Context
	buffer devices.Buffer
	shape  shapes.Shape
	offset int
	layout Layout
}

// FromBuffer wraps an existing device allocation as a DeviceValue bound to
// ctx. The offset is in bytes into the allocation. Meant for runtime
// integrations that allocate buffers themselves; regular callers use ToDevice.
func FromBuffer(ctx *Context, buffer devices.Buffer, shape shapes.Shape, offset int, layout Layout) *DeviceValue {
	ctx.AssertValid()
	return &DeviceValue{ctx: ctx, buffer: buffer, shape: shape, offset: offset, layout: layout}
}

// Context the value is bound to.
func (v *DeviceValue) Context() *Context { return v.ctx }

// Shape of the value.
func (v *DeviceValue) Shape() shapes.Shape { return v.shape }

// DType is a shortcut for Shape().DType.
func (v *DeviceValue) DType() dtypes.DType { return v.shape.DType }

// Buffer is the underlying device allocation handle.
func (v *DeviceValue) Buffer() devices.Buffer { return v.buffer }

// Offset in bytes into the underlying allocation.
func (v *DeviceValue) Offset() int { return v.offset }

// Layout flags of the value.
func (v *DeviceValue) Layout() Layout { return v.layout }

// String implements fmt.Stringer.
func (v *DeviceValue) String() string {
	if v == nil {
		return "DeviceValue(nil)"
	}
	return fmt.Sprintf("DeviceValue(%s on %s)", v.shape, v.ctx)
}

// ToHost copies the value's contents back to a newly allocated HostValue.
// The copy is complete when ToHost returns.
func (v *DeviceValue) ToHost() (HostValue, error) {
	v.ctx.AssertValid()
	rt := v.ctx.runtime
	flatV := reflect.MakeSlice(reflect.SliceOf(v.shape.DType.GoType()), v.shape.Size(), v.shape.Size())
	flat := flatV.Interface()
	dst, err := flatBytes(flat)
	if err != nil {
		return HostValue{}, errors.WithMessagef(err, "ToHost of %s", v)
	}
	completion, err := rt.CopyDeviceToHost(dst, v.buffer, v.offset)
	if err != nil {
		return HostValue{}, errors.WithMessagef(err, "ToHost of %s", v)
	}
	if err := rt.Synchronize(completion); err != nil {
		return HostValue{}, errors.WithMessagef(err, "ToHost of %s", v)
	}
	return HostValue{Flat: flat, Shape: v.shape.Clone()}, nil
}

// Free releases the underlying device allocation immediately. The value must
// not be used afterwards.
func (v *DeviceValue) Free() error {
	if v == nil || v.buffer == nil {
		return nil
	}
	err := v.ctx.runtime.BufferFinalize(v.buffer)
	v.buffer = nil
	return err
}

// HostValue is host-resident array data: a flat slice of the element type's
// Go type, plus its shape. It carries no context.
type HostValue struct {
	Flat  any
	Shape shapes.Shape
}

// FromFlat builds a HostValue from a flat slice and dimensions, inferring the
// DType from the slice's element type. The slice length must match the product
// of the dimensions.
func FromFlat(flat any, dimensions ...int) (HostValue, error) {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return HostValue{}, errors.Errorf("FromFlat: flat must be a slice, got %T", flat)
	}
	dtype := dtypes.FromGoType(flatV.Type().Elem())
	if dtype == dtypes.InvalidDType {
		return HostValue{}, errors.Errorf("FromFlat: unsupported element type %s", flatV.Type().Elem())
	}
	shape := shapes.Make(dtype, dimensions...)
	if flatV.Len() != shape.Size() {
		return HostValue{}, errors.Errorf("FromFlat: flat has %d elements, shape %s needs %d",
			flatV.Len(), shape, shape.Size())
	}
	return HostValue{Flat: flat, Shape: shape}, nil
}

// ToDevice normalizes one operand onto ctx and returns it as a DeviceValue.
//
//   - A *DeviceValue already bound to ctx is returned unchanged, no copy.
//   - A *DeviceValue bound to a different context fails with ErrCrossContext:
//     cross-device transfer is never implicit.
//   - A HostValue is copied onto a fresh allocation on ctx; the copy is
//     complete when ToDevice returns. Allocation failure surfaces as
//     devices.ErrAllocation, not retried.
func ToDevice(value Value, ctx *Context) (*DeviceValue, error) {
	ctx.AssertValid()
	switch v := value.(type) {
	case *DeviceValue:
		if v.ctx == ctx {
			return v, nil
		}
		return nil, errors.Wrapf(ErrCrossContext, "value %s cannot be used on %s", v, ctx)
	case HostValue:
		return hostToDevice(v, ctx)
	case *HostValue:
		return hostToDevice(*v, ctx)
	}
	return nil, errors.Errorf("ToDevice: cannot adapt operand of type %T to %s", value, ctx)
}

func hostToDevice(v HostValue, ctx *Context) (*DeviceValue, error) {
	if !v.Shape.Ok() {
		return nil, errors.Errorf("ToDevice: host value has an invalid shape")
	}
	src, err := flatBytes(v.Flat)
	if err != nil {
		return nil, errors.WithMessagef(err, "ToDevice of %s", v.Shape)
	}
	if len(src) != int(v.Shape.Memory()) {
		return nil, errors.Errorf("ToDevice: host value has %d bytes of data, shape %s needs %d",
			len(src), v.Shape, v.Shape.Memory())
	}
	rt := ctx.runtime
	buffer, err := rt.Allocate(ctx.device, len(src))
	if err != nil {
		return nil, errors.WithMessagef(err, "ToDevice of %s onto %s", v.Shape, ctx)
	}
	klog.V(2).Infof("allocated %s on %s for host value %s", humanize.IBytes(uint64(len(src))), ctx, v.Shape)
	completion, err := rt.CopyHostToDevice(buffer, 0, src)
	if err == nil {
		err = rt.Synchronize(completion)
	}
	if err != nil {
		if ferr := rt.BufferFinalize(buffer); ferr != nil {
			klog.Warningf("failed to release buffer after aborted copy to %s: %+v", ctx, ferr)
		}
		return nil, errors.WithMessagef(err, "ToDevice of %s onto %s", v.Shape, ctx)
	}
	return &DeviceValue{
		ctx:    ctx,
		buffer: buffer,
		shape:  v.Shape.Clone(),
		layout: CContiguous | FContiguous,
	}, nil
}

// flatBytes returns the raw bytes backing a flat slice of any supported
// element type. This is the single unsafe boundary between typed Go data and
// the byte-oriented device copy interface.
func flatBytes(flat any) ([]byte, error) {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("flat data must be a slice, got %T", flat)
	}
	if flatV.Len() == 0 {
		return nil, errors.Errorf("flat data slice is empty")
	}
	element0 := flatV.Index(0)
	ptr := (*byte)(element0.Addr().UnsafePointer())
	size := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice(ptr, size), nil
}
