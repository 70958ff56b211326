package gpuarray

import (
	"fmt"
	"sync"

	"github.com/BillTheBest/Theano/devices"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is a handle to one device's execution queue and allocator: a
// (runtime, device ordinal) pair registered in a Registry.
//
// Contexts are compared by pointer identity: the Registry returns the same
// pointer for the same registered context, so `ctxA == ctxB` is a valid
// sameness check. A Context never changes after creation.
type Context struct {
	id      uuid.UUID
	name    string
	runtime devices.Runtime
	device  devices.DeviceNum
	caps    devices.Capabilities

	mu        sync.Mutex
	finalized bool
}

// AssertValid panics if the context is nil or already finalized.
func (ctx *Context) AssertValid() {
	if ctx == nil {
		exceptions.Panicf("gpuarray.Context is nil")
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.finalized {
		exceptions.Panicf("gpuarray.Context %q already finalized", ctx.name)
	}
}

// ID is the registry-assigned unique identifier of the context.
func (ctx *Context) ID() uuid.UUID { return ctx.id }

// Name of the context, unique within its Registry.
func (ctx *Context) Name() string { return ctx.name }

// Runtime owning the context's device.
func (ctx *Context) Runtime() devices.Runtime { return ctx.runtime }

// Device ordinal of the context within its runtime.
func (ctx *Context) Device() devices.DeviceNum { return ctx.device }

// Capabilities of the context's device.
func (ctx *Context) Capabilities() devices.Capabilities { return ctx.caps }

// String implements fmt.Stringer.
func (ctx *Context) String() string {
	if ctx == nil {
		return "Context(nil)"
	}
	return fmt.Sprintf("Context(%s, %s:%d)", ctx.name, ctx.runtime.Name(), ctx.device)
}

func (ctx *Context) isFinalized() bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.finalized
}

// Registry tracks the live device contexts of a process.
//
// It owns the name and id spaces; the underlying devices belong to the
// runtime, the registry only holds references.
type Registry struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Context
	byName map[string]*Context
}

// NewRegistry returns an empty context registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*Context),
		byName: make(map[string]*Context),
	}
}

// Attach registers a context for the given device of the runtime and returns
// its handle. The name must be unique within the registry; an empty name
// defaults to "<runtime>:<device>".
func (r *Registry) Attach(rt devices.Runtime, device devices.DeviceNum, name string) (*Context, error) {
	if rt == nil {
		return nil, errors.Errorf("Registry.Attach: runtime is nil")
	}
	if device < 0 || device >= rt.NumDevices() {
		return nil, errors.Errorf("Registry.Attach: device %d out of range, runtime %q has %d device(s)",
			device, rt.Name(), rt.NumDevices())
	}
	if name == "" {
		name = fmt.Sprintf("%s:%d", rt.Name(), device)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.byName[name]; found {
		return nil, errors.Errorf("Registry.Attach: context name %q already in use", name)
	}
	ctx := &Context{
		id:      uuid.New(),
		name:    name,
		runtime: rt,
		device:  device,
		caps:    rt.Capabilities(device),
	}
	r.byID[ctx.id] = ctx
	r.byName[name] = ctx
	klog.V(1).Infof("registered context %s (id=%s)", ctx, ctx.id)
	return ctx, nil
}

// ByID returns the context with the given id, or nil.
func (r *Registry) ByID(id uuid.UUID) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// ByName returns the context with the given name, or nil.
func (r *Registry) ByName(name string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// Contexts returns the currently registered contexts.
func (r *Registry) Contexts() []*Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Context, 0, len(r.byID))
	for _, ctx := range r.byID {
		all = append(all, ctx)
	}
	return all
}

// Finalize detaches the context from the registry and marks it invalid. The
// underlying device is untouched: it belongs to the runtime. Values and
// compiled kernels bound to the context become invalid with it.
func (r *Registry) Finalize(ctx *Context) {
	if ctx == nil {
		return
	}
	r.mu.Lock()
	delete(r.byID, ctx.id)
	delete(r.byName, ctx.name)
	r.mu.Unlock()

	ctx.mu.Lock()
	ctx.finalized = true
	ctx.mu.Unlock()
	klog.V(1).Infof("finalized context %s", ctx)
}

// InferExecutionContext returns the single context a node with the given
// operands should execute on.
//
// It is a pure lookup over operand metadata: operands that are *DeviceValue
// contribute their bound context, every other operand kind contributes
// nothing. Exactly one distinct context must remain:
//
//   - zero contexts fails with ErrNoContext -- the caller must supply a
//     default or explicit context instead (see PrepareNode);
//   - more than one distinct context fails with ErrContextConflict -- the
//     operation never silently picks one.
func InferExecutionContext(operands ...Value) (*Context, error) {
	var found *Context
	for i, operand := range operands {
		dv, ok := operand.(*DeviceValue)
		if !ok {
			continue
		}
		switch {
		case found == nil:
			found = dv.ctx
		case found != dv.ctx:
			return nil, errors.Wrapf(ErrContextConflict,
				"operand %d is bound to %s, earlier operands to %s", i, dv.ctx, found)
		}
	}
	if found == nil {
		return nil, errors.Wrapf(ErrNoContext, "among %d operand(s)", len(operands))
	}
	return found, nil
}
