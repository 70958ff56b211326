// Package gpuarray implements the device side of a dataflow-graph compiler:
// it decides which device context a graph node executes on, and adapts the
// node's operands into device-resident values bound to that context.
//
// The two entry points used while building a graph are
// InferExecutionContext, which picks the single context implied by a node's
// operands, and ToDevice, which normalizes one operand onto that context.
// Data movement policy is deliberately explicit: a value bound to another
// context is never transferred implicitly, the call fails with ErrCrossContext
// and the caller decides where the copy happens.
//
// Contexts are created by a Registry on top of a devices.Runtime; the registry
// never creates or destroys devices, it only hands out handles to them.
package gpuarray

// Value is one operand of a graph node. The kinds recognized by this package
// are *DeviceValue (already bound to a context), HostValue (host-resident
// array data) and plain Go scalars (only meaningful as kernel size/scalar
// arguments, see package kernels).
type Value any
