// Package devicetest provides a recording fake devices.Runtime for tests:
// every allocation, copy, compilation and launch is recorded, completions are
// immediate, and each operation kind can be made to fail on demand.
//
// Buffers are host byte slices, so tests can round-trip data through the fake
// and inspect what a launch would have seen.
package devicetest

import (
	"sync"
	"time"

	"github.com/BillTheBest/Theano/devices"
	"github.com/pkg/errors"
)

// Buffer is the fake's device allocation: plain host bytes.
type Buffer struct {
	Data  []byte
	Freed bool
}

// Binary is the fake's compiled kernel handle.
type Binary struct {
	Device devices.DeviceNum
	Source string
	Entry  string
	Flags  []string
}

// CompileCall records one Compile invocation.
type CompileCall struct {
	Device devices.DeviceNum
	Source string
	Entry  string
	Flags  []string
}

// LaunchCall records one EnqueueLaunch invocation.
type LaunchCall struct {
	Device devices.DeviceNum
	Binary *Binary
	Args   []devices.Arg
	Local  []uint64
	Global []uint64
}

// Runtime is the recording fake. Create with NewRuntime; the Fail* fields and
// Caps may be adjusted between operations.
type Runtime struct {
	// Caps returned for every device.
	Caps devices.Capabilities

	// FailAllocations makes Allocate fail with devices.ErrAllocation.
	FailAllocations bool
	// FailCompiles makes Compile fail with devices.ErrCompilation.
	FailCompiles bool
	// FailLaunches makes EnqueueLaunch fail with devices.ErrLaunch.
	FailLaunches bool

	// CompileDelay is slept inside Compile, to widen the race window in
	// single-flight tests.
	CompileDelay time.Duration

	numDevices devices.DeviceNum

	mu         sync.Mutex
	compiles   []CompileCall
	launches   []LaunchCall
	allocCount int
	h2dCount   int
	d2hCount   int
	freeCount  int
	finalized  bool
}

var _ devices.Runtime = (*Runtime)(nil)

// NewRuntime returns a fake with the given number of devices, supporting all
// precisions.
func NewRuntime(numDevices int) *Runtime {
	return &Runtime{
		numDevices: devices.DeviceNum(numDevices),
		Caps:       devices.Capabilities{Float64: true, Float16: true},
	}
}

// Name implements devices.Runtime.
func (rt *Runtime) Name() string { return "devicetest" }

// Description implements devices.Runtime.
func (rt *Runtime) Description() string { return "recording fake device runtime" }

// NumDevices implements devices.Runtime.
func (rt *Runtime) NumDevices() devices.DeviceNum { return rt.numDevices }

// Capabilities implements devices.Runtime.
func (rt *Runtime) Capabilities(device devices.DeviceNum) devices.Capabilities { return rt.Caps }

// Allocate implements devices.Runtime.
func (rt *Runtime) Allocate(device devices.DeviceNum, size int) (devices.Buffer, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.FailAllocations {
		return nil, errors.Wrapf(devices.ErrAllocation, "devicetest: refusing %d bytes on device %d", size, device)
	}
	rt.allocCount++
	return &Buffer{Data: make([]byte, size)}, nil
}

// CopyHostToDevice implements devices.Runtime.
func (rt *Runtime) CopyHostToDevice(buffer devices.Buffer, offset int, src []byte) (devices.Completion, error) {
	buf := buffer.(*Buffer)
	rt.mu.Lock()
	rt.h2dCount++
	rt.mu.Unlock()
	copy(buf.Data[offset:], src)
	return devices.Completed(nil), nil
}

// CopyDeviceToHost implements devices.Runtime.
func (rt *Runtime) CopyDeviceToHost(dst []byte, buffer devices.Buffer, offset int) (devices.Completion, error) {
	buf := buffer.(*Buffer)
	rt.mu.Lock()
	rt.d2hCount++
	rt.mu.Unlock()
	copy(dst, buf.Data[offset:])
	return devices.Completed(nil), nil
}

// Compile implements devices.Runtime.
func (rt *Runtime) Compile(device devices.DeviceNum, source, entry string, flags []string) (devices.Binary, error) {
	if rt.CompileDelay > 0 {
		time.Sleep(rt.CompileDelay)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.compiles = append(rt.compiles, CompileCall{Device: device, Source: source, Entry: entry, Flags: flags})
	if rt.FailCompiles {
		return nil, errors.Wrapf(devices.ErrCompilation, "devicetest: rejecting kernel %q", entry)
	}
	return &Binary{Device: device, Source: source, Entry: entry, Flags: flags}, nil
}

// EnqueueLaunch implements devices.Runtime.
func (rt *Runtime) EnqueueLaunch(device devices.DeviceNum, binary devices.Binary, args []devices.Arg, local, global []uint64) (devices.Completion, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.FailLaunches {
		return nil, errors.Wrapf(devices.ErrLaunch, "devicetest: rejecting launch on device %d", device)
	}
	rt.launches = append(rt.launches, LaunchCall{
		Device: device,
		Binary: binary.(*Binary),
		Args:   append([]devices.Arg(nil), args...),
		Local:  append([]uint64(nil), local...),
		Global: append([]uint64(nil), global...),
	})
	return devices.Completed(nil), nil
}

// Synchronize implements devices.Runtime.
func (rt *Runtime) Synchronize(completion devices.Completion) error {
	<-completion.Done()
	return completion.Err()
}

// BufferFinalize implements devices.Runtime.
func (rt *Runtime) BufferFinalize(buffer devices.Buffer) error {
	buf := buffer.(*Buffer)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if buf.Freed {
		return errors.Errorf("devicetest: buffer finalized twice")
	}
	buf.Freed = true
	rt.freeCount++
	return nil
}

// Finalize implements devices.Runtime.
func (rt *Runtime) Finalize() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.finalized = true
}

// CompileCount returns how many Compile calls were issued.
func (rt *Runtime) CompileCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.compiles)
}

// Compiles returns a snapshot of the recorded Compile calls.
func (rt *Runtime) Compiles() []CompileCall {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]CompileCall(nil), rt.compiles...)
}

// LaunchCount returns how many launches were enqueued.
func (rt *Runtime) LaunchCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.launches)
}

// Launches returns a snapshot of the recorded launches.
func (rt *Runtime) Launches() []LaunchCall {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]LaunchCall(nil), rt.launches...)
}

// AllocCount returns how many allocations succeeded.
func (rt *Runtime) AllocCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.allocCount
}

// CopyToDeviceCount returns how many host-to-device copies were issued.
func (rt *Runtime) CopyToDeviceCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.h2dCount
}

// CopyToHostCount returns how many device-to-host copies were issued.
func (rt *Runtime) CopyToHostCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.d2hCount
}

// FreeCount returns how many buffers were finalized.
func (rt *Runtime) FreeCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.freeCount
}
