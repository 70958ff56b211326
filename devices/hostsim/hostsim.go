// Package hostsim implements a pure-Go simulated device runtime.
//
// Simply import it with
//
//	import _ "github.com/BillTheBest/Theano/devices/hostsim"
//
// to make it available; it registers itself as runtime "hostsim" during
// initialization.
//
// Each simulated device owns one FIFO queue goroutine, reproducing the stream
// execution model: operations submitted to the same device complete in
// submission order, operations on different devices are unordered. Buffers
// are host byte slices counted against a configurable memory limit. Kernels
// execute as Go functions registered with RegisterKernelFunc under the
// kernel's entry name; Compile only checks that the entry appears in the
// source and that the requested flags are within the device's capabilities.
package hostsim

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BillTheBest/Theano/devices"
	"github.com/BillTheBest/Theano/types/xsync"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RuntimeName is the name hostsim registers itself under.
const RuntimeName = "hostsim"

func init() {
	devices.Register(RuntimeName, func(config string) (devices.Runtime, error) {
		return New(config)
	})
}

// Runtime is the simulated device runtime.
type Runtime struct {
	devs        []*device
	kernelFuncs xsync.SyncMap[string, KernelFunc]
	finalized   atomic.Bool
}

var _ devices.Runtime = (*Runtime)(nil)

// New returns a hostsim Runtime from a configuration string of
// comma-separated key=value settings:
//
//	devices=N     number of simulated devices (default 1)
//	mem=SIZE      per-device memory limit, humanized (default "256MiB")
//	float64=off   disable double-precision support
//	float16=off   disable half-precision support
//	group=N       max work-group size (default 1024)
func New(config string) (*Runtime, error) {
	numDevices := 1
	memLimit := int64(256 * 1024 * 1024)
	caps := devices.Capabilities{Float64: true, Float16: true, MaxWorkGroupSize: 1024}

	if config != "" {
		for _, setting := range strings.Split(config, ",") {
			key, value, found := strings.Cut(setting, "=")
			if !found {
				return nil, errors.Errorf("hostsim: config setting %q is not key=value", setting)
			}
			switch key {
			case "devices":
				n, err := strconv.Atoi(value)
				if err != nil || n < 1 {
					return nil, errors.Errorf("hostsim: invalid devices count %q", value)
				}
				numDevices = n
			case "mem":
				bytes, err := humanize.ParseBytes(value)
				if err != nil {
					return nil, errors.Wrapf(err, "hostsim: invalid mem limit %q", value)
				}
				memLimit = int64(bytes)
			case "float64":
				caps.Float64 = value != "off"
			case "float16":
				caps.Float16 = value != "off"
			case "group":
				n, err := strconv.ParseUint(value, 10, 64)
				if err != nil {
					return nil, errors.Errorf("hostsim: invalid group size %q", value)
				}
				caps.MaxWorkGroupSize = n
			default:
				return nil, errors.Errorf("hostsim: unknown config key %q", key)
			}
		}
	}
	caps.TotalMemory = uint64(memLimit)

	rt := &Runtime{devs: make([]*device, numDevices)}
	for i := range rt.devs {
		rt.devs[i] = newDevice(devices.DeviceNum(i), caps, memLimit)
	}
	klog.V(1).Infof("hostsim: %d device(s), %s each", numDevices, humanize.IBytes(uint64(memLimit)))
	return rt, nil
}

// Name implements devices.Runtime.
func (rt *Runtime) Name() string { return RuntimeName }

// Description implements devices.Runtime.
func (rt *Runtime) Description() string {
	return fmt.Sprintf("pure-Go simulated device runtime, %d device(s)", len(rt.devs))
}

// NumDevices implements devices.Runtime.
func (rt *Runtime) NumDevices() devices.DeviceNum { return devices.DeviceNum(len(rt.devs)) }

// Capabilities implements devices.Runtime.
func (rt *Runtime) Capabilities(deviceNum devices.DeviceNum) devices.Capabilities {
	return rt.dev(deviceNum).caps
}

func (rt *Runtime) dev(deviceNum devices.DeviceNum) *device {
	if rt.finalized.Load() {
		panic(errors.Errorf("hostsim: runtime already finalized"))
	}
	if deviceNum < 0 || int(deviceNum) >= len(rt.devs) {
		panic(errors.Errorf("hostsim: device %d out of range (have %d)", deviceNum, len(rt.devs)))
	}
	return rt.devs[deviceNum]
}

// RegisterKernelFunc binds the Go implementation of a kernel entry point.
// Launches of binaries compiled for this entry execute fn on the device's
// queue goroutine.
func (rt *Runtime) RegisterKernelFunc(entry string, fn KernelFunc) {
	rt.kernelFuncs.Store(entry, fn)
}

// Allocate implements devices.Runtime.
func (rt *Runtime) Allocate(deviceNum devices.DeviceNum, size int) (devices.Buffer, error) {
	dev := rt.dev(deviceNum)
	return dev.allocate(size)
}

// CopyHostToDevice implements devices.Runtime.
func (rt *Runtime) CopyHostToDevice(buffer devices.Buffer, offset int, src []byte) (devices.Completion, error) {
	buf, err := asBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+len(src) > len(buf.data) {
		return nil, errors.Errorf("hostsim: copy of %d bytes at offset %d overruns %d-byte buffer",
			len(src), offset, len(buf.data))
	}
	src = append([]byte(nil), src...) // caller may reuse src after submission
	return buf.dev.submit(func() error {
		copy(buf.data[offset:], src)
		return nil
	}), nil
}

// CopyDeviceToHost implements devices.Runtime.
func (rt *Runtime) CopyDeviceToHost(dst []byte, buffer devices.Buffer, offset int) (devices.Completion, error) {
	buf, err := asBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+len(dst) > len(buf.data) {
		return nil, errors.Errorf("hostsim: copy of %d bytes at offset %d overruns %d-byte buffer",
			len(dst), offset, len(buf.data))
	}
	return buf.dev.submit(func() error {
		copy(dst, buf.data[offset:])
		return nil
	}), nil
}

// Compile implements devices.Runtime. The simulated toolchain checks that the
// entry point appears in the source and that the flags are supported by the
// device; the "binary" is just the validated (entry, flags) pair.
func (rt *Runtime) Compile(deviceNum devices.DeviceNum, source, entry string, flags []string) (devices.Binary, error) {
	dev := rt.dev(deviceNum)
	if !strings.Contains(source, entry) {
		return nil, errors.Wrapf(devices.ErrCompilation,
			"hostsim: entry point %q not found in kernel source", entry)
	}
	for _, flag := range flags {
		switch flag {
		case "double":
			if !dev.caps.Float64 {
				return nil, errors.Wrapf(devices.ErrCompilation,
					"hostsim: device %d compiled without double-precision support", deviceNum)
			}
		case "half":
			if !dev.caps.Float16 {
				return nil, errors.Wrapf(devices.ErrCompilation,
					"hostsim: device %d compiled without half-precision support", deviceNum)
			}
		case "small":
			// Always accepted: the simulation ignores addressing width.
		default:
			return nil, errors.Wrapf(devices.ErrCompilation, "hostsim: unknown compilation flag %q", flag)
		}
	}
	return &binary{entry: entry, flags: append([]string(nil), flags...)}, nil
}

// EnqueueLaunch implements devices.Runtime.
func (rt *Runtime) EnqueueLaunch(deviceNum devices.DeviceNum, bin devices.Binary, args []devices.Arg, local, global []uint64) (devices.Completion, error) {
	dev := rt.dev(deviceNum)
	b, ok := bin.(*binary)
	if !ok {
		return nil, errors.Wrapf(devices.ErrLaunch, "hostsim: binary was not compiled by this runtime, got %T", bin)
	}
	if max := dev.caps.MaxWorkGroupSize; max > 0 {
		groupSize := uint64(1)
		for _, l := range local {
			groupSize *= l
		}
		if groupSize > max {
			return nil, errors.Wrapf(devices.ErrLaunch,
				"hostsim: work-group size %d exceeds device limit %d", groupSize, max)
		}
	}
	fn, found := rt.kernelFuncs.Load(b.entry)
	if !found {
		return nil, errors.Wrapf(devices.ErrLaunch,
			"hostsim: no kernel function registered for entry %q", b.entry)
	}
	call := &Call{
		Args:   append([]devices.Arg(nil), args...),
		Local:  append([]uint64(nil), local...),
		Global: append([]uint64(nil), global...),
	}
	return dev.submit(func() error {
		if err := fn(call); err != nil {
			return errors.Wrapf(devices.ErrLaunch, "hostsim: kernel %q failed: %s", b.entry, err)
		}
		return nil
	}), nil
}

// Synchronize implements devices.Runtime.
func (rt *Runtime) Synchronize(completion devices.Completion) error {
	<-completion.Done()
	return completion.Err()
}

// BufferFinalize implements devices.Runtime.
func (rt *Runtime) BufferFinalize(buffer devices.Buffer) error {
	buf, err := asBuffer(buffer)
	if err != nil {
		return err
	}
	return buf.free()
}

// Finalize implements devices.Runtime. It drains every device queue.
func (rt *Runtime) Finalize() {
	if rt.finalized.Swap(true) {
		return
	}
	var wg sync.WaitGroup
	for _, dev := range rt.devs {
		wg.Add(1)
		go func(dev *device) {
			defer wg.Done()
			dev.drain()
		}(dev)
	}
	wg.Wait()
	klog.V(1).Infof("hostsim: finalized")
}

type binary struct {
	entry string
	flags []string
}

func asBuffer(b devices.Buffer) (*simBuffer, error) {
	buf, ok := b.(*simBuffer)
	if !ok {
		return nil, errors.Errorf("hostsim: buffer was not allocated by this runtime, got %T", b)
	}
	return buf, nil
}
