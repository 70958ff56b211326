// Package devices defines the interface a device runtime needs to implement to
// execute kernels dispatched by this module, and the registration of the
// available runtime implementations.
//
// A Runtime models one accelerator driver: it owns buffer allocation, host
// transfer, kernel compilation and launch queues for a number of devices. The
// core (packages gpuarray and kernels) only ever talks to a device through this
// interface; see devices/hostsim for the pure-Go implementation used for
// development and tests.
package devices

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// DeviceNum identifies one device of a Runtime.
// It should be between 0 and Runtime.NumDevices.
type DeviceNum int

// Buffer is an opaque handle to a device-resident allocation.
// It is created by Runtime.Allocate and only meaningful to the Runtime that
// created it.
type Buffer any

// Binary is an opaque handle to a compiled kernel, created by Runtime.Compile
// and only meaningful to the Runtime that created it.
type Binary any

// Runtime is the API a device runtime needs to implement.
//
// Each device of a Runtime executes work in one queue: work submitted to the
// same device executes in submission order; there is no ordering across
// devices unless the caller synchronizes explicitly.
type Runtime interface {
	// Name returns the short name of the runtime. E.g.: "hostsim" for the
	// pure-Go simulated runtime.
	Name() string

	// Description is a longer description of the runtime, for pretty-printing.
	Description() string

	// NumDevices returns the number of devices available.
	NumDevices() DeviceNum

	// Capabilities of the given device, e.g. supported numeric precisions.
	Capabilities(device DeviceNum) Capabilities

	// Allocate size bytes on the device.
	// Failure to allocate returns an error wrapping ErrAllocation.
	Allocate(device DeviceNum, size int) (Buffer, error)

	// CopyHostToDevice enqueues a copy of src into buffer at byte offset.
	// The returned Completion observes the end of the copy.
	CopyHostToDevice(buffer Buffer, offset int, src []byte) (Completion, error)

	// CopyDeviceToHost enqueues a copy from buffer at byte offset into dst.
	CopyDeviceToHost(dst []byte, buffer Buffer, offset int) (Completion, error)

	// Compile kernel source for the device, with the runtime-specific flag
	// tokens. Rejection by the toolchain returns an error wrapping
	// ErrCompilation.
	Compile(device DeviceNum, source, entry string, flags []string) (Binary, error)

	// EnqueueLaunch submits a launch of binary with the given marshaled
	// arguments and local/global work sizes on the device's queue.
	// It returns an error wrapping ErrLaunch if the device rejects the launch;
	// asynchronous execution failures are reported by the Completion.
	EnqueueLaunch(device DeviceNum, binary Binary, args []Arg, local, global []uint64) (Completion, error)

	// Synchronize blocks until the given completion is observed and returns
	// its error, if any.
	Synchronize(completion Completion) error

	// BufferFinalize informs the runtime the buffer is no longer needed and
	// its resources can be freed immediately.
	BufferFinalize(buffer Buffer) error

	// Finalize releases all associated resources immediately and makes the
	// runtime invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Runtime.
type Constructor func(config string) (Runtime, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a runtime with the given name and a constructor that takes a
// runtime-specific configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if _, found := registeredConstructors[name]; found {
		exceptions.Panicf("devices.Register: runtime %q registered twice", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered runtimes.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// DefaultConfig is the runtime configuration to use if the environment
// variable ConfigEnvVar is not set.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default runtime
// configuration.
//
// The format of the configuration is "<runtime_name>:<runtime_config>".
// "<runtime_name>" is the name of a registered runtime (e.g.: "hostsim") and
// "<runtime_config>" is runtime specific.
const ConfigEnvVar = "THEANO_DEVICE"

// New returns a new Runtime using the default configuration.
//
// The default is:
//
//  1. The environment variable ConfigEnvVar, if set.
//  2. The variable DefaultConfig, if set.
//  3. The first registered runtime, with an empty configuration.
//
// It fails if no runtime was registered.
func New() (Runtime, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New but panics on error.
func MustNew() Runtime {
	rt, err := New()
	if err != nil {
		panic(err)
	}
	return rt
}

// NewWithConfig takes a configuration string formatted as
// "<runtime_name>:<runtime_config>" and returns the corresponding Runtime.
//
// An empty runtime name selects the first registered runtime.
func NewWithConfig(config string) (Runtime, error) {
	name := config
	runtimeConfig := ""
	if idx := strings.Index(config, ":"); idx >= 0 {
		name = config[:idx]
		runtimeConfig = config[idx+1:]
	}
	if name == "" {
		name = firstRegistered
	}
	if name == "" {
		return nil, errors.Errorf("no device runtime registered: import one, e.g. " +
			"_ \"github.com/BillTheBest/Theano/devices/hostsim\"")
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("device runtime %q not registered: available runtimes are %q", name, List())
	}
	return constructor(runtimeConfig)
}
