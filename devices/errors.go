package devices

import "github.com/pkg/errors"

// Sentinel errors for the failure kinds a device runtime reports. Runtime
// implementations wrap these (errors.Wrapf and friends) with call context;
// callers test with errors.Is. None of them is recovered transparently inside
// the core: each is a caller-visible condition.
var (
	// ErrAllocation indicates a device allocation failed, a caller-visible
	// resource exhaustion signal. It is not retried by the core.
	ErrAllocation = errors.New("device allocation failed")

	// ErrCompilation indicates the device toolchain rejected kernel source.
	// The kernel cache records it as a permanent failure for the key.
	ErrCompilation = errors.New("kernel compilation failed")

	// ErrLaunch indicates the device rejected or failed a kernel launch
	// (invalid work-group size, out of resources). The caller decides whether
	// to retry.
	ErrLaunch = errors.New("kernel launch failed")
)
