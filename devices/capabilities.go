package devices

// Capabilities describes what one device supports. The kernel cache consults
// it before compiling: a kernel requiring a precision the device lacks fails
// at resolve time instead of at the toolchain.
type Capabilities struct {
	// Float64 indicates support for double-precision arithmetic in kernels.
	Float64 bool

	// Float16 indicates support for half-precision arithmetic in kernels.
	Float16 bool

	// SmallAddressing indicates the device only guarantees 32-bit addressing
	// inside kernels; kernels compiled with the "small" flag may use it for
	// cheaper index arithmetic.
	SmallAddressing bool

	// MaxWorkGroupSize is the maximum product of the local work sizes of a
	// launch, 0 meaning unlimited.
	MaxWorkGroupSize uint64

	// TotalMemory in bytes available for allocation on the device,
	// 0 meaning unreported.
	TotalMemory uint64
}
