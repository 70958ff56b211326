package gpuarray

import "github.com/pkg/errors"

// Sentinel errors for context selection and value adaptation. They are always
// returned wrapped with call context; test with errors.Is. None of them is
// recovered transparently: silently guessing a context, or hiding a transfer
// inside argument coercion, is worse than failing loudly.
var (
	// ErrNoContext indicates no operand carries a device context, so there is
	// nothing to infer from. The caller must supply an explicit context.
	ErrNoContext = errors.New("no operand is bound to a device context")

	// ErrContextConflict indicates the operands span more than one distinct
	// context. The caller must resolve the conflict with an explicit transfer
	// before reattempting.
	ErrContextConflict = errors.New("operands are bound to conflicting device contexts")

	// ErrCrossContext indicates the adapter was asked to accept a value bound
	// to a different context. Automatic cross-device transfer is refused so
	// that data-movement cost is always explicit at the call site.
	ErrCrossContext = errors.New("value is bound to a different device context")
)
