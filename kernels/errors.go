package kernels

import "github.com/pkg/errors"

// Sentinel errors for kernel registration and invocation. Always returned
// wrapped with call context; test with errors.Is. Compilation and launch
// failures reuse devices.ErrCompilation and devices.ErrLaunch.
var (
	// ErrInvalidSpec indicates a kernel spec that fails validation at
	// registration time: empty entry name, or a signature that contradicts the
	// "#kernel" annotation carried by the kernel source.
	ErrInvalidSpec = errors.New("invalid kernel spec")

	// ErrSpecSyntax indicates a malformed "#kernel" header: wrong field
	// count, unknown parameter-kind token or unknown flag token.
	ErrSpecSyntax = errors.New("malformed kernel spec header")

	// ErrArgumentMismatch indicates call-site arguments that disagree with
	// the kernel's signature in count or kind. It is raised before any device
	// call is issued.
	ErrArgumentMismatch = errors.New("arguments do not match kernel signature")
)
