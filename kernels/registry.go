package kernels

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Handle is the opaque, context-independent result of registering a kernel
// spec. The same handle resolves to different Compiled kernels on different
// contexts; see Cache.Resolve.
type Handle struct {
	spec Spec
	key  string
}

// Register validates spec and returns its handle.
//
// Validation fails with ErrInvalidSpec if the entry name is empty or not a
// single token, or if the source carries a "#kernel" annotation header that
// contradicts the spec's entry, signature or flags. A malformed annotation
// header fails with ErrSpecSyntax. Registration never talks to a device:
// compilation happens at resolve time.
func Register(spec Spec) (*Handle, error) {
	if spec.Entry == "" {
		return nil, errors.Wrap(ErrInvalidSpec, "entry name is empty")
	}
	if strings.ContainsAny(spec.Entry, " \t\n:") {
		return nil, errors.Wrapf(ErrInvalidSpec, "entry name %q is not a single token", spec.Entry)
	}
	if HasHeader(spec.Source) {
		annotated, err := ParseSpec(spec.Source)
		if err != nil {
			return nil, err
		}
		if annotated.Entry != spec.Entry {
			return nil, errors.Wrapf(ErrInvalidSpec,
				"source annotation declares kernel %q, spec says %q", annotated.Entry, spec.Entry)
		}
		if !slices.Equal(annotated.Params, spec.Params) {
			return nil, errors.Wrapf(ErrInvalidSpec,
				"source annotation declares signature (%s), spec says (%s)",
				annotated.paramTokens(), spec.paramTokens())
		}
		if annotated.Flags != spec.Flags {
			return nil, errors.Wrapf(ErrInvalidSpec,
				"source annotation declares flags %s, spec says %s", annotated.Flags, spec.Flags)
		}
	}
	spec = spec.Clone()
	return &Handle{spec: spec, key: spec.Key()}, nil
}

// MustRegister is like Register but panics on error. Meant for kernels
// declared as package variables.
func MustRegister(spec Spec) *Handle {
	h, err := Register(spec)
	if err != nil {
		panic(err)
	}
	return h
}

// RegisterParsed parses an annotated kernel source and registers the result.
func RegisterParsed(text string) (*Handle, error) {
	spec, err := ParseSpec(text)
	if err != nil {
		return nil, err
	}
	return Register(spec)
}

// Spec returns a copy of the registered spec.
func (h *Handle) Spec() Spec { return h.spec.Clone() }

// Entry is the kernel's entry-point name.
func (h *Handle) Entry() string { return h.spec.Entry }

// Key is the canonical value-identity of the registered spec.
func (h *Handle) Key() string { return h.key }

// String implements fmt.Stringer.
func (h *Handle) String() string { return h.spec.String() }
