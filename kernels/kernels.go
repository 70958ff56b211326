// Package kernels implements the kernel lifecycle of the GPU dispatch
// subsystem: the declarative description of a device kernel (Spec), the
// textual "#kernel" mini-language it can be parsed from, the per-context
// compilation cache with single-flight semantics, and the typed binding of
// runtime arguments to a kernel launch.
//
// The flow mirrors how a graph node uses it: Register a Spec once (or
// ParseSpec it from annotated source), Resolve it on the node's bound context
// to get a Compiled kernel -- compiled at most once per (context, spec, flags)
// key -- then BindAndLaunch it with the node's operands and a LaunchPlan.
package kernels

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// ParamKind is the type tag of one kernel parameter.
type ParamKind uint8

const (
	// KindPointer is a device-buffer-pointer parameter: at call time it binds
	// a DeviceValue on the kernel's context, marshaled as buffer handle plus
	// byte offset.
	KindPointer ParamKind = iota

	// KindSignedSize is a signed size/index parameter, marshaled as a raw
	// 64-bit integer.
	KindSignedSize

	// KindUnsignedSize is an unsigned size parameter; call-site values must
	// be non-negative.
	KindUnsignedSize

	// KindScalar is a numeric scalar passed by value; the concrete type is
	// the ParamSpec's DType, marshaled as its raw bit pattern.
	KindScalar
)

// String implements fmt.Stringer.
func (k ParamKind) String() string {
	switch k {
	case KindPointer:
		return "pointer"
	case KindSignedSize:
		return "signed-size"
	case KindUnsignedSize:
		return "unsigned-size"
	case KindScalar:
		return "scalar"
	}
	return fmt.Sprintf("ParamKind(%d)", k)
}

// ParamSpec is one parameter of a kernel's calling signature. DType is only
// set for KindScalar parameters.
type ParamSpec struct {
	Kind  ParamKind
	DType dtypes.DType
}

// Token returns the mini-language token for the parameter, e.g. "pointer",
// "unsigned-size" or a scalar dtype tag like "float32".
func (p ParamSpec) Token() string {
	if p.Kind == KindScalar {
		return strings.ToLower(p.DType.String())
	}
	return p.Kind.String()
}

// FlagSet is a set of kernel compilation flags.
type FlagSet uint8

const (
	// FlagDouble requires double-precision support from the device toolchain.
	FlagDouble FlagSet = 1 << iota

	// FlagHalf requires half-precision support.
	FlagHalf

	// FlagSmall allows the toolchain to assume 32-bit addressing, for cheaper
	// index arithmetic on devices that support it.
	FlagSmall
)

// flagTokens in canonical serialization order.
var flagTokens = []struct {
	flag  FlagSet
	token string
}{
	{FlagDouble, "double"},
	{FlagHalf, "half"},
	{FlagSmall, "small"},
}

// Has returns whether all flags in o are set.
func (f FlagSet) Has(o FlagSet) bool { return f&o == o }

// Tokens returns the mini-language tokens of the set flags, in canonical order.
func (f FlagSet) Tokens() []string {
	var tokens []string
	for _, ft := range flagTokens {
		if f.Has(ft.flag) {
			tokens = append(tokens, ft.token)
		}
	}
	return tokens
}

// String implements fmt.Stringer, e.g. "double|small" or "none".
func (f FlagSet) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Tokens(), "|")
}

// Spec is the immutable description of one compiled kernel: its source text,
// entry-point name, ordered calling signature and compilation flags.
//
// Two Specs are equal iff all fields are equal; equality (through Key) is what
// the compilation cache is keyed on, never object identity.
type Spec struct {
	// Source is the kernel source text handed to the device toolchain.
	Source string

	// Entry is the kernel entry-point name.
	Entry string

	// Params is the ordered calling signature.
	Params []ParamSpec

	// Flags are the compilation flags always required by this kernel.
	// Flags implied by concrete call-site operand types are added per
	// resolve, see Cache.Resolve and ImpliedFlags.
	Flags FlagSet
}

// Equal reports whether the two specs have equal source, entry, signature and
// flags.
func (s Spec) Equal(o Spec) bool {
	return s.Source == o.Source &&
		s.Entry == o.Entry &&
		s.Flags == o.Flags &&
		slices.Equal(s.Params, o.Params)
}

// Clone returns a deep copy of the spec.
func (s Spec) Clone() Spec {
	c := s
	c.Params = slices.Clone(s.Params)
	return c
}

// paramTokens serializes the signature as the mini-language comma list.
func (s Spec) paramTokens() string {
	tokens := make([]string, len(s.Params))
	for i, p := range s.Params {
		tokens[i] = p.Token()
	}
	return strings.Join(tokens, ", ")
}

// Key returns a canonical string identifying the spec by value: equal specs
// have equal keys, distinct specs collide only if sha256 does.
func (s Spec) Key() string {
	sourceHash := sha256.Sum256([]byte(s.Source))
	return fmt.Sprintf("%s(%s):%s@%s",
		s.Entry, s.paramTokens(), s.Flags, hex.EncodeToString(sourceHash[:16]))
}

// String implements fmt.Stringer with a short description (no source text).
func (s Spec) String() string {
	return fmt.Sprintf("Kernel %s(%s) flags=%s", s.Entry, s.paramTokens(), s.Flags)
}
