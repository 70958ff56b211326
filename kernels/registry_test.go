package kernels

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	spec := Spec{
		Source: "__kernel void axpy(...) {}",
		Entry:  "axpy",
		Params: []ParamSpec{{Kind: KindPointer}, {Kind: KindScalar, DType: dtypes.Float32}},
	}
	h, err := Register(spec)
	require.NoError(t, err)
	require.Equal(t, "axpy", h.Entry())
	require.Equal(t, spec.Key(), h.Key())

	// The handle holds its own copy of the spec.
	spec.Params[0].Kind = KindSignedSize
	require.Equal(t, KindPointer, h.Spec().Params[0].Kind)
}

func TestRegisterInvalidEntry(t *testing.T) {
	_, err := Register(Spec{Source: "x", Entry: ""})
	require.ErrorIs(t, err, ErrInvalidSpec)

	_, err = Register(Spec{Source: "x", Entry: "two words"})
	require.ErrorIs(t, err, ErrInvalidSpec)
}

func TestRegisterAnnotatedSource(t *testing.T) {
	h, err := Register(Spec{
		Source: vectorScaleText,
		Entry:  "vector_scale",
		Params: []ParamSpec{
			{Kind: KindPointer},
			{Kind: KindUnsignedSize},
			{Kind: KindScalar, DType: dtypes.Float32},
		},
		Flags: FlagDouble | FlagSmall,
	})
	require.NoError(t, err)
	require.Equal(t, "vector_scale", h.Entry())
}

func TestRegisterAnnotationMismatch(t *testing.T) {
	params := []ParamSpec{
		{Kind: KindPointer},
		{Kind: KindUnsignedSize},
		{Kind: KindScalar, DType: dtypes.Float32},
	}

	// Entry mismatch.
	_, err := Register(Spec{Source: vectorScaleText, Entry: "other", Params: params, Flags: FlagDouble | FlagSmall})
	require.ErrorIs(t, err, ErrInvalidSpec)

	// Signature mismatch.
	_, err = Register(Spec{Source: vectorScaleText, Entry: "vector_scale", Params: params[:1], Flags: FlagDouble | FlagSmall})
	require.ErrorIs(t, err, ErrInvalidSpec)

	// Flags mismatch.
	_, err = Register(Spec{Source: vectorScaleText, Entry: "vector_scale", Params: params, Flags: FlagHalf})
	require.ErrorIs(t, err, ErrInvalidSpec)

	// Malformed annotation is a syntax error, not a mismatch.
	_, err = Register(Spec{Source: "#kernel broken\ncode", Entry: "broken"})
	require.ErrorIs(t, err, ErrSpecSyntax)
}

func TestRegisterParsed(t *testing.T) {
	h, err := RegisterParsed(vectorScaleText)
	require.NoError(t, err)
	require.Equal(t, "vector_scale", h.Entry())
	require.Len(t, h.Spec().Params, 3)

	_, err = RegisterParsed("no header here")
	require.ErrorIs(t, err, ErrSpecSyntax)
}
