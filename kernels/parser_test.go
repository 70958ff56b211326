package kernels

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

const vectorScaleText = `#kernel vector_scale : pointer, unsigned-size, float32 : double|small
__kernel void vector_scale(__global float *data, ulong n, float alpha) {
    size_t i = get_global_id(0);
    if (i < n) data[i] *= alpha;
}`

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec(vectorScaleText)
	require.NoError(t, err)
	require.Equal(t, "vector_scale", spec.Entry)
	require.Equal(t, []ParamSpec{
		{Kind: KindPointer},
		{Kind: KindUnsignedSize},
		{Kind: KindScalar, DType: dtypes.Float32},
	}, spec.Params)
	require.Equal(t, FlagDouble|FlagSmall, spec.Flags)
	require.Contains(t, spec.Source, "get_global_id")
	require.False(t, HasHeader(spec.Source))
}

func TestParseSpecEmptyFields(t *testing.T) {
	// No flags and no params are both legal.
	spec, err := ParseSpec("#kernel noop :  : \nvoid noop() {}")
	require.NoError(t, err)
	require.Equal(t, "noop", spec.Entry)
	require.Empty(t, spec.Params)
	require.Equal(t, FlagSet(0), spec.Flags)
}

func TestParseSpecErrors(t *testing.T) {
	for name, text := range map[string]string{
		"no header":         "__kernel void f() {}",
		"two fields":        "#kernel f : pointer\nsource",
		"four fields":       "#kernel f : pointer : double : extra\nsource",
		"empty name":        "#kernel  : pointer : \nsource",
		"name with spaces":  "#kernel two words : pointer : \nsource",
		"unknown kind":      "#kernel f : gizmo : \nsource",
		"unknown dtype tag": "#kernel f : float128 : \nsource",
		"unknown flag":      "#kernel f : pointer : quad\nsource",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSpec(text)
			require.ErrorIs(t, err, ErrSpecSyntax)
		})
	}
}

func TestSpecRoundTrip(t *testing.T) {
	original, err := ParseSpec(vectorScaleText)
	require.NoError(t, err)

	reparsed, err := ParseSpec(original.Format())
	require.NoError(t, err)
	require.True(t, original.Equal(reparsed))
	require.Equal(t, original.Key(), reparsed.Key())
}

func TestSpecRoundTripNoFlags(t *testing.T) {
	original := Spec{
		Source: "void add() {}\n",
		Entry:  "add",
		Params: []ParamSpec{{Kind: KindPointer}, {Kind: KindSignedSize}},
	}
	reparsed, err := ParseSpec(original.Format())
	require.NoError(t, err)
	require.True(t, original.Equal(reparsed))
}

func TestSpecKey(t *testing.T) {
	a, err := ParseSpec(vectorScaleText)
	require.NoError(t, err)
	b := a.Clone()
	require.Equal(t, a.Key(), b.Key())

	// Any field change separates the keys.
	b.Source += "\n// trailing comment"
	require.NotEqual(t, a.Key(), b.Key())

	c := a.Clone()
	c.Flags = FlagDouble
	require.NotEqual(t, a.Key(), c.Key())

	d := a.Clone()
	d.Params = d.Params[:2]
	require.NotEqual(t, a.Key(), d.Key())
}
