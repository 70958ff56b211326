package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 3, 4)
	require.True(t, s.Ok())
	require.Equal(t, 2, s.Rank())
	require.Equal(t, 12, s.Size())
	require.Equal(t, uintptr(48), s.Memory())
	require.Equal(t, "(Float32)[3 4]", s.String())

	require.Panics(t, func() { Make(dtypes.Float32, 3, 0) })
	require.Panics(t, func() { Make(dtypes.Float32, -1) })
}

func TestScalar(t *testing.T) {
	s := Scalar[float64]()
	require.True(t, s.IsScalar())
	require.Equal(t, dtypes.Float64, s.DType)
	require.Equal(t, 1, s.Size())
	require.Equal(t, uintptr(8), s.Memory())
	require.Equal(t, "(Float64)", s.String())
}

func TestInvalid(t *testing.T) {
	require.False(t, Invalid().Ok())
	require.False(t, Shape{}.Ok())
	require.False(t, Invalid().IsScalar())
	require.Equal(t, "(invalid)", Invalid().String())
}

func TestStrides(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	require.Equal(t, []int{48, 16, 4}, s.Strides())
	require.Empty(t, Scalar[int32]().Strides())
}

func TestEqualAndClone(t *testing.T) {
	a := Make(dtypes.Int64, 2, 3)
	b := a.Clone()
	require.True(t, a.Equal(b))

	b.Dimensions[0] = 7
	require.False(t, a.Equal(b))
	require.Equal(t, 2, a.Dimensions[0])

	require.False(t, a.Equal(Make(dtypes.Int32, 2, 3)))
	require.False(t, a.Equal(Make(dtypes.Int64, 2)))
}
