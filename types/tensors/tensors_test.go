package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2, 3}, {10, 11, 12}})
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	require.Equal(t, []float32{1, 2, 3, 10, 11, 12}, CopyFlatData[float32](tensor))
	require.Equal(t, [][]float32{{1, 2, 3}, {10, 11, 12}}, tensor.Value())

	scalar := FromValue(int64(7))
	require.True(t, scalar.Shape().IsScalar())
	require.Equal(t, int64(7), ToScalar[int64](scalar))

	empty := FromValue([][]float32{})
	require.Equal(t, []int{0, 0}, empty.Shape().Dimensions)
	require.Panics(t, func() { _ = FromValue([][]float32{{1, 2}, {3}}) })
}

func TestFlatData(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	require.Equal(t, 3, tensor.Rows())
	require.Equal(t, []int{2, 1}, tensor.LayoutStrides())
	MutableFlatData(tensor, func(flat []float32) { flat[0] = 100 })
	require.Equal(t, float32(100), CopyFlatData[float32](tensor)[0])
	require.Panics(t, func() { ConstFlatData(tensor, func(flat []int64) {}) })
	require.Panics(t, func() { _ = FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })

	filled := FromScalarAndDimensions(float32(0.5), 2, 2)
	require.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, CopyFlatData[float32](filled))
}

func TestClone(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3})
	clone := tensor.Clone()
	require.True(t, clone.Equal(tensor))
	MutableFlatData(clone, func(flat []float32) { flat[1] = 20 })
	require.False(t, clone.Equal(tensor))
	require.Equal(t, []float32{1, 2, 3}, CopyFlatData[float32](tensor))
}

func TestInDelta(t *testing.T) {
	t0 := FromValue([]float32{1, 2, 3})
	t1 := FromValue([]float32{1.00001, 2, 2.99999})
	assert.True(t, t0.InDelta(t1, 1e-4))
	assert.False(t, t0.InDelta(t1, 1e-6))
	assert.False(t, t0.InDelta(FromValue([]float64{1, 2, 3}), 1e-4))
	assert.False(t, t0.InDelta(FromValue([]float32{1, 2}), 1e-4))
}

func TestConcatenateRows(t *testing.T) {
	block1 := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	block2 := FromFlatDataAndDimensions([]float32{7, 8, 9, 10, 11, 12}, 2, 3)
	empty := FromShape(shapes.Make(dtypes.Float32, 0, 3))
	stacked, err := ConcatenateRows(block1, empty, block2)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10, 11, 12}}, stacked.Value())
	require.Equal(t, []float32{7, 8, 9}, RowValues(stacked, 2))

	_, err = ConcatenateRows(block1, FromValue([][]float32{{1, 2}}))
	require.Error(t, err)
	_, err = ConcatenateRows()
	require.Error(t, err)
}

func TestConvertFloat16(t *testing.T) {
	original := FromValue([]float32{0.5, -1.25, 3})
	half := ConvertToFloat16(original)
	require.Equal(t, dtypes.Float16, half.DType())
	require.Equal(t, float16.Fromfloat32(-1.25), CopyFlatData[float16.Float16](half)[1])
	back := ConvertToFloat32(half)
	require.True(t, back.InDelta(original, 1e-3))
	require.True(t, ConvertToFloat32(original) == original)
	require.Panics(t, func() { _ = ConvertToFloat32(FromValue([]int64{1})) })
}
