// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grads

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGradientVariant(t *testing.T) {
	dense := Dense(tensors.FromValue([]float32{1, 2}))
	require.Equal(t, DenseGradient, dense.Kind())
	require.Equal(t, []float32{1, 2}, tensors.CopyFlatData[float32](dense.Tensor()))
	require.Panics(t, func() { _ = dense.Slices() })

	slices, err := NewIndexedSlices([]int64{0, 3}, tensors.FromValue([][]float32{{1, 2, 3}, {10, 11, 12}}))
	require.NoError(t, err)
	indexed := Indexed(slices)
	require.Equal(t, IndexedGradient, indexed.Kind())
	require.Equal(t, 2, indexed.Slices().Len())
	require.Panics(t, func() { _ = indexed.Tensor() })
	require.Equal(t, InvalidGradient, Gradient{}.Kind())
}

func TestIndexedSlicesCheck(t *testing.T) {
	_, err := NewIndexedSlices([]int64{0, 1, 2}, tensors.FromValue([][]float32{{1, 2, 3}, {10, 11, 12}}))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = NewIndexedSlices([]int64{}, tensors.FromValue(float32(1)))
	require.True(t, errors.Is(err, ErrShapeMismatch))

	empty := EmptyIndexedSlices(dtypes.Float32, 3)
	require.NoError(t, empty.Check())
	require.Equal(t, 0, empty.Len())
	require.True(t, empty.RowShape().Equal(shapes.Make(dtypes.Float32, 3)))
}

func TestConcatIndexedSlices(t *testing.T) {
	s1, err := NewIndexedSlices([]int64{1, 2}, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	require.NoError(t, err)
	s2, err := NewIndexedSlices([]int64{2, 3}, tensors.FromFlatDataAndDimensions([]float32{7, 8, 9, 10, 11, 12}, 2, 3))
	require.NoError(t, err)

	concat, err := ConcatIndexedSlices(s1, s2)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 2, 3}, concat.Indices)
	require.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10, 11, 12}}, concat.Values.Value())

	// Parts are not changed.
	require.Equal(t, []int64{1, 2}, s1.Indices)
	require.Equal(t, 2, s1.Values.Rows())

	// Concatenating with an empty accumulator.
	concat2, err := ConcatIndexedSlices(EmptyIndexedSlices(dtypes.Float32, 3), s2)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, concat2.Indices)

	bad, err := NewIndexedSlices([]int64{0}, tensors.FromValue([][]float32{{1, 2}}))
	require.NoError(t, err)
	_, err = ConcatIndexedSlices(s1, bad)
	require.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestSumDuplicates(t *testing.T) {
	s, err := NewIndexedSlices([]int64{2, 0, 2}, tensors.FromValue([][]float32{{1, 1}, {2, 2}, {3, 4}}))
	require.NoError(t, err)
	indices, rows := SumDuplicates(s)
	require.Equal(t, []int64{2, 0}, indices)
	require.Equal(t, [][]float32{{4, 5}, {2, 2}}, rows)
}

func TestAggregatedReport(t *testing.T) {
	report := &AggregatedReport{
		Dense: []NamedTensor{{Name: "dense", Tensor: tensors.FromValue([]float32{1, 2})}},
		Embeddings: map[string]*IndexedSlices{
			"layer_b": EmptyIndexedSlices(dtypes.Float32, 3),
			"layer_a": EmptyIndexedSlices(dtypes.Float32, 3),
		},
	}
	require.True(t, report.HasModelGradients())
	require.Equal(t, []string{"layer_a", "layer_b"}, report.EmbeddingLayers())

	clone := report.Clone()
	tensors.MutableFlatData(clone.Dense[0].Tensor, func(flat []float32) { flat[0] = 10 })
	require.Equal(t, []float32{1, 2}, tensors.CopyFlatData[float32](report.Dense[0].Tensor))

	embeddingsOnly := &AggregatedReport{Embeddings: report.Embeddings}
	require.False(t, embeddingsOnly.HasModelGradients())
}

func TestEmbeddingLayerReportClone(t *testing.T) {
	report := EmbeddingLayerReport{
		Layer:     "layer",
		Fragments: []Fragment{{IDs: []int64{1, 2}}, {IDs: []int64{2, 3}}},
	}
	clone := report.Clone()
	clone.Fragments[0].IDs[0] = 100
	require.Equal(t, int64(1), report.Fragments[0].IDs[0])
	require.Equal(t, 4, report.NumIDs())
}
