// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/gomlx/paramserver/ml/params"
	"github.com/gomlx/paramserver/ml/train/optimizers"
	"github.com/gomlx/paramserver/ps/embedding"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	denseName = "dense/weights"
	tableName = "embedding/table"
	layerName = "edl_embedding"
	layerDim  = 3
)

// newTestStore creates a store with a dense variable shaped [6, 1] with values 13..18 and a fixed-sparse
// table shaped [4, 3] with values 1..12.
func newTestStore(t *testing.T) *Store {
	store := NewStore()
	require.NoError(t, store.AddFixedSparse(tableName,
		tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10, 11, 12}})))
	require.NoError(t, store.AddDense(denseName,
		tensors.FromValue([][]float32{{13}, {14}, {15}, {16}, {17}, {18}})))
	return store
}

func newTestService(t *testing.T, p *params.Params) *Service {
	if p == nil {
		p = params.Defaults()
	}
	service, err := Build(newTestStore(t)).
		FromParams(p).
		EmbeddingLayer(layerName, layerDim).
		Done()
	require.NoError(t, err)
	return service
}

func mustSlices(t *testing.T, indices []int64, values [][]float32) *grads.IndexedSlices {
	s, err := grads.NewIndexedSlices(indices, tensors.FromValue(values))
	require.NoError(t, err)
	return s
}

func sparseReport(t *testing.T, indices []int64, values [][]float32) *grads.AggregatedReport {
	return &grads.AggregatedReport{
		FixedSparse: &grads.NamedSlices{Name: tableName, Slices: mustSlices(t, indices, values)},
	}
}

func getValue(t *testing.T, service *Service, name string) *tensors.Tensor {
	value, err := service.Store().Get(name)
	require.NoError(t, err)
	return value
}

func TestBuild(t *testing.T) {
	_, err := Build(newTestStore(t)).MaxStaleness(-1).Done()
	require.Error(t, err)
	_, err = Build(newTestStore(t)).GradsToWait(0).Done()
	require.Error(t, err)
	_, err = Build(newTestStore(t)).EmbeddingLayer(denseName, 3).Done()
	require.Error(t, err)
	_, err = Build(newTestStore(t)).EmbeddingLayer("emb", 0).Done()
	require.Error(t, err)
	_, err = Build(newTestStore(t)).FromParams(params.Defaults().Set(params.ParamOptimizer, "foo")).Done()
	require.Error(t, err)

	service, err := Build(newTestStore(t)).
		FromParams(params.Defaults().Set(params.ParamOptimizer, "adam")).
		EmbeddingLayer("b", 4).EmbeddingLayer("a", 2).
		Done()
	require.NoError(t, err)
	assert.IsType(t, &optimizers.AdamOptimizer{}, service.Optimizer())
	assert.Equal(t, []string{"b", "a"}, service.EmbeddingLayers())
	dim, found := service.EmbeddingDim("a")
	assert.True(t, found)
	assert.Equal(t, 2, dim)
}

func TestFixedSparseApply(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t, nil)

	result, err := service.ReportGradient(ctx, 0, sparseReport(t, []int64{0, 3}, [][]float32{{1, 2, 3}, {10, 11, 12}}))
	require.NoError(t, err)
	assert.Equal(t, ReportResult{Accepted: true, Version: 1}, result)
	table := getValue(t, service, tableName)
	assert.True(t, table.InDelta(tensors.FromValue([][]float32{{0.9, 1.8, 2.7}, {4, 5, 6}, {7, 8, 9}, {9, 9.9, 10.8}}), 1e-5),
		"got %s", table)

	result, err = service.ReportGradient(ctx, 1, sparseReport(t, []int64{2, 0}, [][]float32{{7, 8, 9}, {4, 5, 6}}))
	require.NoError(t, err)
	assert.Equal(t, ReportResult{Accepted: true, Version: 2}, result)
	table = getValue(t, service, tableName)
	assert.True(t, table.InDelta(tensors.FromValue([][]float32{{0.5, 1.3, 2.1}, {4, 5, 6}, {6.3, 7.2, 8.1}, {9, 9.9, 10.8}}), 1e-5),
		"got %s", table)

	// The dense variable was not touched.
	assert.True(t, getValue(t, service, denseName).Equal(tensors.FromValue([][]float32{{13}, {14}, {15}, {16}, {17}, {18}})))
}

func TestSparseApplyIsIndexAdditive(t *testing.T) {
	ctx := context.Background()
	r1 := [][]float32{{1, 2, 3}, {10, 11, 12}, {1, 1, 1}}
	r2 := [][]float32{{7, 8, 9}, {4, 5, 6}}

	// Two reports with overlapping indices.
	twoReports := newTestService(t, nil)
	_, err := twoReports.ReportGradient(ctx, 0, sparseReport(t, []int64{0, 3, 0}, r1))
	require.NoError(t, err)
	_, err = twoReports.ReportGradient(ctx, 1, sparseReport(t, []int64{2, 0}, r2))
	require.NoError(t, err)

	// One report with the indices concatenated and duplicates summed.
	oneReport := newTestService(t, nil)
	_, err = oneReport.ReportGradient(ctx, 0, sparseReport(t, []int64{0, 3, 2},
		[][]float32{{1 + 1 + 4, 2 + 1 + 5, 3 + 1 + 6}, {10, 11, 12}, {7, 8, 9}}))
	require.NoError(t, err)

	assert.True(t, getValue(t, twoReports, tableName).InDelta(getValue(t, oneReport, tableName), 1e-5))
}

func TestStaleness(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t, nil)
	report := sparseReport(t, []int64{1}, [][]float32{{1, 1, 1}})
	_, err := service.ReportGradient(ctx, 0, report)
	require.NoError(t, err)

	// Strict synchronous: a report for version 0 is now stale, and nothing changes.
	version, before := service.Store().Snapshot()
	staleReport := sparseReport(t, []int64{0}, [][]float32{{1, 1, 1}})
	staleReport.Embeddings = map[string]*grads.IndexedSlices{layerName: mustSlices(t, []int64{7}, [][]float32{{1, 1, 1}})}
	result, err := service.ReportGradient(ctx, 0, staleReport)
	require.NoError(t, err)
	assert.Equal(t, ReportResult{Accepted: false, Version: 1}, result)
	afterVersion, after := service.Store().Snapshot()
	assert.Equal(t, version, afterVersion)
	for name, value := range before {
		assert.True(t, value.Equal(after[name]), "variable %q changed", name)
	}
	assert.Empty(t, service.PendingEmbeddingGradients())
	assert.Equal(t, Stats{Accepted: 1, Rejected: 1, Steps: 1}, service.Stats())

	// Version ahead of the model is an error.
	_, err = service.ReportGradient(ctx, 5, report)
	require.ErrorIs(t, err, grads.ErrStaleVersion)
	assert.Equal(t, int64(1), service.Version())

	// Bounded staleness.
	bounded := newTestService(t, params.Defaults().Set(params.ParamMaxStaleness, 1))
	for range 3 {
		_, err = bounded.ReportGradient(ctx, bounded.Version(), report)
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), bounded.Version())
	result, err = bounded.ReportGradient(ctx, 2, report)
	require.NoError(t, err)
	assert.Equal(t, ReportResult{Accepted: true, Version: 4}, result)
	result, err = bounded.ReportGradient(ctx, 2, report)
	require.NoError(t, err)
	assert.Equal(t, ReportResult{Accepted: false, Version: 4}, result)

	// Cancelled context.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = bounded.ReportGradient(cancelled, 4, report)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStalenessModulation(t *testing.T) {
	ctx := context.Background()
	p := params.Defaults().
		Set(params.ParamMaxStaleness, 2).
		Set(params.ParamStalenessModulation, true).
		Set(params.ParamLearningRate, 1.0)
	service := newTestService(t, p)
	gradient := tensors.FromValue([][]float32{{3}, {3}, {3}, {3}, {3}, {3}})
	report := &grads.AggregatedReport{Dense: []grads.NamedTensor{{Name: denseName, Tensor: gradient}}}

	_, err := service.ReportGradient(ctx, 0, report) // 13 - 3 = 10
	require.NoError(t, err)
	_, err = service.ReportGradient(ctx, 0, report) // staleness 1: 10 - 3/2 = 8.5
	require.NoError(t, err)
	_, err = service.ReportGradient(ctx, 0, report) // staleness 2: 8.5 - 3/3 = 7.5
	require.NoError(t, err)
	dense := getValue(t, service, denseName)
	assert.InDelta(t, 7.5, tensors.CopyFlatData[float32](dense)[0], 1e-5)
	// The report was not changed.
	assert.Equal(t, float32(3), tensors.CopyFlatData[float32](gradient)[0])
}

func TestGradsToWait(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t, params.Defaults().Set(params.ParamGradsToWait, 2))

	report1 := sparseReport(t, []int64{0, 3}, [][]float32{{1, 2, 3}, {10, 11, 12}})
	report1.Dense = []grads.NamedTensor{{Name: denseName, Tensor: tensors.FromValue([][]float32{{1}, {2}, {3}, {4}, {5}, {6}})}}
	result, err := service.ReportGradient(ctx, 0, report1)
	require.NoError(t, err)
	assert.Equal(t, ReportResult{Accepted: true, Version: 0}, result)
	assert.Equal(t, 1, service.NumBuffered())

	report2 := sparseReport(t, []int64{2, 0}, [][]float32{{7, 8, 9}, {4, 5, 6}})
	report2.Dense = []grads.NamedTensor{{Name: denseName, Tensor: tensors.FromValue([][]float32{{13}, {14}, {15}, {16}, {17}, {18}})}}
	result, err = service.ReportGradient(ctx, 0, report2)
	require.NoError(t, err)
	assert.Equal(t, ReportResult{Accepted: true, Version: 1}, result)
	assert.Equal(t, 0, service.NumBuffered())

	// Fixed-sparse gradients are summed, dense gradients averaged.
	table := getValue(t, service, tableName)
	assert.True(t, table.InDelta(tensors.FromValue([][]float32{{0.5, 1.3, 2.1}, {4, 5, 6}, {6.3, 7.2, 8.1}, {9, 9.9, 10.8}}), 1e-5),
		"got %s", table)
	dense := getValue(t, service, denseName)
	assert.True(t, dense.InDelta(tensors.FromValue([][]float32{{12.3}, {13.2}, {14.1}, {15}, {15.9}, {16.8}}), 1e-5),
		"got %s", dense)
}

// flakyOptimizer fails the first numFailures calls to Apply and the first numTableFailures calls to ApplyToTable.
type flakyOptimizer struct {
	optimizers.Interface
	numFailures, numTableFailures int
}

func (o *flakyOptimizer) ApplyToTable(table *embedding.Table, gradient *grads.IndexedSlices) error {
	if o.numTableFailures > 0 {
		o.numTableFailures--
		return errors.New("table unavailable")
	}
	return o.Interface.ApplyToTable(table, gradient)
}

func (o *flakyOptimizer) Apply(current, dense map[string]*tensors.Tensor, sparse map[string]*grads.IndexedSlices) (
	map[string]*tensors.Tensor, error) {
	if o.numFailures > 0 {
		o.numFailures--
		return nil, errors.New("optimizer unavailable")
	}
	return o.Interface.Apply(current, dense, sparse)
}

func TestFailedApplyKeepsBuffers(t *testing.T) {
	ctx := context.Background()
	service, err := Build(newTestStore(t)).
		FromParams(params.Defaults().Set(params.ParamGradsToWait, 2)).
		Optimizer(&flakyOptimizer{Interface: optimizers.StochasticGradientDescent().Done(), numFailures: 1}).
		EmbeddingLayer(layerName, layerDim).
		Done()
	require.NoError(t, err)

	report1 := sparseReport(t, []int64{0, 3}, [][]float32{{1, 2, 3}, {10, 11, 12}})
	report1.Dense = []grads.NamedTensor{{Name: denseName, Tensor: tensors.FromValue([][]float32{{1}, {2}, {3}, {4}, {5}, {6}})}}
	_, err = service.ReportGradient(ctx, 0, report1)
	require.NoError(t, err)
	require.Equal(t, 1, service.NumBuffered())

	newReport2 := func() *grads.AggregatedReport {
		r := sparseReport(t, []int64{2, 0}, [][]float32{{7, 8, 9}, {4, 5, 6}})
		r.Dense = []grads.NamedTensor{{Name: denseName, Tensor: tensors.FromValue([][]float32{{13}, {14}, {15}, {16}, {17}, {18}})}}
		r.Embeddings = map[string]*grads.IndexedSlices{layerName: mustSlices(t, []int64{1}, [][]float32{{1, 1, 1}})}
		return r
	}

	// The apply fails: the report leaves nothing behind.
	result, err := service.ReportGradient(ctx, 0, newReport2())
	require.Error(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, int64(0), service.Version())
	assert.Equal(t, 1, service.NumBuffered())
	assert.Empty(t, service.PendingEmbeddingGradients())
	dense := getValue(t, service, denseName)
	assert.Equal(t, []float32{13, 14, 15, 16, 17, 18}, tensors.CopyFlatData[float32](dense))

	// Sending it again applies exactly the two reports, as if the failure never happened.
	result, err = service.ReportGradient(ctx, 0, newReport2())
	require.NoError(t, err)
	assert.Equal(t, ReportResult{Accepted: true, Version: 1}, result)
	assert.Equal(t, 0, service.NumBuffered())
	table := getValue(t, service, tableName)
	assert.True(t, table.InDelta(tensors.FromValue([][]float32{{0.5, 1.3, 2.1}, {4, 5, 6}, {6.3, 7.2, 8.1}, {9, 9.9, 10.8}}), 1e-5),
		"got %s", table)
	dense = getValue(t, service, denseName)
	assert.True(t, dense.InDelta(tensors.FromValue([][]float32{{12.3}, {13.2}, {14.1}, {15}, {15.9}, {16.8}}), 1e-5),
		"got %s", dense)
	assert.Equal(t, int64(1), service.Stats().Steps)
	assert.Len(t, service.PendingEmbeddingGradients()[layerName].Indices, 1)
}

func TestInvalidReports(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t, nil)
	embeddings := map[string]*grads.IndexedSlices{layerName: mustSlices(t, []int64{1}, [][]float32{{1, 1, 1}})}

	for _, tc := range []struct {
		report *grads.AggregatedReport
		err    error
	}{
		{&grads.AggregatedReport{Dense: []grads.NamedTensor{{Name: "foo", Tensor: tensors.FromValue([]float32{1})}}, Embeddings: embeddings},
			grads.ErrUnknownVariable},
		{&grads.AggregatedReport{Dense: []grads.NamedTensor{{Name: tableName, Tensor: tensors.FromValue([]float32{1})}}, Embeddings: embeddings},
			grads.ErrUnknownVariable},
		{&grads.AggregatedReport{Dense: []grads.NamedTensor{{Name: denseName, Tensor: tensors.FromValue([]float32{1})}}, Embeddings: embeddings},
			grads.ErrShapeMismatch},
		{&grads.AggregatedReport{FixedSparse: &grads.NamedSlices{Name: denseName, Slices: mustSlices(t, []int64{0}, [][]float32{{1, 1, 1}})}},
			grads.ErrUnknownVariable},
		{sparseReport(t, []int64{4}, [][]float32{{1, 1, 1}}), grads.ErrShapeMismatch},
		{sparseReport(t, []int64{0}, [][]float32{{1, 1}}), grads.ErrShapeMismatch},
		{&grads.AggregatedReport{Embeddings: map[string]*grads.IndexedSlices{"foo": mustSlices(t, []int64{1}, [][]float32{{1, 1, 1}})}},
			grads.ErrUnknownLayer},
		{&grads.AggregatedReport{Embeddings: map[string]*grads.IndexedSlices{layerName: mustSlices(t, []int64{1}, [][]float32{{1, 1}})}},
			grads.ErrShapeMismatch},
	} {
		_, err := service.ReportGradient(ctx, 0, tc.report)
		require.ErrorIs(t, err, tc.err, "report %s", tc.report)
	}
	assert.Equal(t, int64(0), service.Version())
	assert.Empty(t, service.PendingEmbeddingGradients())
	assert.Equal(t, Stats{}, service.Stats())
}

// sortedPairs returns the (index, row values) pairs of s, sorted.
func sortedPairs(s *grads.IndexedSlices) []string {
	pairs := make([]string, s.Len())
	for ii, index := range s.Indices {
		pairs[ii] = fmt.Sprintf("%d:%v", index, tensors.RowValues(s.Values, ii))
	}
	slices.Sort(pairs)
	return pairs
}

func TestEmbeddingAccumulation(t *testing.T) {
	ctx := context.Background()
	worker1 := &grads.AggregatedReport{Embeddings: map[string]*grads.IndexedSlices{
		layerName: mustSlices(t, []int64{1, 2, 2}, [][]float32{{1, 1, 1}, {2, 2, 2}, {3, 3, 3}})}}
	worker2 := &grads.AggregatedReport{Embeddings: map[string]*grads.IndexedSlices{
		layerName: mustSlices(t, []int64{2, 5}, [][]float32{{4, 4, 4}, {5, 5, 5}})}}

	forward := newTestService(t, nil)
	for _, report := range []*grads.AggregatedReport{worker1, worker2} {
		result, err := forward.ReportGradient(ctx, 0, report)
		require.NoError(t, err)
		// Embedding gradients don't change the model version.
		assert.Equal(t, ReportResult{Accepted: true, Version: 0}, result)
	}
	backward := newTestService(t, nil)
	for _, report := range []*grads.AggregatedReport{worker2, worker1} {
		_, err := backward.ReportGradient(ctx, 0, report)
		require.NoError(t, err)
	}

	pendingForward := forward.PendingEmbeddingGradients()[layerName]
	pendingBackward := backward.PendingEmbeddingGradients()[layerName]
	assert.Equal(t, 5, pendingForward.Len())
	assert.Equal(t, 5, pendingBackward.Len())
	assert.Equal(t, []int64{1, 2, 2, 2, 5}, pendingForward.Indices) // Duplicates are not merged.
	assert.Equal(t, sortedPairs(pendingForward), sortedPairs(pendingBackward))

	// Draining consumes the gradients exactly once.
	drained := forward.DrainEmbeddingGradients()
	assert.Equal(t, 5, drained[layerName].Len())
	assert.Empty(t, forward.DrainEmbeddingGradients())
	assert.Equal(t, int64(5), forward.Stats().EmbeddingRows)
}

func TestConcurrentReports(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t, params.Defaults().Set(params.ParamMaxStaleness, 1_000))
	const numWorkers, numReports = 8, 20
	var wg sync.WaitGroup
	for workerIdx := range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for reportIdx := range numReports {
				report := &grads.AggregatedReport{
					Dense: []grads.NamedTensor{{Name: denseName,
						Tensor: tensors.FromValue([][]float32{{0.1}, {0.1}, {0.1}, {0.1}, {0.1}, {0.1}})}},
					Embeddings: map[string]*grads.IndexedSlices{layerName: mustSlices(t,
						[]int64{int64(workerIdx), int64(reportIdx)}, [][]float32{{1, 1, 1}, {1, 1, 1}})},
				}
				result, err := service.ReportGradient(ctx, service.Version(), report)
				if !assert.NoError(t, err) || !assert.True(t, result.Accepted) {
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(numWorkers*numReports), service.Version())
	assert.Equal(t, numWorkers*numReports*2, service.PendingEmbeddingGradients()[layerName].Len())
	dense := getValue(t, service, denseName)
	assert.InDelta(t, 13.0-float64(numWorkers*numReports)*0.1*0.1, tensors.CopyFlatData[float32](dense)[0], 1e-3)
}

func TestGetModel(t *testing.T) {
	service := newTestService(t, nil)
	version, values, err := service.GetModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
	require.Len(t, values, 2)
	tensors.MutableFlatData(values[denseName], func(flat []float32) { flat[0] = 0 })
	assert.Equal(t, float32(13), tensors.CopyFlatData[float32](getValue(t, service, denseName))[0])
}
