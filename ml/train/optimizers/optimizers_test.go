/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package optimizers

import (
	"testing"

	"github.com/gomlx/paramserver/ml/params"
	"github.com/gomlx/paramserver/ps/embedding"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSlices(t *testing.T, indices []int64, values any) *grads.IndexedSlices {
	var valuesT *tensors.Tensor
	switch v := values.(type) {
	case [][]float32:
		valuesT = tensors.FromValue(v)
	case *tensors.Tensor:
		valuesT = v
	}
	s, err := grads.NewIndexedSlices(indices, valuesT)
	require.NoError(t, err)
	return s
}

func TestByName(t *testing.T) {
	p := params.Defaults()
	opt, err := FromParams(p)
	require.NoError(t, err)
	assert.IsType(t, &SGD{}, opt)
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-9)

	p.Set(params.ParamOptimizer, "adam").Set(params.ParamLearningRate, 0.01)
	opt, err = FromParams(p)
	require.NoError(t, err)
	assert.IsType(t, &AdamOptimizer{}, opt)
	assert.InDelta(t, 0.01, opt.LearningRate(), 1e-9)

	_, err = ByName(p, "rmsprop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rmsprop")
	assert.Contains(t, err.Error(), `["adam" "sgd"]`)
}

func TestSGDApply(t *testing.T) {
	opt := StochasticGradientDescent().LearningRate(0.1).Done()
	current := map[string]*tensors.Tensor{
		"w":     tensors.FromValue([]float32{1, 2, 3}),
		"table": tensors.FromValue([][]float32{{1, 1}, {2, 2}, {3, 3}}),
	}
	dense := map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{10, 10, -10})}
	sparse := map[string]*grads.IndexedSlices{
		"table": mustSlices(t, []int64{2, 0, 2}, [][]float32{{1, 2}, {10, 10}, {3, 4}}),
	}
	updated, err := opt.Apply(current, dense, sparse)
	require.NoError(t, err)
	require.Len(t, updated, 2)
	assert.True(t, updated["w"].InDelta(tensors.FromValue([]float32{0, 1, 4}), 1e-6), "got %s", updated["w"])
	// Duplicated index 2 is summed: 3 - 0.1*(1+3), 3 - 0.1*(2+4).
	assert.True(t, updated["table"].InDelta(
		tensors.FromValue([][]float32{{0, 0}, {2, 2}, {2.6, 2.4}}), 1e-6), "got %s", updated["table"])

	// Inputs are not changed.
	assert.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](current["w"]))
	assert.Equal(t, []float32{1, 1, 2, 2, 3, 3}, tensors.CopyFlatData[float32](current["table"]))
}

func TestSGDApplyErrors(t *testing.T) {
	opt := StochasticGradientDescent().LearningRate(0.1).Done()
	current := map[string]*tensors.Tensor{
		"w":     tensors.FromValue([]float32{1, 2, 3}),
		"table": tensors.FromValue([][]float32{{1, 1}, {2, 2}}),
	}

	_, err := opt.Apply(current, map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{1, 2})}, nil)
	require.ErrorIs(t, err, grads.ErrShapeMismatch)

	_, err = opt.Apply(current, map[string]*tensors.Tensor{"v": tensors.FromValue([]float32{1})}, nil)
	require.ErrorIs(t, err, grads.ErrUnknownVariable)

	_, err = opt.Apply(current, nil, map[string]*grads.IndexedSlices{
		"table": mustSlices(t, []int64{2}, [][]float32{{1, 1}})})
	require.ErrorIs(t, err, grads.ErrShapeMismatch)

	_, err = opt.Apply(current, nil, map[string]*grads.IndexedSlices{
		"table": mustSlices(t, []int64{0}, [][]float32{{1, 1, 1}})})
	require.ErrorIs(t, err, grads.ErrShapeMismatch)
	assert.True(t, errors.Is(err, grads.ErrShapeMismatch))
}

func TestSGDFloat16Gradient(t *testing.T) {
	opt := StochasticGradientDescent().LearningRate(0.5).Done()
	current := map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{1, 2})}
	gradient := tensors.ConvertToFloat16(tensors.FromValue([]float32{2, -2}))
	updated, err := opt.Apply(current, map[string]*tensors.Tensor{"w": gradient}, nil)
	require.NoError(t, err)
	assert.True(t, updated["w"].InDelta(tensors.FromValue([]float32{0, 3}), 1e-6))
}

func TestSGDClipStep(t *testing.T) {
	opt := StochasticGradientDescent().LearningRate(1.0).ClipStepByValue(0.5).Done()
	current := map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{1, 1})}
	updated, err := opt.Apply(current, map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{10, 0.1})}, nil)
	require.NoError(t, err)
	assert.True(t, updated["w"].InDelta(tensors.FromValue([]float32{0.5, 0.9}), 1e-6), "got %s", updated["w"])
}

func TestSGDApplyToTable(t *testing.T) {
	// Table rows are created lazily with zeros: two updates, with ids [1,3] and [1,3,3,5].
	opt := StochasticGradientDescent().LearningRate(0.1).Done()
	table := embedding.NewTable("emb", 2)
	require.NoError(t, opt.ApplyToTable(table, mustSlices(t, []int64{1, 3},
		[][]float32{{1, 1}, {1, 1}})))
	require.NoError(t, opt.ApplyToTable(table, mustSlices(t, []int64{1, 3, 3, 5},
		[][]float32{{1, 1}, {1, 1}, {1, 1}, {1, 1}})))
	assert.Equal(t, []int64{1, 3, 5}, table.IDs())
	got := table.Lookup([]int64{1, 3, 5})
	assert.True(t, got.InDelta(tensors.FromValue([][]float32{{-0.2, -0.2}, {-0.3, -0.3}, {-0.1, -0.1}}), 1e-6),
		"got %s", got)

	err := opt.ApplyToTable(table, mustSlices(t, []int64{1}, [][]float32{{1, 1, 1}}))
	require.ErrorIs(t, err, grads.ErrShapeMismatch)
}

func TestAdam(t *testing.T) {
	opt := Adam().LearningRate(0.1).Done()
	current := map[string]*tensors.Tensor{
		"w":     tensors.FromValue([]float32{1, 1}),
		"table": tensors.FromValue([][]float32{{1}, {1}, {1}}),
	}
	dense := map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{0.5, -3})}
	sparse := map[string]*grads.IndexedSlices{"table": mustSlices(t, []int64{0, 0}, [][]float32{{2}, {2}})}
	updated, err := opt.Apply(current, dense, sparse)
	require.NoError(t, err)

	// First step of Adam moves each value by ~learning rate, in the opposite direction of the gradient.
	assert.True(t, updated["w"].InDelta(tensors.FromValue([]float32{0.9, 1.1}), 1e-4), "got %s", updated["w"])
	// Rows without gradient are not touched.
	assert.True(t, updated["table"].InDelta(tensors.FromValue([][]float32{{0.9}, {1}, {1}}), 1e-4),
		"got %s", updated["table"])
	assert.Equal(t, 2, opt.NumMoments()) // "w" and "table[0]".

	// Failed Apply doesn't change the moments.
	_, err = opt.Apply(current, map[string]*tensors.Tensor{"x": tensors.FromValue([]float32{1})}, nil)
	require.Error(t, err)
	assert.Equal(t, 2, opt.NumMoments())

	table := embedding.NewTable("emb", 1)
	require.NoError(t, opt.ApplyToTable(table, mustSlices(t, []int64{7}, [][]float32{{-1}})))
	assert.True(t, table.Lookup([]int64{7}).InDelta(tensors.FromValue([][]float32{{0.1}}), 1e-4))
	assert.Equal(t, 3, opt.NumMoments())

	opt.Clear()
	assert.Equal(t, 0, opt.NumMoments())
}

func TestAdamApplyToTable(t *testing.T) {
	// Same sequence as for SGD: each row keeps its own step count and moments, duplicates are summed first.
	opt := Adam().LearningRate(0.1).Done()
	table := embedding.NewTable("emb", 2)
	require.NoError(t, opt.ApplyToTable(table, mustSlices(t, []int64{1, 3},
		[][]float32{{1, 1}, {1, 1}})))
	require.NoError(t, opt.ApplyToTable(table, mustSlices(t, []int64{1, 3, 3, 5},
		[][]float32{{1, 1}, {1, 1}, {1, 1}, {1, 1}})))
	assert.Equal(t, []int64{1, 3, 5}, table.IDs())
	got := table.Lookup([]int64{1, 3, 5})
	assert.True(t, got.InDelta(tensors.FromValue([][]float32{
		{-0.2, -0.2}, {-0.196518, -0.196518}, {-0.1, -0.1}}), 1e-5), "got %s", got)
	assert.Equal(t, 3, opt.NumMoments())

	// Applying to tables doesn't advance the learning rate schedule.
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-9)
}

func TestAdamOptions(t *testing.T) {
	applyAll := func(opt *AdamOptimizer, value float32, gradients ...float32) float32 {
		current := map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{value})}
		for _, g := range gradients {
			updated, err := opt.Apply(current, map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{g})}, nil)
			require.NoError(t, err)
			current = updated
		}
		return tensors.CopyFlatData[float32](current["w"])[0]
	}

	// Adamax uses the L-infinity norm for the second moment.
	assert.InDelta(t, 0.816940, applyAll(Adam().LearningRate(0.1).Done(), 1, 4, 1), 1e-5)
	assert.InDelta(t, 0.839413, applyAll(Adam().LearningRate(0.1).Adamax().Done(), 1, 4, 1), 1e-5)

	// AdamW: the step includes value * weightDecay.
	assert.InDelta(t, 1.8, applyAll(Adam().LearningRate(0.1).WeightDecay(0.5).Done(), 2, 1), 1e-5)

	// With betas 0.5 the debiased moments are 1, and an epsilon of 1 halves the step.
	assert.InDelta(t, 0.95, applyAll(Adam().LearningRate(0.1).Betas(0.5, 0.5).Epsilon(1).Done(), 1, 1), 1e-5)

	// Schedule indexed by the number of Apply calls.
	opt := Adam().WithSchedule(func(step int64) float64 { return 0.1 / float64(step+1) }).Done()
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-9)
	assert.InDelta(t, 0.9, applyAll(opt, 1, 1), 1e-5)
	assert.InDelta(t, 0.05, opt.LearningRate(), 1e-9)

	// FromParams reads the betas and epsilon.
	p := params.Defaults().
		Set(params.ParamLearningRate, 0.1).
		Set(params.ParamAdamBeta1, 0.5).
		Set(params.ParamAdamBeta2, 0.5).
		Set(params.ParamAdamEpsilon, 1.0)
	assert.InDelta(t, 0.95, applyAll(Adam().FromParams(p).Done(), 1, 1), 1e-5)
}

func TestCosineSchedule(t *testing.T) {
	schedule := CosineAnnealingSchedule(1.0).PeriodInSteps(10).MinLearningRate(0).Done()
	assert.InDelta(t, 1.0, schedule(0), 1e-9)
	assert.InDelta(t, 0.5, schedule(5), 1e-9)
	assert.InDelta(t, 1.0, schedule(10), 1e-9) // Restarts.

	// Without a period it's a constant schedule.
	assert.InDelta(t, 0.3, CosineAnnealingSchedule(0.3).Done()(1000), 1e-9)

	p := params.Defaults().Set(ParamCosineScheduleSteps, 4)
	opt := StochasticGradientDescent().FromParams(p).Done()
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-9)
	current := map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{0})}
	_, err := opt.Apply(current, map[string]*tensors.Tensor{"w": tensors.FromValue([]float32{1})}, nil)
	require.NoError(t, err)
	assert.Less(t, opt.LearningRate(), 0.1)
}
