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

// Package optimizers implements the optimizers used by the parameter server to apply gradients to the
// model state. They all implement optimizers.Interface.
//
// The parameter server treats the optimizer as a black box: given the current values of the variables and
// their gradients it returns the new values. Indexed (sparse) gradients may carry duplicated indices: their
// contributions are summed before being applied, so `value[row] -= lr * Σ gradients[row]` for SGD.
package optimizers

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/ml/params"
	"github.com/gomlx/paramserver/ps/embedding"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Apply computes the new values of the variables given their current values and their gradients.
	//
	// current maps every variable referenced by dense or sparse to its current value. dense maps variable
	// names to full-shape gradients, and sparse maps table names to indexed gradients (duplicated indices
	// are summed).
	//
	// It returns new tensors for the updated variables only, and it must not change its inputs. Given the
	// same inputs (and the same optimizer state) it must return the same values.
	Apply(current map[string]*tensors.Tensor, dense map[string]*tensors.Tensor,
		sparse map[string]*grads.IndexedSlices) (map[string]*tensors.Tensor, error)

	// ApplyToTable applies an indexed gradient to a dynamic embedding table, in place.
	// Duplicated indices are summed before being applied.
	ApplyToTable(table *embedding.Table, gradient *grads.IndexedSlices) error

	// LearningRate to be used by the next Apply.
	LearningRate() float64

	// Clear deletes all optimizer state, including the step counter used by learning rate schedules.
	Clear()
}

var (
	// KnownOptimizers is a map of known optimizers by name to their constructors from hyperparameters.
	KnownOptimizers = map[string]func(p *params.Params) Interface{
		"sgd":  func(p *params.Params) Interface { return StochasticGradientDescent().FromParams(p).Done() },
		"adam": func(p *params.Params) Interface { return Adam().FromParams(p).Done() },
	}
)

// FromParams creates an optimizer from hyperparameters.
// See params.ParamOptimizer. The default is "sgd".
func FromParams(p *params.Params) (Interface, error) {
	return ByName(p, params.GetParamOr(p, params.ParamOptimizer, "sgd"))
}

// ByName returns an optimizer given the name, configured with the hyperparameters in p.
func ByName(p *params.Params, optName string) (Interface, error) {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		names := maps.Keys(KnownOptimizers)
		slices.Sort(names)
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", optName, names)
	}
	return optBuilder(p), nil
}

// stepFn updates value in place given its gradient. key identifies the variable, or the row of a table
// (see rowKey), for optimizer state.
type stepFn func(key string, value, gradient []float32)

// applyWith implements Interface.Apply for element-wise optimizers: the step function is called
// once per dense variable with the whole variable, and once per updated row of the sparse tables.
func applyWith(current map[string]*tensors.Tensor, dense map[string]*tensors.Tensor,
	sparse map[string]*grads.IndexedSlices, step stepFn) (map[string]*tensors.Tensor, error) {
	updated := make(map[string]*tensors.Tensor, len(dense)+len(sparse))
	denseNames := maps.Keys(dense)
	slices.Sort(denseNames)
	for _, name := range denseNames {
		value, err := currentValue(current, name)
		if err != nil {
			return nil, err
		}
		gradient := tensors.ConvertToFloat32(dense[name])
		if !gradient.Shape().EqualDimensions(value.Shape()) {
			return nil, errors.Wrapf(grads.ErrShapeMismatch, "gradient for %q has shape %s, variable has shape %s",
				name, gradient.Shape(), value.Shape())
		}
		newValue := value.Clone()
		tensors.ConstFlatData(gradient, func(gradientFlat []float32) {
			tensors.MutableFlatData(newValue, func(valueFlat []float32) {
				step(name, valueFlat, gradientFlat)
			})
		})
		updated[name] = newValue
	}

	sparseNames := maps.Keys(sparse)
	slices.Sort(sparseNames)
	for _, name := range sparseNames {
		value, err := currentValue(current, name)
		if err != nil {
			return nil, err
		}
		if _, found := updated[name]; found {
			return nil, errors.Errorf("variable %q has both a dense and an indexed gradient", name)
		}
		gradient := sparse[name]
		if err := checkSlicesForTable(name, gradient, value); err != nil {
			return nil, err
		}
		gradient = &grads.IndexedSlices{Indices: gradient.Indices, Values: tensors.ConvertToFloat32(gradient.Values)}
		width := value.Shape().RowWidth()
		indices, summedRows := grads.SumDuplicates(gradient)
		newValue := value.Clone()
		tensors.MutableFlatData(newValue, func(valueFlat []float32) {
			for ii, row := range indices {
				step(rowKey(name, row), valueFlat[int(row)*width:int(row+1)*width], summedRows[ii])
			}
		})
		updated[name] = newValue
	}
	return updated, nil
}

// applyToTableWith implements Interface.ApplyToTable for element-wise optimizers.
func applyToTableWith(table *embedding.Table, gradient *grads.IndexedSlices, step stepFn) error {
	if err := gradient.Check(); err != nil {
		return err
	}
	if gradient.Values.Shape().Rank() != 2 || gradient.Values.Shape().Dim(1) != table.Dim() {
		return errors.Wrapf(grads.ErrShapeMismatch, "gradient for embedding table %q (dim=%d) has values shaped %s",
			table.Name(), table.Dim(), gradient.Values.Shape())
	}
	gradient = &grads.IndexedSlices{Indices: gradient.Indices, Values: tensors.ConvertToFloat32(gradient.Values)}
	indices, summedRows := grads.SumDuplicates(gradient)
	position := make(map[int64]int, len(indices))
	for ii, id := range indices {
		position[id] = ii
	}
	table.UpdateRows(indices, func(id int64, row []float32) {
		step(rowKey(table.Name(), id), row, summedRows[position[id]])
	})
	return nil
}

func currentValue(current map[string]*tensors.Tensor, name string) (*tensors.Tensor, error) {
	value, found := current[name]
	if !found || value == nil {
		return nil, errors.Wrapf(grads.ErrUnknownVariable, "no current value for variable %q", name)
	}
	if value.DType() != dtypes.Float32 {
		return nil, errors.Errorf("variable %q has dtype %s, only Float32 variables are trainable", name, value.DType())
	}
	return value, nil
}

func checkSlicesForTable(name string, gradient *grads.IndexedSlices, table *tensors.Tensor) error {
	if err := gradient.Check(); err != nil {
		return errors.WithMessagef(err, "gradient for table %q", name)
	}
	if table.Rank() == 0 {
		return errors.Wrapf(grads.ErrShapeMismatch, "indexed gradient for scalar variable %q", name)
	}
	if !gradient.Values.Shape().WithRows(table.Rows()).EqualDimensions(table.Shape()) {
		return errors.Wrapf(grads.ErrShapeMismatch, "gradient for table %q has values shaped %s, table has shape %s",
			name, gradient.Values.Shape(), table.Shape())
	}
	numRows := int64(table.Rows())
	for _, index := range gradient.Indices {
		if index < 0 || index >= numRows {
			return errors.Wrapf(grads.ErrShapeMismatch, "gradient for table %q has index %d out of range [0, %d)",
				name, index, numRows)
		}
	}
	return nil
}

// rowKey is the key used for optimizer state of individual rows.
func rowKey(name string, row int64) string {
	return fmt.Sprintf("%s[%d]", name, row)
}

// clipStep clips the step values to [-clip, clip], if clip > 0.
func clipStep(step, clip float64) float64 {
	if clip <= 0 {
		return step
	}
	return math.Max(-clip, math.Min(clip, step))
}

// assertPositive panics if value <= 0.
func assertPositive(name string, value float64) {
	if value <= 0 {
		exceptions.Panicf("optimizers: %s must be > 0, got %g", name, value)
	}
}
