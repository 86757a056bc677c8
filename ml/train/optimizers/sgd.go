// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"sync"

	"github.com/gomlx/paramserver/ml/params"
	"github.com/gomlx/paramserver/ps/embedding"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/tensors"
)

// SGDConfig holds the configuration for the StochasticGradientDescent optimizer.
// Create it with StochasticGradientDescent(), configure it and call Done.
type SGDConfig struct {
	learningRate float64
	schedule     Schedule
	clipStep     float64
}

// StochasticGradientDescent creates a configuration for the plain SGD optimizer: `value -= lr * gradient`.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: 0.1}
}

// FromParams reads the learning rate, the clipping and the learning rate schedule from the hyperparameters.
func (c *SGDConfig) FromParams(p *params.Params) *SGDConfig {
	c.learningRate = params.GetParamOr(p, params.ParamLearningRate, c.learningRate)
	c.clipStep = params.GetParamOr(p, params.ParamClipStepByValue, c.clipStep)
	c.schedule = CosineAnnealingSchedule(c.learningRate).FromParams(p).Done()
	return c
}

// LearningRate sets the learning rate. It resets any schedule configured.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	c.schedule = nil
	return c
}

// WithSchedule sets a learning rate schedule, indexed by the number of calls to Apply.
func (c *SGDConfig) WithSchedule(schedule Schedule) *SGDConfig {
	c.schedule = schedule
	return c
}

// ClipStepByValue clips each element of the step to [-value, value]. 0 disables clipping.
func (c *SGDConfig) ClipStepByValue(value float64) *SGDConfig {
	c.clipStep = value
	return c
}

// Done returns the configured SGD optimizer.
func (c *SGDConfig) Done() *SGD {
	assertPositive("learning rate", c.learningRate)
	schedule := c.schedule
	if schedule == nil {
		schedule = ConstantSchedule(c.learningRate)
	}
	return &SGD{schedule: schedule, clipStep: c.clipStep}
}

// SGD implements plain stochastic gradient descent. Its only state is the step counter used by
// the learning rate schedule.
type SGD struct {
	schedule Schedule
	clipStep float64

	mu       sync.Mutex
	numSteps int64
}

// Compile time check that SGD implements Interface.
var _ Interface = (*SGD)(nil)

// LearningRate returns the learning rate to be used in the next Apply.
func (sgd *SGD) LearningRate() float64 {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	return sgd.schedule(sgd.numSteps)
}

func (sgd *SGD) stepWith(lr float64) stepFn {
	return func(_ string, value, gradient []float32) {
		for ii, g := range gradient {
			value[ii] -= float32(clipStep(lr*float64(g), sgd.clipStep))
		}
	}
}

// Apply implements Interface.
func (sgd *SGD) Apply(current map[string]*tensors.Tensor, dense map[string]*tensors.Tensor,
	sparse map[string]*grads.IndexedSlices) (map[string]*tensors.Tensor, error) {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	updated, err := applyWith(current, dense, sparse, sgd.stepWith(sgd.schedule(sgd.numSteps)))
	if err != nil {
		return nil, err
	}
	sgd.numSteps++
	return updated, nil
}

// ApplyToTable implements Interface.
func (sgd *SGD) ApplyToTable(table *embedding.Table, gradient *grads.IndexedSlices) error {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	return applyToTableWith(table, gradient, sgd.stepWith(sgd.schedule(sgd.numSteps)))
}

// Clear implements Interface. It resets the step counter.
func (sgd *SGD) Clear() {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	sgd.numSteps = 0
}
