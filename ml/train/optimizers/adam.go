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
	"math"
	"sync"

	"github.com/gomlx/paramserver/ml/params"
	"github.com/gomlx/paramserver/ps/embedding"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/tensors"
	"k8s.io/klog/v2"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// Moments and step counters are kept per dense variable, and per row for tables: rows that never
// receive a gradient are not touched (lazy Adam), so sparse updates stay proportional to the
// number of rows updated.
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done, and it
// will return an *AdamOptimizer.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam based optimizer.Interface.
type AdamConfig struct {
	learningRate float64
	schedule     Schedule
	beta1, beta2 float64
	epsilon      float64
	clipStep     float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
}

// FromParams configures Adam from the hyperparameters: learning rate, betas, epsilon, clipping and
// cosine schedule.
func (c *AdamConfig) FromParams(p *params.Params) *AdamConfig {
	c.learningRate = params.GetParamOr(p, params.ParamLearningRate, c.learningRate)
	c.beta1 = params.GetParamOr(p, params.ParamAdamBeta1, c.beta1)
	c.beta2 = params.GetParamOr(p, params.ParamAdamBeta2, c.beta2)
	c.epsilon = params.GetParamOr(p, params.ParamAdamEpsilon, c.epsilon)
	c.clipStep = params.GetParamOr(p, params.ParamClipStepByValue, c.clipStep)
	c.schedule = CosineAnnealingSchedule(c.learningRate).FromParams(p).Done()
	return c
}

// LearningRate sets the base learning rate. It resets any schedule configured.
//
// Default is AdamDefaultLearningRate, or the value of params.ParamLearningRate if configured with FromParams.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	c.schedule = nil
	return c
}

// WithSchedule sets a learning rate schedule, indexed by the number of calls to Apply.
func (c *AdamConfig) WithSchedule(schedule Schedule) *AdamConfig {
	c.schedule = schedule
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// ClipStepByValue clips each element of the step to [-value, value]. 0 disables clipping.
func (c *AdamConfig) ClipStepByValue(value float64) *AdamConfig {
	c.clipStep = value
	return c
}

// Adamax configure Adam to use a L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizer that implements Adam.
func (c *AdamConfig) Done() *AdamOptimizer {
	assertPositive("learning rate", c.learningRate)
	assertPositive("epsilon", c.epsilon)
	schedule := c.schedule
	if schedule == nil {
		schedule = ConstantSchedule(c.learningRate)
	}
	config := *c
	config.schedule = schedule
	return &AdamOptimizer{config: config, moments: make(map[string]*adamMoments)}
}

// AdamOptimizer implements the Adam algorithm as an optimizers.Interface.
type AdamOptimizer struct {
	config AdamConfig

	mu       sync.Mutex
	numSteps int64
	moments  map[string]*adamMoments
}

// Compile time check that AdamOptimizer implements Interface.
var _ Interface = (*AdamOptimizer)(nil)

// adamMoments holds the 1st and 2nd order moments for a variable or for one row of a table.
type adamMoments struct {
	step             int64
	moment1, moment2 []float32
}

// LearningRate returns the learning rate to be used in the next Apply.
func (o *AdamOptimizer) LearningRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config.schedule(o.numSteps)
}

// NumMoments returns the number of variables and table rows with optimizer state.
func (o *AdamOptimizer) NumMoments() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.moments)
}

// Apply implements Interface. The moments are only updated if the whole Apply succeeds.
func (o *AdamOptimizer) Apply(current map[string]*tensors.Tensor, dense map[string]*tensors.Tensor,
	sparse map[string]*grads.IndexedSlices) (map[string]*tensors.Tensor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pending := make(map[string]*adamMoments)
	updated, err := applyWith(current, dense, sparse, o.stepWith(o.config.schedule(o.numSteps), pending))
	if err != nil {
		return nil, err
	}
	for key, m := range pending {
		o.moments[key] = m
	}
	o.numSteps++
	return updated, nil
}

// ApplyToTable implements Interface.
func (o *AdamOptimizer) ApplyToTable(table *embedding.Table, gradient *grads.IndexedSlices) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	pending := make(map[string]*adamMoments)
	if err := applyToTableWith(table, gradient, o.stepWith(o.config.schedule(o.numSteps), pending)); err != nil {
		return err
	}
	for key, m := range pending {
		o.moments[key] = m
	}
	return nil
}

// Clear implements Interface. It drops all the moments and resets the step counter.
func (o *AdamOptimizer) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if klog.V(1).Enabled() {
		klog.Infof("Adam: clearing moments of %d variables/rows", len(o.moments))
	}
	o.moments = make(map[string]*adamMoments)
	o.numSteps = 0
}

// stepWith returns the update function for one variable or row, storing the new moments in pending.
func (o *AdamOptimizer) stepWith(learningRate float64, pending map[string]*adamMoments) stepFn {
	cfg := &o.config
	return func(key string, value, gradient []float32) {
		m := o.moments[key]
		if m == nil || len(m.moment1) != len(value) {
			m = &adamMoments{moment1: make([]float32, len(value)), moment2: make([]float32, len(value))}
		} else {
			m = &adamMoments{step: m.step, moment1: append([]float32(nil), m.moment1...),
				moment2: append([]float32(nil), m.moment2...)}
		}
		m.step++
		debiasTermBeta1 := 1.0 / (1.0 - math.Pow(cfg.beta1, float64(m.step)))
		debiasTermBeta2 := 1.0 / (1.0 - math.Pow(cfg.beta2, float64(m.step)))
		for ii, g32 := range gradient {
			g := float64(g32)
			moment1 := cfg.beta1*float64(m.moment1[ii]) + (1-cfg.beta1)*g
			var denominator, moment2 float64
			if cfg.adamax {
				moment2 = math.Max(cfg.beta2*float64(m.moment2[ii]), math.Abs(g)) // L-infinity norm.
				denominator = moment2 + cfg.epsilon
			} else {
				moment2 = cfg.beta2*float64(m.moment2[ii]) + (1-cfg.beta2)*g*g
				denominator = math.Sqrt(moment2*debiasTermBeta2) + cfg.epsilon
			}
			m.moment1[ii], m.moment2[ii] = float32(moment1), float32(moment2)
			stepDirection := moment1 * debiasTermBeta1 / denominator
			if cfg.weightDecay > 0 {
				stepDirection += float64(value[ii]) * cfg.weightDecay
			}
			value[ii] -= float32(clipStep(learningRate*stepDirection, cfg.clipStep))
		}
		pending[key] = m
	}
}
