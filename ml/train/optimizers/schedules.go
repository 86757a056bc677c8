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

	"github.com/gomlx/exceptions"
	"github.com/gomlx/paramserver/ml/params"
)

// This file implements learning rate schedules.

var (
	// ParamCosineScheduleSteps will enable cosine annealing (aka. "cosine schedule")
	// of the learning rate, if set to a value > 0. It defines the number of steps of the
	// period of the cosine annealing schedule.
	//
	// A step here is one application of the dense gradients, that is, one model version.
	// Embedding table updates don't count as steps.
	ParamCosineScheduleSteps = "cosine_schedule_steps"

	// ParamCosineScheduleMinLearningRate is the minimum value of the learning rate, during
	// cosine annealing schedule.
	// Defaults to 10^-3 * initial learning rate.
	ParamCosineScheduleMinLearningRate = "cosine_annealing_min_learning_rate"
)

// Schedule returns the learning rate to use at the given step (0-based).
type Schedule func(step int64) float64

// ConstantSchedule always returns the same learning rate.
func ConstantSchedule(learningRate float64) Schedule {
	return func(int64) float64 { return learningRate }
}

// CosineScheduleOptions is returned by CosineAnnealingSchedule to configure the cosine annealing schedule
// strategy. When finished to configure, call `Done`.
type CosineScheduleOptions struct {
	learningRate, minLearningRate float64
	periodNumSteps                int
}

// CosineAnnealingSchedule allows one to set up a cosine annealing schedule for the learning
// rate. See details https://paperswithcode.com/method/cosine-annealing.
//
// This is slightly different in the sense that $T_i$ is fixed to what here is called [PeriodInSteps].
//
// It returns a CosineScheduleOptions that can be configured. When finished configuring call
// `Done` to get the Schedule. Example:
//
//	opt := optimizers.StochasticGradientDescent().
//		WithSchedule(optimizers.CosineAnnealingSchedule(0.1).PeriodInSteps(1000).Done()).
//		Done()
func CosineAnnealingSchedule(learningRate float64) *CosineScheduleOptions {
	return &CosineScheduleOptions{
		learningRate:    learningRate,
		minLearningRate: -1,
	}
}

// FromParams configures the cosine annealing from the hyperparameters, see ParamCosineScheduleSteps and
// ParamCosineScheduleMinLearningRate.
func (opt *CosineScheduleOptions) FromParams(p *params.Params) *CosineScheduleOptions {
	opt.periodNumSteps = params.GetParamOr(p, ParamCosineScheduleSteps, opt.periodNumSteps)
	opt.minLearningRate = params.GetParamOr(p, ParamCosineScheduleMinLearningRate, opt.minLearningRate)
	return opt
}

// PeriodInSteps sets the number of steps for one period of the cosine schedule. The effective
// learning rate decreases over the given period of training steps, and then is restarted
// at each new period.
func (opt *CosineScheduleOptions) PeriodInSteps(periodSteps int) *CosineScheduleOptions {
	opt.periodNumSteps = periodSteps
	return opt
}

// MinLearningRate at the end of the cosine cycle. Defaults to 10^-3 * initial learning rate.
func (opt *CosineScheduleOptions) MinLearningRate(minLearningRate float64) *CosineScheduleOptions {
	opt.minLearningRate = minLearningRate
	return opt
}

// Done returns the configured Schedule. If the period was not set (or set to <= 0) it returns a
// ConstantSchedule.
func (opt *CosineScheduleOptions) Done() Schedule {
	if opt.periodNumSteps <= 0 {
		return ConstantSchedule(opt.learningRate)
	}
	if opt.learningRate <= 0 {
		exceptions.Panicf("cosine schedule requires a learning rate > 0, got %g", opt.learningRate)
	}
	minLR := opt.minLearningRate
	if minLR < 0 {
		minLR = opt.learningRate / 1000.0
	}
	lr, period := opt.learningRate, int64(opt.periodNumSteps)
	return func(step int64) float64 {
		cycle := float64(step%period) / float64(period)
		cosineDecay := 0.5 * (1.0 + math.Cos(math.Pi*cycle))
		return minLR + (lr-minLR)*cosineDecay
	}
}
