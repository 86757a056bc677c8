// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params holds hyperparameters: a set of named values with their types defined by their defaults.
//
// The parameter server master, the optimizers and the workers read their configuration from a Params
// object, typically built with Defaults and then updated from the command-line with
// commandline.ParseSettings.
package params

import (
	"reflect"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Known hyperparameter keys.
const (
	// ParamOptimizer is the name of the optimizer, see optimizers.KnownOptimizers.
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the learning rate used by the optimizers.
	ParamLearningRate = "learning_rate"

	// ParamClipStepByValue clips each value of the step applied to a variable (after being scaled by the
	// learning rate) to [-clip, +clip]. 0 disables clipping.
	ParamClipStepByValue = "clip_step_by_value"

	ParamAdamBeta1   = "adam_beta1"
	ParamAdamBeta2   = "adam_beta2"
	ParamAdamEpsilon = "adam_epsilon"

	// ParamMaxStaleness is the maximum number of versions a worker's report may lag behind the master's model.
	// 0 means strict synchronous training.
	ParamMaxStaleness = "max_staleness"

	// ParamGradsToWait is the number of accepted reports the master accumulates before applying them
	// in one step.
	ParamGradsToWait = "grads_to_wait"

	// ParamStalenessModulation scales down the gradients of stale (but accepted) reports by 1/(staleness+1).
	ParamStalenessModulation = "staleness_modulation"

	// ParamWorkerMaxRetries is the number of times a worker recomputes its gradients after a stale rejection.
	ParamWorkerMaxRetries = "worker_max_retries"
)

// Params is a set of hyperparameters. It is safe for concurrent use.
type Params struct {
	mu     sync.RWMutex
	values map[string]any
}

// New returns an empty Params.
func New() *Params {
	return &Params{values: make(map[string]any)}
}

// Defaults returns Params with the default values of all known hyperparameters.
func Defaults() *Params {
	return New().
		Set(ParamOptimizer, "sgd").
		Set(ParamLearningRate, 0.1).
		Set(ParamClipStepByValue, 0.0).
		Set(ParamAdamBeta1, 0.9).
		Set(ParamAdamBeta2, 0.999).
		Set(ParamAdamEpsilon, 1e-8).
		Set(ParamMaxStaleness, 0).
		Set(ParamGradsToWait, 1).
		Set(ParamStalenessModulation, false).
		Set(ParamWorkerMaxRetries, 3)
}

// Set the value of key. It returns p itself, so calls can be chained.
func (p *Params) Set(key string, value any) *Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return p
}

// Get returns the value of key, and whether it was found.
func (p *Params) Get(key string) (value any, found bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, found = p.values[key]
	return
}

// Enumerate calls fn for each parameter, in key order.
func (p *Params) Enumerate(fn func(key string, value any)) {
	p.mu.RLock()
	keys := maps.Keys(p.values)
	slices.Sort(keys)
	values := make([]any, len(keys))
	for ii, key := range keys {
		values[ii] = p.values[key]
	}
	p.mu.RUnlock()
	for ii, key := range keys {
		fn(key, values[ii])
	}
}

// Clone returns a copy of the parameters.
func (p *Params) Clone() *Params {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &Params{values: maps.Clone(p.values)}
}

// GetParamOr returns the value of key cast to T, or defaultValue if it is not set
// (or if p is nil).
//
// If the value is set with a different type that can be converted to T (e.g. an int read as a float64), it is
// converted. If it can't be converted, a warning is logged and defaultValue is returned.
func GetParamOr[T any](p *Params, key string, defaultValue T) T {
	if p == nil {
		return defaultValue
	}
	valueI, found := p.Get(key)
	if !found {
		return defaultValue
	}
	value, ok := valueI.(T)
	if ok {
		return value
	}

	// Try converting, for instance, an int could be converted to float64.
	v := reflect.ValueOf(valueI)
	typeOfT := reflect.TypeOf(defaultValue)
	if !v.IsValid() || !v.CanConvert(typeOfT) || v.Kind() == reflect.Bool || v.Kind() == reflect.String {
		klog.Warningf("Tried to read hyperparameter %q as %s, but failed because it was type %T.", key, typeOfT, valueI)
		return defaultValue
	}
	return v.Convert(typeOfT).Interface().(T)
}
