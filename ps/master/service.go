// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/ml/params"
	"github.com/gomlx/paramserver/ml/train/optimizers"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// maxCommitAttempts is the number of times the service re-applies a step whose commit conflicted with a
// concurrent commit to the store.
const maxCommitAttempts = 3

// Config for a Service. Create it with Build, configure it and call Done.
type Config struct {
	store               *Store
	params              *params.Params
	optimizer           optimizers.Interface
	maxStaleness        int
	gradsToWait         int
	stalenessModulation bool
	layerOrder          []string
	layerDims           map[string]int
}

// Build starts the configuration of a Service that aggregates gradients into store.
//
// Example:
//
//	service, err := master.Build(store).
//		FromParams(p).
//		EmbeddingLayer("user_embedding", 16).
//		Done()
func Build(store *Store) *Config {
	return &Config{
		store:       store,
		gradsToWait: 1,
		layerDims:   make(map[string]int),
	}
}

// FromParams reads params.ParamMaxStaleness, params.ParamGradsToWait and params.ParamStalenessModulation.
// If no optimizer is configured, Done creates one from the same hyperparameters (see optimizers.FromParams).
func (c *Config) FromParams(p *params.Params) *Config {
	c.params = p
	c.maxStaleness = params.GetParamOr(p, params.ParamMaxStaleness, c.maxStaleness)
	c.gradsToWait = params.GetParamOr(p, params.ParamGradsToWait, c.gradsToWait)
	c.stalenessModulation = params.GetParamOr(p, params.ParamStalenessModulation, c.stalenessModulation)
	return c
}

// Optimizer used to apply dense and fixed-sparse gradients.
func (c *Config) Optimizer(opt optimizers.Interface) *Config {
	c.optimizer = opt
	return c
}

// MaxStaleness is the number of versions a report can lag behind the current model and still be accepted.
// 0 (the default) is synchronous training: only reports computed on the current version are accepted.
func (c *Config) MaxStaleness(maxStaleness int) *Config {
	c.maxStaleness = maxStaleness
	return c
}

// GradsToWait is the number of accepted reports with model gradients aggregated into one step:
// dense gradients are averaged, and fixed-sparse gradients concatenated. Default is 1.
func (c *Config) GradsToWait(n int) *Config {
	c.gradsToWait = n
	return c
}

// StalenessModulation scales the model gradients of a report computed s versions ago by 1/(s+1).
func (c *Config) StalenessModulation(enabled bool) *Config {
	c.stalenessModulation = enabled
	return c
}

// EmbeddingLayer declares a dynamic embedding layer and its dimension. Only gradients of declared layers
// are accepted.
func (c *Config) EmbeddingLayer(name string, dim int) *Config {
	if _, found := c.layerDims[name]; !found {
		c.layerOrder = append(c.layerOrder, name)
	}
	c.layerDims[name] = dim
	return c
}

// Done validates the configuration and creates the Service.
func (c *Config) Done() (*Service, error) {
	if c.store == nil {
		return nil, errors.New("master.Build() requires a store")
	}
	if c.maxStaleness < 0 {
		return nil, errors.Errorf("max staleness must be >= 0, got %d", c.maxStaleness)
	}
	if c.gradsToWait < 1 {
		return nil, errors.Errorf("grads to wait must be >= 1, got %d", c.gradsToWait)
	}
	for _, layer := range c.layerOrder {
		if c.layerDims[layer] <= 0 {
			return nil, errors.Errorf("embedding layer %q has invalid dimension %d", layer, c.layerDims[layer])
		}
		if _, found := c.store.Kind(layer); found {
			return nil, errors.Errorf("embedding layer %q has the same name as a model variable", layer)
		}
	}
	opt := c.optimizer
	if opt == nil {
		var err error
		opt, err = optimizers.FromParams(c.params)
		if err != nil {
			return nil, err
		}
	}
	s := &Service{
		store:               c.store,
		optimizer:           opt,
		maxStaleness:        int64(c.maxStaleness),
		gradsToWait:         c.gradsToWait,
		stalenessModulation: c.stalenessModulation,
		layerOrder:          slices.Clone(c.layerOrder),
		layerDims:           maps.Clone(c.layerDims),
		pending:             NewPendingEmbeddings(),
		bufferedDense:       make(map[string]*tensors.Tensor),
	}
	klog.V(1).Infof("master: service created, max_staleness=%d, grads_to_wait=%d, staleness_modulation=%v, %d embedding layers",
		s.maxStaleness, s.gradsToWait, s.stalenessModulation, len(s.layerOrder))
	return s, nil
}

// ReportResult is the answer to a gradient report.
type ReportResult struct {
	// Accepted is false if the report was computed on a model version that is too old: it was discarded, and the
	// worker should recompute it on a newer version.
	Accepted bool

	// Version is the model version after the report was processed.
	Version int64
}

// Stats are counters of the reports received by the service.
type Stats struct {
	Accepted, Rejected int64

	// Steps is the number of optimizer steps applied to the model.
	Steps int64

	// EmbeddingRows is the total number of embedding gradient rows accumulated.
	EmbeddingRows int64
}

// Service receives the gradient reports of the workers: it applies dense and fixed-sparse gradients to the
// model with the optimizer, and accumulates the embedding gradients until they are drained by the embedding
// apply cycle.
//
// It is safe for concurrent use: reports are processed one at a time.
type Service struct {
	store               *Store
	optimizer           optimizers.Interface
	maxStaleness        int64
	gradsToWait         int
	stalenessModulation bool
	layerOrder          []string
	layerDims           map[string]int
	pending             *PendingEmbeddings

	mu sync.Mutex
	// Model gradients aggregated until gradsToWait reports arrive.
	bufferedDense  map[string]*tensors.Tensor
	bufferedSparse []*grads.IndexedSlices
	numBuffered    int
	stats          Stats
}

// Store returns the model state store the service updates.
func (s *Service) Store() *Store { return s.store }

// Optimizer returns the optimizer used for dense and fixed-sparse gradients.
func (s *Service) Optimizer() optimizers.Interface { return s.optimizer }

// EmbeddingLayers returns the declared embedding layers, in declaration order.
func (s *Service) EmbeddingLayers() []string { return slices.Clone(s.layerOrder) }

// EmbeddingDim returns the dimension of the embedding layer, and whether it was declared.
func (s *Service) EmbeddingDim(layer string) (dim int, found bool) {
	dim, found = s.layerDims[layer]
	return
}

// Version returns the current model version.
func (s *Service) Version() int64 { return s.store.Version() }

// Stats returns the counters of the service.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// GetModel returns the current model version and a copy of the model values.
func (s *Service) GetModel(ctx context.Context) (version int64, values map[string]*tensors.Tensor, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	version, values = s.store.Snapshot()
	return
}

// ReportGradient processes one gradient report computed on the model at workerVersion.
//
// The report is accepted if `current - maxStaleness <= workerVersion <= current`. A stale report is
// discarded (nothing changes) and returns Accepted=false. A workerVersion ahead of the current version returns
// an ErrStaleVersion error.
//
// The whole report is validated before anything changes: invalid reports return an error and change nothing.
//
// For accepted reports the dense and fixed-sparse gradients are applied by the optimizer, and the version
// incremented (once every gradsToWait reports with model gradients), and the embedding gradients are
// appended to the pending embedding gradients.
func (s *Service) ReportGradient(ctx context.Context, workerVersion int64, report *grads.AggregatedReport) (
	ReportResult, error) {
	if err := ctx.Err(); err != nil {
		return ReportResult{}, err
	}
	if report == nil {
		return ReportResult{}, errors.New("nil gradient report")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.store.Version()
	if workerVersion > current {
		klog.Errorf("master: report for version %d, ahead of the model version %d", workerVersion, current)
		return ReportResult{Version: current}, errors.Wrapf(grads.ErrStaleVersion,
			"report for version %d is ahead of the model version %d", workerVersion, current)
	}
	if workerVersion < current-s.maxStaleness {
		s.stats.Rejected++
		klog.Warningf("master: rejected stale report for version %d, model is at version %d (max staleness %d)",
			workerVersion, current, s.maxStaleness)
		return ReportResult{Accepted: false, Version: current}, nil
	}

	embeddings, err := s.validate(report)
	if err != nil {
		klog.Errorf("master: invalid report: %+v", err)
		return ReportResult{Version: current}, err
	}

	scale := 1.0
	if staleness := current - workerVersion; s.stalenessModulation && staleness > 0 {
		scale = 1.0 / float64(staleness+1)
	}
	if report.HasModelGradients() {
		// The buffers only change once the report is fully processed: a failed apply leaves them as they were.
		dense, sparse := s.withModelGradients(report, scale)
		numBuffered := s.numBuffered + 1
		if numBuffered >= s.gradsToWait {
			if err := s.applyBuffered(dense, sparse, numBuffered); err != nil {
				return ReportResult{Version: s.store.Version()}, err
			}
		} else {
			s.bufferedDense, s.bufferedSparse, s.numBuffered = dense, sparse, numBuffered
		}
	}

	layers := maps.Keys(embeddings)
	slices.Sort(layers)
	for _, layer := range layers {
		if err := s.pending.Append(layer, embeddings[layer]); err != nil {
			// Validation makes this unreachable.
			return ReportResult{Version: s.store.Version()}, err
		}
		s.stats.EmbeddingRows += int64(embeddings[layer].Len())
	}
	s.stats.Accepted++
	result := ReportResult{Accepted: true, Version: s.store.Version()}
	if klog.V(1).Enabled() {
		klog.Infof("master: accepted report for version %d (%s), model version %d", workerVersion, report, result.Version)
	}
	return result, nil
}

// validate the report against the model and the declared embedding layers. It returns the embedding
// gradients converted to Float32.
func (s *Service) validate(report *grads.AggregatedReport) (map[string]*grads.IndexedSlices, error) {
	seen := make(map[string]bool, len(report.Dense))
	for _, dense := range report.Dense {
		if kind, found := s.store.Kind(dense.Name); !found || kind != grads.DenseVariable {
			return nil, errors.Wrapf(grads.ErrUnknownVariable, "dense gradient for %q, which is not a dense variable", dense.Name)
		}
		if seen[dense.Name] {
			return nil, errors.Errorf("more than one dense gradient for %q", dense.Name)
		}
		seen[dense.Name] = true
		shape, err := s.store.Shape(dense.Name)
		if err != nil {
			return nil, err
		}
		if dense.Tensor == nil || !isFloat(dense.Tensor.DType()) || !dense.Tensor.Shape().EqualDimensions(shape) {
			return nil, errors.Wrapf(grads.ErrShapeMismatch, "dense gradient for %q doesn't match variable shape %s",
				dense.Name, shape)
		}
	}

	if report.FixedSparse != nil {
		name := report.FixedSparse.Name
		if name == "" || name != s.store.FixedSparseName() {
			return nil, errors.Wrapf(grads.ErrUnknownVariable, "indexed gradient for %q, which is not the fixed-sparse table", name)
		}
		tableShape, err := s.store.Shape(name)
		if err != nil {
			return nil, err
		}
		if err := checkTableSlices(name, report.FixedSparse.Slices, tableShape); err != nil {
			return nil, err
		}
	}

	embeddings := make(map[string]*grads.IndexedSlices, len(report.Embeddings))
	for layer, g := range report.Embeddings {
		dim, found := s.layerDims[layer]
		if !found {
			return nil, errors.Wrapf(grads.ErrUnknownLayer, "embedding gradient for layer %q", layer)
		}
		if err := g.Check(); err != nil {
			return nil, errors.WithMessagef(err, "embedding layer %q", layer)
		}
		shape := g.Values.Shape()
		if !isFloat(shape.DType) || shape.Rank() != 2 || shape.Dim(1) != dim {
			return nil, errors.Wrapf(grads.ErrShapeMismatch, "embedding layer %q has dimension %d, got gradient values shaped %s",
				layer, dim, shape)
		}
		if g.Len() == 0 {
			continue
		}
		embeddings[layer] = &grads.IndexedSlices{Indices: g.Indices, Values: tensors.ConvertToFloat32(g.Values)}
	}
	return embeddings, nil
}

// checkTableSlices checks that the indexed gradient is valid for a table with the given shape.
func checkTableSlices(name string, s *grads.IndexedSlices, tableShape shapes.Shape) error {
	if err := s.Check(); err != nil {
		return errors.WithMessagef(err, "fixed-sparse table %q", name)
	}
	valuesShape := s.Values.Shape()
	numRows := tableShape.Dim(0)
	if !isFloat(valuesShape.DType) || !valuesShape.WithRows(numRows).EqualDimensions(tableShape) {
		return errors.Wrapf(grads.ErrShapeMismatch, "fixed-sparse table %q has shape %s, got gradient values shaped %s",
			name, tableShape, valuesShape)
	}
	for _, index := range s.Indices {
		if index < 0 || index >= int64(numRows) {
			return errors.Wrapf(grads.ErrShapeMismatch, "fixed-sparse table %q has %d rows, got gradient for row %d",
				name, numRows, index)
		}
	}
	return nil
}

func isFloat(dtype dtypes.DType) bool {
	return dtype == dtypes.Float16 || dtype == dtypes.Float32 || dtype == dtypes.Float64
}

// scaled returns a Float32 copy of t multiplied by scale.
func scaled(t *tensors.Tensor, scale float64) *tensors.Tensor {
	result := tensors.ConvertToFloat32(t).Clone()
	if scale != 1.0 {
		tensors.MutableFlatData(result, func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(float64(flat[ii]) * scale)
			}
		})
	}
	return result
}

// withModelGradients returns new buffers with the dense and fixed-sparse gradients of the report added to the
// currently buffered ones. The current buffers are not modified.
func (s *Service) withModelGradients(report *grads.AggregatedReport, scale float64) (
	dense map[string]*tensors.Tensor, sparse []*grads.IndexedSlices) {
	dense = maps.Clone(s.bufferedDense)
	if dense == nil {
		dense = make(map[string]*tensors.Tensor, len(report.Dense))
	}
	for _, g := range report.Dense {
		sum := scaled(g.Tensor, scale)
		if previous, found := dense[g.Name]; found {
			tensors.ConstFlatData(previous, func(previousFlat []float32) {
				tensors.MutableFlatData(sum, func(sumFlat []float32) {
					for ii, v := range previousFlat {
						sumFlat[ii] += v
					}
				})
			})
		}
		dense[g.Name] = sum
	}
	sparse = slices.Clone(s.bufferedSparse)
	if report.FixedSparse != nil && report.FixedSparse.Slices.Len() > 0 {
		fixed := report.FixedSparse.Slices
		sparse = append(sparse, &grads.IndexedSlices{
			Indices: slices.Clone(fixed.Indices),
			Values:  scaled(fixed.Values, scale),
		})
	}
	return dense, sparse
}

// applyBuffered applies the model gradients of numBuffered reports with the optimizer and commits the new
// values. Dense gradients are averaged over numBuffered, fixed-sparse gradients are concatenated (and their
// rows summed by the optimizer). The buffers are cleared only if the commit succeeds.
func (s *Service) applyBuffered(bufferedDense map[string]*tensors.Tensor, bufferedSparse []*grads.IndexedSlices,
	numBuffered int) error {
	dense := make(map[string]*tensors.Tensor, len(bufferedDense))
	for name, sum := range bufferedDense {
		dense[name] = scaled(sum, 1.0/float64(numBuffered))
	}
	var sparse map[string]*grads.IndexedSlices
	if len(bufferedSparse) > 0 {
		concat, err := grads.ConcatIndexedSlices(bufferedSparse...)
		if err != nil {
			return err
		}
		sparse = map[string]*grads.IndexedSlices{s.store.FixedSparseName(): concat}
	}
	names := maps.Keys(dense)
	slices.Sort(names)
	if len(sparse) > 0 {
		names = append(names, s.store.FixedSparseName())
	}

	var lastErr error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		current, version, err := s.store.getShared(names)
		if err != nil {
			return err
		}
		updates, err := s.optimizer.Apply(current, dense, sparse)
		if err != nil {
			return errors.WithMessagef(err, "optimizer failed to apply gradients")
		}
		newVersion, err := s.store.Commit(version, updates)
		if err == nil {
			s.stats.Steps++
			s.bufferedDense = make(map[string]*tensors.Tensor)
			s.bufferedSparse = nil
			s.numBuffered = 0
			klog.V(1).Infof("master: applied gradients of %d variables, version %d", len(updates), newVersion)
			return nil
		}
		if !errors.Is(err, grads.ErrVersionConflict) {
			return err
		}
		klog.Warningf("master: commit conflict (attempt %d of %d): %v", attempt+1, maxCommitAttempts, err)
		lastErr = err
	}
	return lastErr
}

// PendingEmbeddingGradients returns a copy of the accumulated embedding gradients, per layer.
func (s *Service) PendingEmbeddingGradients() map[string]*grads.IndexedSlices {
	return s.pending.Copy()
}

// DrainEmbeddingGradients returns the accumulated embedding gradients and clears them.
func (s *Service) DrainEmbeddingGradients() map[string]*grads.IndexedSlices {
	return s.pending.Drain()
}

// NumBuffered returns the number of accepted reports whose model gradients wait to be applied.
func (s *Service) NumBuffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numBuffered
}
