// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"

	"github.com/gomlx/paramserver/ml/params"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/ps/transport"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ComputeFn computes the gradients of a minibatch on the model values at the given version.
//
// It returns the flat list of gradients in the order of the trainable items: dense variables, the fixed-sparse
// table and then one block per embedding lookup, per layer in declaration order. The lookups must be done
// with the model's embedding layers (see embedding.Layer.Lookup), which the Worker resets before each call.
type ComputeFn func(ctx context.Context, version int64, values map[string]*tensors.Tensor) ([]grads.Gradient, error)

// Worker computes gradients on its copy of the model and reports them to the master.
type Worker struct {
	id         string
	master     transport.Master
	model      *ModelSpec
	enumerator *Enumerator
	maxRetries int

	numSteps, numRetries int64
}

// New creates a worker for the model, with a new unique id. It reads params.ParamWorkerMaxRetries from p.
func New(master transport.Master, model *ModelSpec, p *params.Params) (*Worker, error) {
	enumerator, err := NewEnumerator(model)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		id:         uuid.NewString(),
		master:     master,
		model:      model,
		enumerator: enumerator,
		maxRetries: params.GetParamOr(p, params.ParamWorkerMaxRetries, 3),
	}
	if w.maxRetries < 0 {
		return nil, errors.Errorf("worker max retries must be >= 0, got %d", w.maxRetries)
	}
	return w, nil
}

// ID of the worker.
func (w *Worker) ID() string { return w.id }

// Enumerator of the worker's model.
func (w *Worker) Enumerator() *Enumerator { return w.enumerator }

// NumSteps returns the number of reports accepted by the master.
func (w *Worker) NumSteps() int64 { return w.numSteps }

// NumRetries returns the number of times gradients were recomputed after a stale rejection.
func (w *Worker) NumRetries() int64 { return w.numRetries }

// Step fetches the model, computes the gradients with compute and reports them to the master.
// If the master rejects the report as stale, it fetches the model again and recomputes, up to the
// configured number of retries: after that it returns an ErrStaleVersion error.
//
// Invalid gradients are detected before anything is sent to the master.
//
// It returns the model version after the accepted report.
func (w *Worker) Step(ctx context.Context, compute ComputeFn) (int64, error) {
	for attempt := 0; ; attempt++ {
		model, err := w.master.GetModel(ctx, &transport.GetModelRequest{WorkerID: w.id})
		if err != nil {
			return 0, errors.WithMessagef(err, "worker %s failed to get model", w.id)
		}
		for _, layer := range w.model.EmbeddingLayers {
			layer.Reset()
		}
		flat, err := compute(ctx, model.ModelVersion, model.Values)
		if err != nil {
			return 0, errors.WithMessagef(err, "worker %s failed to compute gradients on version %d", w.id, model.ModelVersion)
		}
		reports := make([]grads.EmbeddingLayerReport, 0, len(w.model.EmbeddingLayers))
		for _, layer := range w.model.EmbeddingLayers {
			reports = append(reports, layer.Report())
		}
		report, err := ClassifyWith(w.enumerator, flat, reports)
		if err != nil {
			return 0, errors.WithMessagef(err, "worker %s", w.id)
		}

		resp, err := w.master.ReportGradient(ctx, transport.NewReportGradientRequest(w.id, model.ModelVersion, report))
		if err != nil {
			return 0, errors.WithMessagef(err, "worker %s failed to report gradients", w.id)
		}
		if resp.Accepted {
			w.numSteps++
			klog.V(2).Infof("worker %s: report on version %d accepted, model version %d", w.id, model.ModelVersion, resp.ModelVersion)
			return resp.ModelVersion, nil
		}
		if attempt >= w.maxRetries {
			return resp.ModelVersion, errors.Wrapf(grads.ErrStaleVersion, "worker %s: report on version %d rejected %d times, model version %d",
				w.id, model.ModelVersion, attempt+1, resp.ModelVersion)
		}
		w.numRetries++
		klog.V(1).Infof("worker %s: stale report on version %d (model version %d), recomputing", w.id, model.ModelVersion, resp.ModelVersion)
	}
}
