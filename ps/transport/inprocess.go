// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/paramserver/ps/embedding"
	"github.com/gomlx/paramserver/ps/master"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InProcess implements Master by calling a master.Service directly.
//
// Requests and responses are deep-copied, so neither side can change the other's tensors, and a panic
// while serving a request is returned as an error, as a remote master would do.
type InProcess struct {
	service    *master.Service
	embeddings embedding.Source

	numRequests atomic.Int64
}

var _ Master = (*InProcess)(nil)

// NewInProcess creates a Master served by service, in the same process.
func NewInProcess(service *master.Service) *InProcess {
	return &InProcess{service: service}
}

// WithEmbeddings sets the source of embedding vectors served by LookupEmbedding, usually a
// master.EmbeddingApplier.
func (m *InProcess) WithEmbeddings(source embedding.Source) *InProcess {
	m.embeddings = source
	return m
}

// NumRequests returns the number of requests served.
func (m *InProcess) NumRequests() int64 {
	return m.numRequests.Load()
}

// serve runs fn converting panics to errors.
func (m *InProcess) serve(method, workerID string, fn func() error) (err error) {
	m.numRequests.Add(1)
	exception := exceptions.TryCatch[error](func() { err = fn() })
	if exception != nil {
		klog.Errorf("transport: %s from worker %q panicked: %+v", method, workerID, exception)
		err = errors.WithMessagef(exception, "%s failed", method)
	}
	return
}

// ReportGradient implements Master.
func (m *InProcess) ReportGradient(ctx context.Context, req *ReportGradientRequest) (resp *ReportGradientResponse, err error) {
	err = m.serve("ReportGradient", req.WorkerID, func() error {
		report := req.Report().Clone()
		result, err := m.service.ReportGradient(ctx, req.ModelVersion, report)
		if err != nil {
			return err
		}
		resp = &ReportGradientResponse{Accepted: result.Accepted, ModelVersion: result.Version}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return
}

// GetModel implements Master.
func (m *InProcess) GetModel(ctx context.Context, req *GetModelRequest) (resp *GetModelResponse, err error) {
	err = m.serve("GetModel", req.WorkerID, func() error {
		version, values, err := m.service.GetModel(ctx)
		if err != nil {
			return err
		}
		resp = &GetModelResponse{ModelVersion: version, Values: values} // Values are already a copy.
		return nil
	})
	if err != nil {
		return nil, err
	}
	return
}

// LookupEmbedding implements Master.
func (m *InProcess) LookupEmbedding(ctx context.Context, req *LookupEmbeddingRequest) (resp *LookupEmbeddingResponse, err error) {
	err = m.serve("LookupEmbedding", req.WorkerID, func() error {
		if m.embeddings == nil {
			return errors.Errorf("master doesn't serve embeddings, lookup in layer %q", req.Layer)
		}
		vectors, err := m.embeddings.Lookup(ctx, req.Layer, slices.Clone(req.IDs))
		if err != nil {
			return err
		}
		resp = &LookupEmbeddingResponse{Vectors: vectors.Clone()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return
}
