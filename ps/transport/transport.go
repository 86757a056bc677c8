// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transport defines the payloads exchanged between workers and the master, and the Master
// interface workers use to talk to it.
//
// NewInProcess implements Master with direct calls to a master.Service in the same process, with the same
// contract as a remote master: payloads are copied at the boundary and panics become errors.
package transport

import (
	"context"

	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/tensors"
)

// ReportGradientRequest is sent by a worker with the gradients it computed on the model at ModelVersion.
type ReportGradientRequest struct {
	WorkerID     string
	ModelVersion int64
	Dense        []grads.NamedTensor
	FixedSparse  *grads.NamedSlices
	Embeddings   map[string]*grads.IndexedSlices
}

// NewReportGradientRequest creates the request for an aggregated report. The report is not copied.
func NewReportGradientRequest(workerID string, version int64, report *grads.AggregatedReport) *ReportGradientRequest {
	return &ReportGradientRequest{
		WorkerID:     workerID,
		ModelVersion: version,
		Dense:        report.Dense,
		FixedSparse:  report.FixedSparse,
		Embeddings:   report.Embeddings,
	}
}

// Report returns the aggregated report in the request. It shares the request's tensors.
func (r *ReportGradientRequest) Report() *grads.AggregatedReport {
	return &grads.AggregatedReport{Dense: r.Dense, FixedSparse: r.FixedSparse, Embeddings: r.Embeddings}
}

// ReportGradientResponse tells whether the report was accepted, and the model version after it was processed.
// A rejected (stale) report should be recomputed on a newer model.
type ReportGradientResponse struct {
	Accepted     bool
	ModelVersion int64
}

// GetModelRequest asks for the current model.
type GetModelRequest struct {
	WorkerID string
}

// GetModelResponse holds the model values (dense variables and fixed-sparse table) at ModelVersion.
type GetModelResponse struct {
	ModelVersion int64
	Values       map[string]*tensors.Tensor
}

// Clone returns a deep copy of the response.
func (r *GetModelResponse) Clone() *GetModelResponse {
	clone := &GetModelResponse{ModelVersion: r.ModelVersion, Values: make(map[string]*tensors.Tensor, len(r.Values))}
	for name, value := range r.Values {
		clone.Values[name] = value.Clone()
	}
	return clone
}

// LookupEmbeddingRequest asks for the current vectors of ids in an embedding layer.
type LookupEmbeddingRequest struct {
	WorkerID string
	Layer    string
	IDs      []int64
}

// LookupEmbeddingResponse holds the vectors, shaped `[len(ids), dim]`.
type LookupEmbeddingResponse struct {
	Vectors *tensors.Tensor
}

// Master is the interface of the master as seen by the workers.
type Master interface {
	ReportGradient(ctx context.Context, req *ReportGradientRequest) (*ReportGradientResponse, error)
	GetModel(ctx context.Context, req *GetModelRequest) (*GetModelResponse, error)
	LookupEmbedding(ctx context.Context, req *LookupEmbeddingRequest) (*LookupEmbeddingResponse, error)
}

// EmbeddingSource adapts a Master to embedding.Source, so embedding layers of a worker fetch their
// vectors from the master.
type EmbeddingSource struct {
	Master   Master
	WorkerID string
}

// Lookup implements embedding.Source.
func (s EmbeddingSource) Lookup(ctx context.Context, layer string, ids []int64) (*tensors.Tensor, error) {
	resp, err := s.Master.LookupEmbedding(ctx, &LookupEmbeddingRequest{WorkerID: s.WorkerID, Layer: layer, IDs: ids})
	if err != nil {
		return nil, err
	}
	return resp.Vectors, nil
}
