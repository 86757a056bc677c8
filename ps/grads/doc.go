// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grads defines the gradient data model shared by the workers and the parameter server master.
//
// A worker's backward pass emits a flat, ordered list of Gradient values, one per TrainableItem. Each
// Gradient is a tagged variant: either Dense (a full-shape tensor) or Indexed (row ids plus row values,
// see IndexedSlices). The worker classifies the flat list into an AggregatedReport, which is what is sent
// to the master:
//
//   - Dense: plain dense gradients, keyed by variable name.
//   - FixedSparse: at most one indexed gradient over the bounded (fixed-size) sparse table.
//   - Embeddings: one indexed gradient per dynamic embedding layer, built by concatenating, in lookup
//     order, the gradient blocks and ids of every lookup ("fragment") the layer did in the forward pass.
//
// Duplicate row ids in an IndexedSlices are independent contributions: they are never merged here, they are
// summed when the gradient is applied to the table.
package grads
