// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grads

import "github.com/pkg/errors"

// Errors returned by the parameter server, test with errors.Is.
var (
	// ErrShapeMismatch is returned when a gradient's shape or length disagrees with its trainable item.
	// The whole report is rejected.
	ErrShapeMismatch = errors.New("gradient shape mismatch")

	// ErrStaleVersion is returned when a report's model version can't be accepted by the master. It is
	// recoverable: the worker should fetch the current model, recompute and resubmit.
	ErrStaleVersion = errors.New("stale model version")

	// ErrUnknownLayer is returned when an embedding gradient references a layer that was not declared.
	ErrUnknownLayer = errors.New("unknown embedding layer")

	// ErrUnknownVariable is returned when a dense or fixed-sparse gradient references a variable that is not
	// in the model.
	ErrUnknownVariable = errors.New("unknown variable")

	// ErrVersionConflict is returned by the model state store when a commit's version precondition doesn't
	// hold.
	ErrVersionConflict = errors.New("model version conflict")
)
