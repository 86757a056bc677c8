// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package master implements the master side of the parameter server: the model state store, the
// pending embedding gradients and the gradient aggregation Service that workers report to.
package master

import (
	"slices"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/paramserver/ps/grads"
	"github.com/gomlx/paramserver/types/shapes"
	"github.com/gomlx/paramserver/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Store holds the authoritative values of the dense variables and of the fixed-sparse table, along with
// the model version.
//
// Values only change through Commit, which increments the version. Reads take a read lock and return copies,
// so readers (checkpointing, evaluation) never see a partially committed model.
type Store struct {
	mu              sync.RWMutex
	version         int64
	values          map[string]*tensors.Tensor
	kinds           map[string]grads.Kind
	order           []string
	fixedSparseName string
}

// NewStore creates an empty store at version 0.
func NewStore() *Store {
	return &Store{
		values: make(map[string]*tensors.Tensor),
		kinds:  make(map[string]grads.Kind),
	}
}

// AddDense declares a dense variable with its initial value. The store keeps a copy of value.
func (s *Store) AddDense(name string, value *tensors.Tensor) error {
	return s.add(name, grads.DenseVariable, value)
}

// AddFixedSparse declares the fixed-sparse table with its initial value, shaped `[rows, ...]`.
// There can be at most one fixed-sparse table.
func (s *Store) AddFixedSparse(name string, value *tensors.Tensor) error {
	if value != nil && value.Rank() < 1 {
		return errors.Errorf("fixed-sparse table %q must have rank >= 1, got shape %s", name, value.Shape())
	}
	return s.add(name, grads.FixedSparseTable, value)
}

func (s *Store) add(name string, kind grads.Kind, value *tensors.Tensor) error {
	if value == nil || !value.Ok() {
		return errors.Errorf("variable %q has no value", name)
	}
	if value.DType() != dtypes.Float32 {
		return errors.Errorf("variable %q has dtype %s, only Float32 variables are trainable", name, value.DType())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.values[name]; found {
		return errors.Errorf("variable %q already declared", name)
	}
	if kind == grads.FixedSparseTable {
		if s.fixedSparseName != "" {
			return errors.Errorf("fixed-sparse table %q already declared, can't declare %q", s.fixedSparseName, name)
		}
		s.fixedSparseName = name
	}
	s.values[name] = value.Clone()
	s.kinds[name] = kind
	s.order = append(s.order, name)
	return nil
}

// Version returns the current model version.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Names returns the variable names, in declaration order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// Kind returns the kind of the variable, and whether it exists.
func (s *Store) Kind(name string) (kind grads.Kind, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kind, found = s.kinds[name]
	return
}

// FixedSparseName returns the name of the fixed-sparse table, or "" if there is none.
func (s *Store) FixedSparseName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fixedSparseName
}

// Get returns a copy of the current value of the variable.
func (s *Store) Get(name string) (*tensors.Tensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, found := s.values[name]
	if !found {
		return nil, errors.Wrapf(grads.ErrUnknownVariable, "variable %q", name)
	}
	return value.Clone(), nil
}

// Shape returns the shape of the variable.
func (s *Store) Shape(name string) (shapes.Shape, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, found := s.values[name]
	if !found {
		return shapes.Invalid(), errors.Wrapf(grads.ErrUnknownVariable, "variable %q", name)
	}
	return value.Shape(), nil
}

// getShared returns the current values of the given variables without copying them, along with the version.
// Stored tensors are never changed in place (Commit replaces them), so they can be read without the lock.
func (s *Store) getShared(names []string) (values map[string]*tensors.Tensor, version int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values = make(map[string]*tensors.Tensor, len(names))
	for _, name := range names {
		value, found := s.values[name]
		if !found {
			return nil, 0, errors.Wrapf(grads.ErrUnknownVariable, "variable %q", name)
		}
		values[name] = value
	}
	return values, s.version, nil
}

// Snapshot returns a copy of all the values and the version they correspond to.
func (s *Store) Snapshot() (version int64, values map[string]*tensors.Tensor) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values = make(map[string]*tensors.Tensor, len(s.values))
	for name, value := range s.values {
		values[name] = value.Clone()
	}
	return s.version, values
}

// Commit replaces the values of the updated variables and increments the version, if the current version
// is precondition. Otherwise, it returns an ErrVersionConflict error and nothing changes.
//
// All updated variables must exist and keep their shapes. The store takes ownership of the updated tensors:
// they must not be changed afterward.
//
// It returns the new version.
func (s *Store) Commit(precondition int64, updates map[string]*tensors.Tensor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if precondition != s.version {
		return s.version, errors.Wrapf(grads.ErrVersionConflict, "commit for version %d, but model is at version %d",
			precondition, s.version)
	}
	names := maps.Keys(updates)
	slices.Sort(names)
	for _, name := range names {
		current, found := s.values[name]
		if !found {
			return s.version, errors.Wrapf(grads.ErrUnknownVariable, "commit of variable %q", name)
		}
		update := updates[name]
		if update == nil {
			return s.version, errors.Errorf("commit of variable %q without a value", name)
		}
		if !update.Shape().Equal(current.Shape()) {
			return s.version, errors.Wrapf(grads.ErrShapeMismatch, "commit of variable %q with shape %s, but it has shape %s",
				name, update.Shape(), current.Shape())
		}
	}
	for name, update := range updates {
		s.values[name] = update
	}
	s.version++
	klog.V(2).Infof("model store: committed %d variables, version=%d", len(updates), s.version)
	return s.version, nil
}
