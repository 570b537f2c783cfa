// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bvae

import (
	"fmt"

	"github.com/gomlx/betavae/pkg/distributions"
)

// ConfigurationError is returned when the configuration is invalid, e.g. an unknown architecture.
type ConfigurationError struct {
	// Field is the hyperparameter key at fault, if any.
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "bvae: invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("bvae: invalid configuration for %q: %s", e.Field, e.Reason)
}

// UnsupportedDistributionError is returned when an operation is asked of a distribution kind that
// doesn't support it, e.g. squashing a categorical output or encoding with a non-Gaussian latent.
type UnsupportedDistributionError struct {
	Op   string
	Kind distributions.Kind
}

func (e *UnsupportedDistributionError) Error() string {
	return fmt.Sprintf("bvae: %s not supported for %s distributions", e.Op, e.Kind)
}

// CheckpointError is returned when a checkpoint can't be read or written. It is fatal: no fallback to
// older checkpoints is attempted.
type CheckpointError struct {
	Path string
	Err  error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("bvae: checkpoint %q: %v", e.Path, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// DivergenceError is returned by Model.Train when the average training cost is NaN or infinite.
type DivergenceError struct {
	Iteration int
	Cost      float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("bvae: training diverged at iteration %d: average cost is %g", e.Iteration, e.Cost)
}
