// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets provides infinite generators of image batches for the beta-VAE.
//
// Every generator yields Int32 tensors shaped [batchSize, height, width, channels] with values in
// [0, 255], or in {0, 1} when configured as binary (the form expected by a Bernoulli output
// distribution).
package datasets

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Generator produces batches of images. It never runs out: it loops over its source as needed.
type Generator interface {
	Next() (*tensors.Tensor, error)
}

// Config describes the batches produced by a generator.
type Config struct {
	BatchSize               int
	Height, Width, Channels int

	// Binary makes pixel values 0 or 1 (thresholded at 128) instead of [0, 255].
	Binary bool

	// Seed for shuffling and for the synthetic shapes.
	Seed uint64
}

// Validate returns an error if any of the dimensions is not positive or channels is not 1 or 3.
func (c Config) Validate() error {
	if c.BatchSize <= 0 || c.Height <= 0 || c.Width <= 0 {
		return errors.Errorf("invalid dataset configuration: batch size and image dimensions must be positive, got %+v", c)
	}
	if c.Channels != 1 && c.Channels != 3 {
		return errors.Errorf("invalid dataset configuration: channels must be 1 or 3, got %d", c.Channels)
	}
	return nil
}

// imageSize is the number of values of one image.
func (c Config) imageSize() int {
	return c.Height * c.Width * c.Channels
}

// newRand returns a deterministic PRNG for the given seed and stream.
func newRand(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}

// binarize converts values in [0, 255] to {0, 1} in place.
func binarize(values []int32) {
	for ii, v := range values {
		if v >= 128 {
			values[ii] = 1
		} else {
			values[ii] = 0
		}
	}
}
