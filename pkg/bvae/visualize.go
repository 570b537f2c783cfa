// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bvae

import (
	"path/filepath"

	"github.com/gomlx/betavae/pkg/distributions"
	"github.com/gomlx/betavae/pkg/imagegrid"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// SweepMin and SweepMax are the range of values taken by a latent dimension in the disentanglement
// visualization.
const (
	SweepMin = -3.0
	SweepMax = 3.0
)

// SweepValues returns n (>= 2) evenly spaced values from SweepMin to SweepMax, inclusive.
func SweepValues(n int) []float64 {
	return floats.Span(make([]float64, n), SweepMin, SweepMax)
}

// ToPixels converts a model output (Float32) to Int32 pixel values with (x+1)*(255.99/2), truncated.
func ToPixels(output *tensors.Tensor) *tensors.Tensor {
	values := tensors.MustCopyFlatData[float32](output)
	pixels := make([]int32, len(values))
	for ii, v := range values {
		pixels[ii] = int32((float64(v) + 1) * (255.99 / 2))
	}
	return tensors.FromFlatDataAndDimensions(pixels, output.Shape().Dimensions...)
}

// OutputPixels converts a model output to Int32 pixel values in [0, 255] according to the output
// distribution: outputs of a Bernoulli distribution are in [0, 1] and are scaled by 255.99, other
// outputs are in [-1, 1] and are converted with ToPixels.
func OutputPixels(kind distributions.Kind, output *tensors.Tensor) *tensors.Tensor {
	if kind != distributions.KindBernoulli {
		return ToPixels(output)
	}
	values := tensors.MustCopyFlatData[float32](output)
	pixels := make([]int32, len(values))
	for ii, v := range values {
		pixels[ii] = int32(float64(v) * 255.99)
	}
	return tensors.FromFlatDataAndDimensions(pixels, output.Shape().Dimensions...)
}

// TraversalCodes returns the latent codes of the disentanglement traversal around code: for each
// latent dimension in order, len(values) copies of code with that dimension set to each of the values.
// The result is shaped [len(code)*len(values), len(code)].
func TraversalCodes(code []float32, values []float64) *tensors.Tensor {
	zDim, n := len(code), len(values)
	flat := make([]float32, 0, zDim*n*zDim)
	for target := range zDim {
		for _, value := range values {
			start := len(flat)
			flat = append(flat, code...)
			flat[start+target] = float32(value)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, zDim*n, zDim)
}

// VisualiseReconstruction writes the reconstructions of the images batch to ReconstructedFile, and the
// images themselves to GTFile, in the samples directory.
func (m *Model) VisualiseReconstruction(images *tensors.Tensor) error {
	reconstructed, err := m.Reconstruct(images)
	if err != nil {
		return err
	}
	dir := m.cfg.Dirs.Samples
	if err = imagegrid.Save(filepath.Join(dir, ReconstructedFile), ToPixels(reconstructed), 0, 0); err != nil {
		return err
	}
	return imagegrid.Save(filepath.Join(dir, GTFile), images, 0, 0)
}

// VisualiseDisentanglement encodes the first image of the batch and writes to DisentanglementFile a
// grid with one row per latent dimension: in each row that dimension sweeps SweepValues while the
// others keep the encoded value. Only Gaussian latents are supported.
func (m *Model) VisualiseDisentanglement(images *tensors.Tensor) error {
	code, err := m.Encode(images)
	if err != nil {
		return err
	}
	zDim := m.cfg.ZDist.Dim()
	first := tensors.MustCopyFlatData[float32](code)[:zDim]
	codes := TraversalCodes(first, SweepValues(m.cfg.NDisentangleSamples))
	decoded, err := m.Generate(codes, 0)
	if err != nil {
		return err
	}
	path := filepath.Join(m.cfg.Dirs.Samples, DisentanglementFile)
	if err = imagegrid.Save(path, ToPixels(decoded), zDim, m.cfg.NDisentangleSamples); err != nil {
		return err
	}
	klog.V(1).Infof("disentanglement traversal written to %q", path)
	return nil
}
