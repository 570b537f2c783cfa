// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bvae

import (
	"github.com/gomlx/betavae/pkg/distributions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Inference operations accept any number of examples: they are run in chunks of the configured
// batch size, the last one padded with zeros, so each graph is compiled for a single shape.

// chunkOf returns rows [start, end) of the flat values of a tensor with the given dimensions, padded
// with zeros to batchSize rows.
func chunkOf[T int32 | float32](flat []T, dims []int, start, end, batchSize int) *tensors.Tensor {
	rowSize := 1
	for _, dim := range dims[1:] {
		rowSize *= dim
	}
	chunk := make([]T, batchSize*rowSize)
	copy(chunk, flat[start*rowSize:end*rowSize])
	chunkDims := append([]int{batchSize}, dims[1:]...)
	return tensors.FromFlatDataAndDimensions(chunk, chunkDims...)
}

// runChunked executes e on input, an Int32 or Float32 tensor with the examples on the first axis, in
// chunks of the configured batch size. Each Float32 output, also with the examples on the first axis,
// is trimmed and concatenated back into one tensor per output.
func (m *Model) runChunked(e *context.Exec, input *tensors.Tensor) ([]*tensors.Tensor, error) {
	dims := input.Shape().Dimensions
	n, batchSize := dims[0], m.cfg.BatchSize
	var chunk func(start, end int) *tensors.Tensor
	switch input.DType() {
	case dtypes.Int32:
		flat := tensors.MustCopyFlatData[int32](input)
		chunk = func(start, end int) *tensors.Tensor { return chunkOf(flat, dims, start, end, batchSize) }
	case dtypes.Float32:
		flat := tensors.MustCopyFlatData[float32](input)
		chunk = func(start, end int) *tensors.Tensor { return chunkOf(flat, dims, start, end, batchSize) }
	default:
		return nil, errors.Errorf("inputs must be Int32 or Float32, got %s", input.DType())
	}
	return m.collectChunks(n, func(start, end int) ([]*tensors.Tensor, error) {
		return e.Exec(chunk(start, end))
	})
}

// collectChunks calls run for each chunk of up to the batch size examples out of n, and concatenates
// the first end-start rows of each output.
func (m *Model) collectChunks(n int, run func(start, end int) ([]*tensors.Tensor, error)) ([]*tensors.Tensor, error) {
	batchSize := m.cfg.BatchSize
	var (
		flats     [][]float32
		innerDims [][]int
	)
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		outputs, err := run(start, end)
		if err != nil {
			return nil, err
		}
		if flats == nil {
			flats = make([][]float32, len(outputs))
			innerDims = make([][]int, len(outputs))
		}
		for ii, output := range outputs {
			outDims := output.Shape().Dimensions
			rowSize := 1
			for _, dim := range outDims[1:] {
				rowSize *= dim
			}
			innerDims[ii] = outDims[1:]
			values := tensors.MustCopyFlatData[float32](output)
			flats[ii] = append(flats[ii], values[:(end-start)*rowSize]...)
		}
	}
	results := make([]*tensors.Tensor, len(flats))
	for ii, flat := range flats {
		results[ii] = tensors.FromFlatDataAndDimensions(flat, append([]int{n}, innerDims[ii]...)...)
	}
	return results, nil
}

// EncodeInfo returns the statistics of the latent posterior for each image of the batch, e.g.
// "mean" and "stddev" for a Gaussian latent, each shaped [batchSize, latentDim].
func (m *Model) EncodeInfo(images *tensors.Tensor) (map[string]*tensors.Tensor, error) {
	if err := m.checkBatch(images); err != nil {
		return nil, err
	}
	outputs, err := m.runChunked(m.encodeExec, images)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding")
	}
	info := make(map[string]*tensors.Tensor, len(outputs))
	for ii, key := range m.infoKeys {
		info[key] = outputs[ii]
	}
	return info, nil
}

// Encode returns the latent code of each image of the batch: the mean of the posterior, shaped
// [batchSize, latentDim]. Only Gaussian latents are supported, others return an
// UnsupportedDistributionError.
func (m *Model) Encode(images *tensors.Tensor) (*tensors.Tensor, error) {
	if kind := m.cfg.ZDist.Kind(); kind != distributions.KindGaussian {
		return nil, errors.WithStack(&UnsupportedDistributionError{Op: "encode", Kind: kind})
	}
	info, err := m.EncodeInfo(images)
	if err != nil {
		return nil, err
	}
	return info["mean"], nil
}

// Reconstruct encodes, samples and decodes the images batch. The result is shaped like the images,
// with values in [-1, 1] for Gaussian outputs or [0, 1] for Bernoulli outputs.
func (m *Model) Reconstruct(images *tensors.Tensor) (*tensors.Tensor, error) {
	if err := m.checkBatch(images); err != nil {
		return nil, err
	}
	outputs, err := m.runChunked(m.reconstructExec, images)
	if err != nil {
		return nil, errors.WithMessage(err, "reconstructing")
	}
	return outputs[0], nil
}

// Generate decodes the given latent codes, shaped [n, latentDim]. If code is nil, batchSize codes are
// sampled from the latent prior instead, and if batchSize <= 0 the configured batch size is used.
func (m *Model) Generate(code *tensors.Tensor, batchSize int) (*tensors.Tensor, error) {
	if code != nil {
		dims := code.Shape().Dimensions
		if len(dims) != 2 || dims[0] == 0 || dims[1] != m.cfg.ZDist.Dim() {
			return nil, errors.Errorf("latent codes must be shaped [n, %d] with n > 0, got %s", m.cfg.ZDist.Dim(), code.Shape())
		}
		outputs, err := m.runChunked(m.decodeExec, code)
		if err != nil {
			return nil, errors.WithMessage(err, "decoding")
		}
		return outputs[0], nil
	}
	if batchSize <= 0 {
		batchSize = m.cfg.BatchSize
	}
	outputs, err := m.collectChunks(batchSize, func(_, _ int) ([]*tensors.Tensor, error) {
		return m.priorExec.Exec()
	})
	if err != nil {
		return nil, errors.WithMessage(err, "generating from the prior")
	}
	return outputs[0], nil
}
