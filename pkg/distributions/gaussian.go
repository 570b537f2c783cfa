// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributions

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// Gaussian is a diagonal normal distribution. Its statistics are "mean" and "stddev".
//
// The raw parameters are the mean followed by the log-variance, so FlatDim is 2*Dim.
type Gaussian struct {
	dim int
}

var _ Distribution = (*Gaussian)(nil)

// NewGaussian returns a diagonal Gaussian of the given dimension.
func NewGaussian(dim int) *Gaussian {
	return &Gaussian{dim: dim}
}

func (d *Gaussian) isDistribution() {}

func (d *Gaussian) String() string { return fmt.Sprintf("gaussian(%d)", d.dim) }

func (d *Gaussian) Kind() Kind { return KindGaussian }

func (d *Gaussian) Dim() int { return d.dim }

func (d *Gaussian) FlatDim() int { return 2 * d.dim }

// Activate splits flat into mean and log-variance and returns mean and stddev.
func (d *Gaussian) Activate(flat *graph.Node) Info {
	batchAndDim(flat, d.FlatDim(), "Gaussian.Activate")
	mean := sliceFeatures(flat, 0, d.dim)
	logVar := sliceFeatures(flat, d.dim, 2*d.dim)
	return Info{
		"mean":   mean,
		"stddev": graph.Exp(graph.MulScalar(logVar, 0.5)),
	}
}

// Sample uses the reparametrization mean + stddev * epsilon, so gradients flow to the statistics.
func (d *Gaussian) Sample(ctx *context.Context, info Info) *graph.Node {
	mean, stddev := info["mean"], info["stddev"]
	epsilon := ctx.RandomNormal(mean.Graph(), mean.Shape())
	return graph.Add(mean, graph.Mul(stddev, epsilon))
}

// KL of two diagonal Gaussians, summed over the dimensions.
func (d *Gaussian) KL(posterior, prior Info) *graph.Node {
	pMean, pStd := posterior["mean"], posterior["stddev"]
	qMean, qStd := prior["mean"], prior["stddev"]
	numerator := graph.Sub(
		graph.Add(graph.Square(graph.Sub(pMean, qMean)), graph.Square(pStd)),
		graph.Square(qStd))
	denominator := graph.MulScalar(graph.Square(qStd), 2)
	kl := graph.Add(
		graph.Div(numerator, graph.AddScalar(denominator, TINY)),
		graph.Sub(safeLog(qStd), safeLog(pStd)))
	return graph.ReduceSum(kl, -1)
}

// PriorInfo is the standard normal.
func (d *Gaussian) PriorInfo(g *graph.Graph, dtype dtypes.DType, batchSize int) Info {
	mean := graph.Zeros(g, shapes.Make(dtype, batchSize, d.dim))
	return Info{
		"mean":   mean,
		"stddev": graph.OnesLike(mean),
	}
}

func (d *Gaussian) SamplePrior(ctx *context.Context, g *graph.Graph, dtype dtypes.DType, batchSize int) *graph.Node {
	return ctx.RandomNormal(g, shapes.Make(dtype, batchSize, d.dim))
}
