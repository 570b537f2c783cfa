// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributions

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// Bernoulli is a vector of independent binary variables. Its only statistic is "p", the
// probability of each variable being 1.
type Bernoulli struct {
	dim int
}

var _ Distribution = (*Bernoulli)(nil)

// NewBernoulli returns a vector of dim independent Bernoulli variables.
func NewBernoulli(dim int) *Bernoulli {
	return &Bernoulli{dim: dim}
}

func (d *Bernoulli) isDistribution() {}

func (d *Bernoulli) String() string { return fmt.Sprintf("bernoulli(%d)", d.dim) }

func (d *Bernoulli) Kind() Kind { return KindBernoulli }

func (d *Bernoulli) Dim() int { return d.dim }

func (d *Bernoulli) FlatDim() int { return d.dim }

func (d *Bernoulli) Activate(flat *graph.Node) Info {
	batchAndDim(flat, d.dim, "Bernoulli.Activate")
	return Info{"p": graph.Sigmoid(flat)}
}

// Sample returns 0 or 1 values, in the dtype of p. It is not differentiable.
func (d *Bernoulli) Sample(ctx *context.Context, info Info) *graph.Node {
	p := info["p"]
	u := ctx.RandomUniform(p.Graph(), p.Shape())
	return graph.ConvertDType(graph.LessThan(u, p), p.DType())
}

func (d *Bernoulli) KL(posterior, prior Info) *graph.Node {
	p, q := posterior["p"], prior["p"]
	oneMinusP := graph.OneMinus(p)
	oneMinusQ := graph.OneMinus(q)
	kl := graph.Add(
		graph.Mul(p, graph.Sub(safeLog(p), safeLog(q))),
		graph.Mul(oneMinusP, graph.Sub(safeLog(oneMinusP), safeLog(oneMinusQ))))
	return graph.ReduceSum(kl, -1)
}

// PriorInfo is p=0.5 everywhere.
func (d *Bernoulli) PriorInfo(g *graph.Graph, dtype dtypes.DType, batchSize int) Info {
	zeros := graph.Zeros(g, shapes.Make(dtype, batchSize, d.dim))
	return Info{"p": graph.AddScalar(zeros, 0.5)}
}

func (d *Bernoulli) SamplePrior(ctx *context.Context, g *graph.Graph, dtype dtypes.DType, batchSize int) *graph.Node {
	return d.Sample(ctx, d.PriorInfo(g, dtype, batchSize))
}
