// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributions

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// Categorical is a single variable taking one of Dim values. Samples are one-hot encoded.
// Its only statistic is "prob".
type Categorical struct {
	dim int
}

var _ Distribution = (*Categorical)(nil)

// NewCategorical returns a categorical distribution over dim classes.
func NewCategorical(dim int) *Categorical {
	return &Categorical{dim: dim}
}

func (d *Categorical) isDistribution() {}

func (d *Categorical) String() string { return fmt.Sprintf("categorical(%d)", d.dim) }

func (d *Categorical) Kind() Kind { return KindCategorical }

func (d *Categorical) Dim() int { return d.dim }

func (d *Categorical) FlatDim() int { return d.dim }

func (d *Categorical) Activate(flat *graph.Node) Info {
	batchAndDim(flat, d.dim, "Categorical.Activate")
	return Info{"prob": graph.Softmax(flat, -1)}
}

// Sample uses the Gumbel-max trick and returns a one-hot vector.
func (d *Categorical) Sample(ctx *context.Context, info Info) *graph.Node {
	prob := info["prob"]
	u := ctx.RandomUniform(prob.Graph(), prob.Shape())
	gumbel := graph.Neg(safeLog(graph.Neg(safeLog(u))))
	choice := graph.ArgMax(graph.Add(safeLog(prob), gumbel), 1)
	return graph.OneHot(choice, d.dim, prob.DType())
}

func (d *Categorical) KL(posterior, prior Info) *graph.Node {
	p, q := posterior["prob"], prior["prob"]
	return graph.ReduceSum(graph.Mul(p, graph.Sub(safeLog(p), safeLog(q))), -1)
}

// PriorInfo is the uniform distribution.
func (d *Categorical) PriorInfo(g *graph.Graph, dtype dtypes.DType, batchSize int) Info {
	return Info{"prob": graph.FillScalar(g, shapes.Make(dtype, batchSize, d.dim), 1.0/float64(d.dim))}
}

func (d *Categorical) SamplePrior(ctx *context.Context, g *graph.Graph, dtype dtypes.DType, batchSize int) *graph.Node {
	return d.Sample(ctx, d.PriorInfo(g, dtype, batchSize))
}
