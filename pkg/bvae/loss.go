// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bvae

import (
	"github.com/gomlx/betavae/pkg/distributions"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// lossTerms are the per-example reconstruction and KL costs, shaped [batchSize], and the scalar
// objective.
type lossTerms struct {
	loss, recon, kl *graph.Node
	info            distributions.Info
}

// lossGraph builds the objective mean(recon + beta*KL) for the images batch x.
func (m *Model) lossGraph(ctx *context.Context, x *graph.Node) lossTerms {
	normX, info, logits := m.forward(ctx, x)
	batchSize := x.Shape().Dimensions[0]
	var terms lossTerms
	terms.info = info
	terms.recon = ReconstructionLoss(m.cfg.OutputDist.Kind(), x, normX, logits)
	prior := m.cfg.ZDist.PriorInfo(x.Graph(), DType, batchSize)
	terms.kl = m.cfg.ZDist.KL(info, prior)
	terms.loss = graph.ReduceAllMean(graph.Add(terms.recon, graph.MulScalar(terms.kl, m.cfg.Beta)))
	return terms
}

// ReconstructionLoss returns the per-example reconstruction cost, summed over all pixels and channels:
//
//   - Gaussian: squared difference between the normalized input normX and tanh(logits).
//   - Bernoulli: sigmoid cross-entropy of the logits against the raw input x, taken as labels.
//     Hence the input of a Bernoulli output is expected to be binary, with values in {0, 1}.
//
// Other kinds panic with an UnsupportedDistributionError.
func ReconstructionLoss(kind distributions.Kind, x, normX, logits *graph.Node) *graph.Node {
	batchSize := x.Shape().Dimensions[0]
	var perPixel *graph.Node
	switch kind {
	case distributions.KindGaussian:
		perPixel = graph.Square(graph.Sub(normX, graph.Tanh(logits)))
	case distributions.KindBernoulli:
		perPixel = SigmoidCrossEntropy(graph.ConvertDType(x, logits.DType()), logits)
	default:
		panic(&UnsupportedDistributionError{Op: "reconstruction loss", Kind: kind})
	}
	if perPixel.Rank() < 2 {
		exceptions.Panicf("reconstruction requires a batch axis, got shape %s", perPixel.Shape())
	}
	perPixel = graph.Reshape(perPixel, batchSize, -1)
	return graph.ReduceSum(perPixel, -1)
}

// SigmoidCrossEntropy returns the element-wise cross-entropy of labels against sigmoid(logits), in the
// numerically stable form max(l, 0) - l*x + log(1 + exp(-|l|)).
func SigmoidCrossEntropy(labels, logits *graph.Node) *graph.Node {
	positive := graph.Max(logits, graph.ZerosLike(logits))
	return graph.Add(
		graph.Sub(positive, graph.Mul(logits, labels)),
		graph.Log1P(graph.Exp(graph.Neg(graph.Abs(logits)))))
}
