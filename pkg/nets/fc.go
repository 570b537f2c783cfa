// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nets

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// FCHiddenDim is the width of the hidden layers of the "fc" architecture.
var FCHiddenDim = 1200

// FCEncoder flattens the image and applies two hidden dense layers.
func FCEncoder(ctx *context.Context, x *graph.Node, flatDim int) *graph.Node {
	nextCtx := layerNamer(ctx)
	batchSize := x.Shape().Dimensions[0]
	logits := graph.Reshape(x, batchSize, -1)
	for range 2 {
		logits = layers.Dense(nextCtx("dense"), logits, true, FCHiddenDim)
		logits = activations.Relu(logits)
		logits = hidden(nextCtx, logits)
	}
	logits = layers.Dense(nextCtx("dense"), logits, true, flatDim)
	logits.AssertDims(batchSize, flatDim)
	return logits
}

// FCDecoder mirrors FCEncoder and reshapes the output to the image shape.
func FCDecoder(ctx *context.Context, z *graph.Node, imageShape [3]int) *graph.Node {
	nextCtx := layerNamer(ctx)
	batchSize := z.Shape().Dimensions[0]
	logits := z
	for range 2 {
		logits = layers.Dense(nextCtx("dense"), logits, true, FCHiddenDim)
		logits = activations.Relu(logits)
		logits = hidden(nextCtx, logits)
	}
	logits = layers.Dense(nextCtx("dense"), logits, true, imageShape[0]*imageShape[1]*imageShape[2])
	return graph.Reshape(logits, batchSize, imageShape[0], imageShape[1], imageShape[2])
}
