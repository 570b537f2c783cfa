// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nets

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

var (
	// ConvChannels are the channels of the 4 strided convolutions of the "conv" encoder. The decoder
	// uses them in reverse order.
	ConvChannels = [4]int{32, 32, 64, 64}

	// ConvDenseDim is the width of the dense layer between the convolutions and the latent parameters.
	ConvDenseDim = 256
)

// convDownscale is the total downscale of the 4 stride-2 convolutions.
const convDownscale = 16

func checkConvShape(height, width int) {
	if height%convDownscale != 0 || width%convDownscale != 0 {
		exceptions.Panicf("architecture \"conv\" requires image height and width divisible by %d, got %dx%d",
			convDownscale, height, width)
	}
}

// ConvEncoder applies 4 convolutions with kernel 4x4 and stride 2, followed by 2 dense layers.
func ConvEncoder(ctx *context.Context, x *graph.Node, flatDim int) *graph.Node {
	nextCtx := layerNamer(ctx)
	dims := x.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	checkConvShape(height, width)

	logits := x
	for _, channels := range ConvChannels {
		logits = layers.Convolution(nextCtx("conv"), logits).Channels(channels).KernelSize(4).Strides(2).PadSame().Done()
		logits = activations.Relu(logits)
		logits = hidden(nextCtx, logits)
	}
	logits.AssertDims(batchSize, height/convDownscale, width/convDownscale, ConvChannels[3])

	logits = graph.Reshape(logits, batchSize, -1)
	logits = layers.Dense(nextCtx("dense"), logits, true, ConvDenseDim)
	logits = activations.Relu(logits)
	logits = hidden(nextCtx, logits)
	return layers.Dense(nextCtx("dense"), logits, true, flatDim)
}

// ConvDecoder applies 2 dense layers and then 4 nearest-neighbor upsamplings, each followed by a
// 4x4 convolution.
func ConvDecoder(ctx *context.Context, z *graph.Node, imageShape [3]int) *graph.Node {
	nextCtx := layerNamer(ctx)
	batchSize := z.Shape().Dimensions[0]
	height, width, channels := imageShape[0], imageShape[1], imageShape[2]
	checkConvShape(height, width)

	logits := layers.Dense(nextCtx("dense"), z, true, ConvDenseDim)
	logits = activations.Relu(logits)
	logits = hidden(nextCtx, logits)
	h, w := height/convDownscale, width/convDownscale
	logits = layers.Dense(nextCtx("dense"), logits, true, h*w*ConvChannels[3])
	logits = activations.Relu(logits)
	logits = graph.Reshape(logits, batchSize, h, w, ConvChannels[3])

	for ii := len(ConvChannels) - 1; ii >= 0; ii-- {
		logits = Upsample2x(logits)
		outChannels := channels
		if ii > 0 {
			outChannels = ConvChannels[ii-1]
		}
		logits = layers.Convolution(nextCtx("conv"), logits).Channels(outChannels).KernelSize(4).PadSame().Done()
		if ii > 0 {
			logits = activations.Relu(logits)
			logits = hidden(nextCtx, logits)
		}
	}
	logits.AssertDims(batchSize, height, width, channels)
	return logits
}

// Upsample2x doubles the spatial dimensions of x, shaped [batchSize, height, width, channels], by
// repeating each pixel.
func Upsample2x(x *graph.Node) *graph.Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = graph.Reshape(x, batchSize, height, 1, width, 1, channels)
	x = graph.BroadcastToDims(x, batchSize, height, 2, width, 2, channels)
	return graph.Reshape(x, batchSize, 2*height, 2*width, channels)
}
