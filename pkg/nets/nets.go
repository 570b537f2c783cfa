// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nets holds the encoder/decoder network pairs of the beta-VAE, selected by an architecture
// name.
//
// Built-in architectures:
//
//   - "fc": fully connected encoder and decoder, any image shape.
//   - "conv": convolutional encoder and upsampling-convolution decoder; image height and width must
//     be divisible by 16 (e.g.: 64x64 dSprites-like images).
//
// Both read the following hyperparameters from the context:
//
//   - "dropout_rate": dropout applied after each hidden layer while training. Default 0.
//   - ParamNormalization: "none" (default) or "layer".
package nets

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Encoder maps normalized images shaped [batchSize, height, width, channels] to the raw parameters
// of the latent distribution, shaped [batchSize, flatDim].
type Encoder func(ctx *context.Context, x *graph.Node, flatDim int) *graph.Node

// Decoder maps latent codes shaped [batchSize, latentDim] to reconstruction logits shaped
// [batchSize, height, width, channels].
type Decoder func(ctx *context.Context, z *graph.Node, imageShape [3]int) *graph.Node

// ErrUnknownArch is returned (wrapped) by Retrieve for architectures not registered.
var ErrUnknownArch = errors.New("unknown architecture")

const (
	// ParamDropoutRate is the context hyperparameter with the dropout rate of hidden layers.
	ParamDropoutRate = "dropout_rate"

	// ParamNormalization is the context hyperparameter selecting the normalization of hidden layers.
	ParamNormalization = "nets_normalization"
)

type pair struct {
	encoder Encoder
	decoder Decoder
}

var (
	muRegistry sync.Mutex
	registry   = map[string]pair{
		"fc":   {FCEncoder, FCDecoder},
		"conv": {ConvEncoder, ConvDecoder},
	}
)

// Register a new encoder/decoder pair under the given architecture name, replacing any previous one.
func Register(arch string, encoder Encoder, decoder Decoder) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registry[arch] = pair{encoder, decoder}
}

// Retrieve the encoder and decoder for the given architecture name.
func Retrieve(arch string) (Encoder, Decoder, error) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	p, found := registry[arch]
	if !found {
		return nil, nil, errors.Wrapf(ErrUnknownArch, "architecture %q (known: %q)", arch, archsLocked())
	}
	return p.encoder, p.decoder, nil
}

// Archs returns the sorted list of registered architecture names.
func Archs() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return archsLocked()
}

func archsLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// layerNamer returns a function that yields a new sub-scope of ctx for each layer, numbered in order.
func layerNamer(ctx *context.Context) func(name string) *context.Context {
	layerIdx := 0
	return func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
}

// hidden applies normalization and dropout to the output of a hidden layer.
func hidden(nextCtx func(string) *context.Context, x *graph.Node) *graph.Node {
	ctx := nextCtx("norm")
	switch normalization := context.GetParamOr(ctx, ParamNormalization, "none"); normalization {
	case "none", "":
	case "layer":
		if x.Rank() == 2 {
			x = layers.LayerNormalization(ctx, x, -1).Done()
		} else {
			x = layers.LayerNormalization(ctx, x, 1, 2).Done()
		}
	default:
		exceptions.Panicf("invalid normalization %q -- set it with parameter %q", normalization, ParamNormalization)
	}
	rate := context.GetParamOr(ctx, ParamDropoutRate, 0.0)
	if rate > 0 {
		x = layers.DropoutNormalize(nextCtx("dropout"), x, graph.Scalar(x.Graph(), x.DType(), rate), true)
	}
	return x
}
