// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributions

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		spec         string
		want         string
		kind         Kind
		dim, flatDim int
	}{
		{"gaussian(10)", "gaussian(10)", KindGaussian, 10, 20},
		{" Bernoulli( 64 )", "bernoulli(64)", KindBernoulli, 64, 64},
		{"categorical(7)", "categorical(7)", KindCategorical, 7, 7},
		{"product(gaussian(3), categorical(4))", "product(gaussian(3),categorical(4))", KindProduct, 7, 10},
		{"product(product(bernoulli(2)),gaussian(1))", "product(product(bernoulli(2)),gaussian(1))", KindProduct, 3, 4},
	} {
		dist, err := Parse(tc.spec)
		require.NoErrorf(t, err, "Parse(%q)", tc.spec)
		assert.Equal(t, tc.want, dist.String())
		assert.Equal(t, tc.kind, dist.Kind())
		assert.Equal(t, tc.dim, dist.Dim())
		assert.Equal(t, tc.flatDim, dist.FlatDim())

		// The printed form parses back to the same distribution.
		again, err := Parse(dist.String())
		require.NoError(t, err)
		assert.Equal(t, dist.String(), again.String())
	}

	for _, spec := range []string{"", "gaussian", "gaussian()", "gaussian(0)", "gaussian(3", "normal(3)",
		"product()", "gaussian(3)x", "product(gaussian(2),)"} {
		_, err := Parse(spec)
		require.Errorf(t, err, "Parse(%q) should have failed", spec)
		assert.ErrorIsf(t, err, ErrInvalidSpec, "Parse(%q)", spec)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Gaussian", KindGaussian.String())
	assert.Equal(t, "Product", KindProduct.String())
	assert.Equal(t, "Kind(17)", Kind(17).String())
}

// runDist executes fn on the given raw parameters and returns the outputs as Go values.
func runDist(t *testing.T, flat [][]float32, fn func(ctx *context.Context, flat *graph.Node) []*graph.Node) []any {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(42))
	exec := context.MustNewExec(backend, ctx, fn)
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() { outputs = exec.MustExec(flat) })
	values := make([]any, len(outputs))
	for ii, output := range outputs {
		values[ii] = output.Value()
	}
	return values
}

func TestGaussian(t *testing.T) {
	dist := NewGaussian(2)
	flat := [][]float32{
		{0, 0, 0, 0},             // Equal to the prior.
		{1, -1, 0, 0},            // Mean shifted, unit variance.
		{0, 0, 2 * 0.6931472, 0}, // stddev=2 on the first dimension.
	}
	values := runDist(t, flat, func(ctx *context.Context, flat *graph.Node) []*graph.Node {
		g := flat.Graph()
		info := dist.Activate(flat)
		prior := dist.PriorInfo(g, flat.DType(), flat.Shape().Dimensions[0])
		return []*graph.Node{
			info["mean"], info["stddev"], dist.KL(info, prior), dist.Sample(ctx, info),
			dist.SamplePrior(ctx, g, flat.DType(), 5),
		}
	})
	mean := values[0].([][]float32)
	stddev := values[1].([][]float32)
	kl := values[2].([]float32)
	sample := values[3].([][]float32)
	priorSample := values[4].([][]float32)

	assert.Equal(t, []float32{1, -1}, mean[1])
	assert.InDelta(t, 2.0, stddev[2][0], 1e-4)
	assert.InDelta(t, 1.0, stddev[2][1], 1e-4)
	assert.InDelta(t, 0.0, kl[0], 1e-5)
	assert.InDelta(t, 1.0, kl[1], 1e-5) // 0.5 * (1² + (-1)²)
	// KL(N(0,4) || N(0,1)) = (4 - 1)/2 - log(2)
	assert.InDelta(t, 1.5-0.6931472, kl[2], 1e-4)
	assert.Len(t, sample, 3)
	assert.Len(t, sample[0], 2)
	assert.Len(t, priorSample, 5)
}

func TestBernoulli(t *testing.T) {
	dist := NewBernoulli(3)
	flat := [][]float32{{0, 0, 0}, {20, -20, 0}}
	values := runDist(t, flat, func(ctx *context.Context, flat *graph.Node) []*graph.Node {
		info := dist.Activate(flat)
		prior := dist.PriorInfo(flat.Graph(), flat.DType(), 2)
		return []*graph.Node{info["p"], dist.KL(info, prior), dist.Sample(ctx, info)}
	})
	p := values[0].([][]float32)
	kl := values[1].([]float32)
	sample := values[2].([][]float32)

	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5}, p[0], 1e-6)
	assert.InDelta(t, 0.0, kl[0], 1e-5)
	// Two (nearly) deterministic variables: log(2) each.
	assert.InDelta(t, 2*0.6931472, kl[1], 1e-3)
	assert.Equal(t, float32(1), sample[1][0])
	assert.Equal(t, float32(0), sample[1][1])
	for _, row := range sample {
		for _, v := range row {
			assert.True(t, v == 0 || v == 1)
		}
	}
}

func TestCategorical(t *testing.T) {
	dist := NewCategorical(4)
	flat := [][]float32{{0, 0, 0, 0}, {1, 2, 3, 30}}
	values := runDist(t, flat, func(ctx *context.Context, flat *graph.Node) []*graph.Node {
		info := dist.Activate(flat)
		prior := dist.PriorInfo(flat.Graph(), flat.DType(), 2)
		return []*graph.Node{info["prob"], dist.KL(info, prior), dist.Sample(ctx, info)}
	})
	prob := values[0].([][]float32)
	kl := values[1].([]float32)
	sample := values[2].([][]float32)

	assert.InDeltaSlice(t, []float32{0.25, 0.25, 0.25, 0.25}, prob[0], 1e-6)
	assert.InDelta(t, 0.0, kl[0], 1e-5)
	assert.Greater(t, kl[1], float32(1.0))
	assert.Equal(t, []float32{0, 0, 0, 1}, sample[1])
	var sum float32
	for _, v := range sample[0] {
		sum += v
	}
	assert.Equal(t, float32(1), sum)
}

func TestProduct(t *testing.T) {
	dist := NewProduct(NewGaussian(2), NewCategorical(3))
	require.Equal(t, 7, dist.FlatDim())
	require.Equal(t, 5, dist.Dim())
	flat := [][]float32{{1, 0, 0, 0, 40, 0, 0}}

	var keys []string
	values := runDist(t, flat, func(ctx *context.Context, flat *graph.Node) []*graph.Node {
		info := dist.Activate(flat)
		keys = info.Keys()
		prior := dist.PriorInfo(flat.Graph(), flat.DType(), 1)
		return []*graph.Node{dist.KL(info, prior), dist.Sample(ctx, info), dist.SamplePrior(ctx, flat.Graph(), flat.DType(), 3)}
	})
	assert.Equal(t, []string{"id_0_mean", "id_0_stddev", "id_1_prob"}, keys)
	kl := values[0].([]float32)
	sample := values[1].([][]float32)
	priorSample := values[2].([][]float32)

	// Gaussian part contributes 0.5, the categorical part is strictly positive.
	assert.Greater(t, kl[0], float32(0.5))
	require.Len(t, sample[0], 5)
	assert.Equal(t, []float32{1, 0, 0}, sample[0][2:])
	assert.Len(t, priorSample, 3)
}
