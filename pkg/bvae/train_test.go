// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bvae

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/betavae/pkg/datasets"
	"github.com/gomlx/betavae/pkg/distributions"
	"github.com/gomlx/betavae/pkg/nets"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCadence(t *testing.T) {
	var evaluated []int
	for iteration := 1; iteration < 12; iteration++ {
		if shouldEvaluate(iteration, 1, 5) {
			evaluated = append(evaluated, iteration)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 10}, evaluated)
	assert.Equal(t, 1.0, evalDivisor(4, 1, 5))
	assert.Equal(t, 5.0, evalDivisor(5, 1, 5))

	// Resuming from a checkpoint.
	assert.True(t, shouldEvaluate(1003, 1001, 1000))
	assert.False(t, shouldEvaluate(1005, 1001, 1000))
	assert.True(t, shouldEvaluate(2000, 1001, 1000))
	assert.Equal(t, 1000.0, evalDivisor(2000, 1001, 1000))

	assert.False(t, shouldSnapshot(5000, 5000, 5000), "no snapshot at the start iteration")
	assert.True(t, shouldSnapshot(10000, 5000, 5000))
	assert.False(t, shouldSnapshot(10001, 5000, 5000))
}

func TestSweepValues(t *testing.T) {
	values := SweepValues(10)
	require.Len(t, values, 10)
	assert.Equal(t, -3.0, values[0])
	assert.Equal(t, 3.0, values[9])
	for ri, v := range values {
		assert.InDelta(t, -3.0+6.0/9.0*float64(ri), v, 1e-12)
	}
	assert.Equal(t, []float64{-3, 3}, SweepValues(2))
	assert.InDelta(t, 0.0, SweepValues(7)[3], 1e-12)
}

func TestTraversalCodes(t *testing.T) {
	codes := TraversalCodes([]float32{0.5, -0.5}, []float64{-1, 1})
	assert.Equal(t, []int{4, 2}, codes.Shape().Dimensions)
	assert.Equal(t, [][]float32{{-1, -0.5}, {1, -0.5}, {0.5, -1}, {0.5, 1}}, codes.Value())
}

func TestToPixels(t *testing.T) {
	pixels := ToPixels(tensors.FromFlatDataAndDimensions([]float32{-1, 0, 1, 0.5}, 1, 2, 2, 1))
	assert.Equal(t, []int32{0, 127, 255, 191}, tensors.MustCopyFlatData[int32](pixels))
}

func TestOutputPixels(t *testing.T) {
	output := tensors.FromFlatDataAndDimensions([]float32{0, 0.5, 1, 0.25}, 1, 2, 2, 1)
	pixels := OutputPixels(distributions.KindBernoulli, output)
	assert.Equal(t, []int32{0, 127, 255, 63}, tensors.MustCopyFlatData[int32](pixels))
	pixels = OutputPixels(distributions.KindGaussian, output)
	assert.Equal(t, []int32{127, 191, 255, 159}, tensors.MustCopyFlatData[int32](pixels))
}

func TestReportString(t *testing.T) {
	r := &EvalReport{Iteration: 7, TrainCost: 12.34, DevCost: 56.78, ZVariance: []float64{0.123, 1}}
	assert.Equal(t, "Iteration:7 \t| Train cost:12.3 \t| Dev cost: 56.8\nz variance:z0=0.12, z1=1.00, ", r.String())
	r.ZVariance = nil
	assert.Equal(t, "Iteration:7 \t| Train cost:12.3 \t| Dev cost: 56.8", r.String())
}

func TestZVariance(t *testing.T) {
	stddev := tensors.FromValue([][]float32{{1, 2}, {3, 0}})
	assert.Equal(t, []float64{5, 2}, zVariance(stddev))
}

func shapesGenerator(t *testing.T, m *Model, seed uint64) datasets.Generator {
	cfg := m.Config()
	gen, err := datasets.NewShapes(datasets.Config{BatchSize: cfg.BatchSize, Height: cfg.ImageShape[0],
		Width: cfg.ImageShape[1], Channels: cfg.ImageShape[2], Binary: true, Seed: seed})
	require.NoError(t, err)
	return gen
}

func TestTrainAndResume(t *testing.T) {
	m := newTestModel(t, nil)
	var out bytes.Buffer
	m.SetOutput(&out)
	var steps []int
	m.OnStep(func(iteration int, cost float64) error {
		steps = append(steps, iteration)
		assert.False(t, math.IsNaN(cost))
		return nil
	})
	var evaluations []int
	m.OnEvaluation(func(report *EvalReport) error {
		evaluations = append(evaluations, report.Iteration)
		assert.Len(t, report.ZVariance, 3)
		return nil
	})

	report, err := m.Train(shapesGenerator(t, m, 1), shapesGenerator(t, m, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, steps)
	assert.Equal(t, []int{1, 2, 3, 4}, evaluations)
	assert.Equal(t, 4, report.Iteration)
	assert.Contains(t, out.String(), "Iteration:1 \t| Train cost:")
	assert.Contains(t, out.String(), "z variance:z0=")

	samples := m.Config().Dirs.Samples
	for _, name := range []string{GroundTruthFile, ReconstructedFile, GTFile} {
		assert.FileExists(t, filepath.Join(samples, name))
	}
	img, err := imaging.Open(filepath.Join(samples, DisentanglementFile))
	require.NoError(t, err)
	// 3 latent dimensions (rows) x 5 samples (columns) of 8x8 images.
	assert.Equal(t, 5*8, img.Bounds().Dx())
	assert.Equal(t, 3*8, img.Bounds().Dy())

	// Snapshots at iterations 2 and 4: a new model over the same directories resumes at 5.
	cfg := *m.Config()
	cfg.NIters = 8
	m2, err := New(m.backend, CreateDefaultContext(), &cfg)
	require.NoError(t, err)
	m2.SetOutput(&out)
	var resumed []int
	m2.OnStep(func(iteration int, _ float64) error {
		resumed = append(resumed, iteration)
		return nil
	})
	report, err = m2.Train(shapesGenerator(t, m2, 1), shapesGenerator(t, m2, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7}, resumed)
	assert.Equal(t, 7, report.Iteration)
}

func TestTrainNonGaussianDisentanglement(t *testing.T) {
	m := newTestModel(t, map[string]any{ParamZDist: "bernoulli(3)"})
	_, err := m.Train(shapesGenerator(t, m, 1), shapesGenerator(t, m, 2))
	var unsupported *UnsupportedDistributionError
	require.True(t, errors.As(err, &unsupported), "got %v", err)
}

const divergingArch = "diverging-test"

func init() {
	nets.Register(divergingArch, tinyEncoder, func(ctx *context.Context, z *graph.Node, imageShape [3]int) *graph.Node {
		return graph.AddScalar(tinyDecoder(ctx, z, imageShape), math.Inf(1))
	})
}

type zerosGenerator struct{ batch *tensors.Tensor }

func (g zerosGenerator) Next() (*tensors.Tensor, error) { return g.batch, nil }

func TestDivergence(t *testing.T) {
	m := newTestModel(t, map[string]any{ParamArch: divergingArch, ParamVisReconst: false, ParamVisDisent: false})
	m.SetOutput(&bytes.Buffer{})
	gen := zerosGenerator{tensors.FromFlatDataAndDimensions(make([]int32, 4*8*8), 4, 8, 8, 1)}
	var steps int
	m.OnStep(func(int, float64) error {
		steps++
		return nil
	})
	_, err := m.Train(gen, gen)
	var diverged *DivergenceError
	require.True(t, errors.As(err, &diverged), "got %v", err)
	assert.Equal(t, 1, diverged.Iteration)
	assert.True(t, math.IsNaN(diverged.Cost) || math.IsInf(diverged.Cost, 0))
	assert.Equal(t, 1, steps, "training should stop at the first evaluation")
}

func TestHookStopsTraining(t *testing.T) {
	m := newTestModel(t, map[string]any{ParamVisReconst: false, ParamVisDisent: false})
	m.SetOutput(&bytes.Buffer{})
	stop := errors.New("stop")
	m.OnStep(func(iteration int, _ float64) error {
		if iteration == 2 {
			return stop
		}
		return nil
	})
	_, err := m.Train(shapesGenerator(t, m, 1), shapesGenerator(t, m, 2))
	require.ErrorIs(t, err, stop)
}
