// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bvae

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/gomlx/betavae/pkg/datasets"
	"github.com/gomlx/betavae/pkg/distributions"
	"github.com/gomlx/betavae/pkg/imagegrid"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Sample file names written to Dirs.Samples.
const (
	GroundTruthFile     = "samples_groundtruth.png"
	ReconstructedFile   = "samples_reconstructed.png"
	GTFile              = "samples_GT.png"
	DisentanglementFile = "disentanglement.png"
)

// StepHook is called after every training step. An error stops the training.
type StepHook func(iteration int, cost float64) error

// EvalHook is called after every evaluation. An error stops the training.
type EvalHook func(report *EvalReport) error

// OnStep registers a hook called after every training step.
func (m *Model) OnStep(hook StepHook) { m.stepHooks = append(m.stepHooks, hook) }

// OnEvaluation registers a hook called after every evaluation.
func (m *Model) OnEvaluation(hook EvalHook) { m.evalHooks = append(m.evalHooks, hook) }

// Evaluation is the result of evaluating the model on one batch, without updating it.
type Evaluation struct {
	// Cost is the objective, mean(recon + beta*KL).
	Cost float64

	// Recon and KL are the batch means of the two terms of the objective.
	Recon, KL float64

	// Info holds the latent distribution statistics, e.g. "mean" and "stddev" for a Gaussian latent.
	Info map[string]*tensors.Tensor
}

// EvalReport is reported at every evaluation during training.
type EvalReport struct {
	Iteration int

	// TrainCost is the average training cost since the previous evaluation.
	TrainCost float64

	// DevCost, DevRecon and DevKL are computed on one batch of the development set.
	DevCost, DevRecon, DevKL float64

	// ZVariance is the per-dimension variance of a Gaussian latent, averaged over the development
	// batch. Nil for other latent distributions.
	ZVariance []float64
}

// String returns the report in the format printed during training.
func (r *EvalReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Iteration:%d \t| Train cost:%.1f \t| Dev cost: %.1f", r.Iteration, r.TrainCost, r.DevCost)
	if r.ZVariance != nil {
		sb.WriteString("\nz variance:")
		for i, v := range r.ZVariance {
			fmt.Fprintf(&sb, "z%d=%.2f, ", i, v)
		}
	}
	return sb.String()
}

// shouldEvaluate reports whether an evaluation happens after the given iteration: for the first 4
// iterations of the run, and every statsIters iterations.
func shouldEvaluate(iteration, start, statsIters int) bool {
	return iteration < start+4 || iteration%statsIters == 0
}

// evalDivisor is the number of training costs accumulated up to an evaluation at the given iteration.
func evalDivisor(iteration, start, statsIters int) float64 {
	if iteration < start+4 {
		return 1
	}
	return float64(statsIters)
}

// shouldSnapshot reports whether a checkpoint is saved after the given iteration.
func shouldSnapshot(iteration, start, snapshotInterval int) bool {
	return iteration > start && iteration%snapshotInterval == 0
}

// Evaluate computes the cost on the images batch, in inference mode, without updating the model.
func (m *Model) Evaluate(images *tensors.Tensor) (*Evaluation, error) {
	if err := m.checkBatch(images); err != nil {
		return nil, err
	}
	outputs, err := m.evalExec.Exec(images)
	if err != nil {
		return nil, errors.WithMessage(err, "evaluating beta-VAE")
	}
	eval := &Evaluation{
		Cost:  scalar(outputs[0]),
		Recon: scalar(outputs[1]),
		KL:    scalar(outputs[2]),
		Info:  make(map[string]*tensors.Tensor, len(m.infoKeys)),
	}
	for ii, key := range m.infoKeys {
		eval.Info[key] = outputs[3+ii]
	}
	return eval, nil
}

// TrainStep runs one optimization step on the images batch and returns the cost before the update.
func (m *Model) TrainStep(images *tensors.Tensor) (float64, error) {
	if err := m.checkBatch(images); err != nil {
		return 0, err
	}
	loss, err := m.trainExec.Exec1(images)
	if err != nil {
		return 0, errors.WithMessage(err, "training step")
	}
	return scalar(loss), nil
}

func scalar(t *tensors.Tensor) float64 {
	return float64(tensors.ToScalar[float32](t))
}

// zVariance returns the mean over the batch of stddev², per latent dimension.
func zVariance(stddev *tensors.Tensor) []float64 {
	dims := stddev.Shape().Dimensions
	batchSize, zDim := dims[0], dims[1]
	values := tensors.MustCopyFlatData[float32](stddev)
	variances := make([]float64, zDim)
	column := make([]float64, batchSize)
	for z := range zDim {
		for b := range batchSize {
			s := float64(values[b*zDim+z])
			column[b] = s * s
		}
		variances[z] = stat.Mean(column, nil)
	}
	return variances
}

// Train runs the training loop from the latest checkpoint (or from scratch) up to the configured
// number of iterations, and returns the last evaluation report.
//
// It evaluates on one batch of devGen for the first 4 iterations and every StatsIters iterations,
// printing a report and writing the enabled visualizations of a fixed batch of trainGen. It saves a
// checkpoint every SnapshotInterval iterations. If the average training cost becomes NaN or
// infinite, it stops with a DivergenceError.
func (m *Model) Train(trainGen, devGen datasets.Generator) (*EvalReport, error) {
	cfg := m.cfg
	if cfg.VisDisent && cfg.ZDist.Kind() != distributions.KindGaussian {
		return nil, errors.WithStack(&UnsupportedDistributionError{Op: "disentanglement visualization", Kind: cfg.ZDist.Kind()})
	}
	if err := m.ctx.InitializeVariables(m.backend, nil); err != nil {
		return nil, errors.WithMessage(err, "initializing variables")
	}

	fixed, err := trainGen.Next()
	if err != nil {
		return nil, errors.WithMessage(err, "reading fixed batch")
	}
	if err = m.checkBatch(fixed); err != nil {
		return nil, err
	}
	if err = imagegrid.Save(filepath.Join(cfg.Dirs.Samples, GroundTruthFile), fixed, 0, 0); err != nil {
		return nil, err
	}

	start, err := m.ckpt.Load()
	if err != nil {
		return nil, err
	}
	var (
		runningCost float64
		lastReport  *EvalReport
	)
	for iteration := start; iteration < cfg.NIters; iteration++ {
		batch, err := trainGen.Next()
		if err != nil {
			return lastReport, errors.WithMessagef(err, "reading training batch for iteration %d", iteration)
		}
		cost, err := m.TrainStep(batch)
		if err != nil {
			return lastReport, errors.WithMessagef(err, "iteration %d", iteration)
		}
		runningCost += cost
		for _, hook := range m.stepHooks {
			if err = hook(iteration, cost); err != nil {
				return lastReport, err
			}
		}

		if shouldEvaluate(iteration, start, cfg.StatsIters) {
			report, err := m.evaluateDuringTraining(iteration, runningCost/evalDivisor(iteration, start, cfg.StatsIters), devGen, fixed)
			if err != nil {
				return lastReport, err
			}
			runningCost = 0
			lastReport = report
			for _, hook := range m.evalHooks {
				if err = hook(report); err != nil {
					return lastReport, err
				}
			}
			if math.IsNaN(report.TrainCost) || math.IsInf(report.TrainCost, 0) {
				return lastReport, errors.WithStack(&DivergenceError{Iteration: iteration, Cost: report.TrainCost})
			}
		}

		if shouldSnapshot(iteration, start, cfg.SnapshotInterval) {
			if err = m.ckpt.Save(iteration); err != nil {
				return lastReport, err
			}
		}
	}
	return lastReport, nil
}

func (m *Model) evaluateDuringTraining(iteration int, trainCost float64, devGen datasets.Generator, fixed *tensors.Tensor) (*EvalReport, error) {
	devBatch, err := devGen.Next()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading development batch for iteration %d", iteration)
	}
	eval, err := m.Evaluate(devBatch)
	if err != nil {
		return nil, errors.WithMessagef(err, "iteration %d", iteration)
	}
	report := &EvalReport{
		Iteration: iteration,
		TrainCost: trainCost,
		DevCost:   eval.Cost,
		DevRecon:  eval.Recon,
		DevKL:     eval.KL,
	}
	if m.cfg.ZDist.Kind() == distributions.KindGaussian {
		report.ZVariance = zVariance(eval.Info["stddev"])
	}
	if _, err = fmt.Fprintln(m.output, report.String()); err != nil {
		klog.Warningf("failed to print training report: %v", err)
	}

	if m.cfg.VisReconst {
		if err = m.VisualiseReconstruction(fixed); err != nil {
			return nil, err
		}
	}
	if m.cfg.VisDisent {
		if err = m.VisualiseDisentanglement(fixed); err != nil {
			return nil, err
		}
	}
	return report, nil
}
