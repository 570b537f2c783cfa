// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/betavae/internal/history"
	"github.com/gomlx/betavae/internal/plots"
	"github.com/gomlx/betavae/internal/progress"
	"github.com/gomlx/betavae/pkg/bvae"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// LossPlotFile is written to the samples directory at the end of training.
const LossPlotFile = "loss.png"

func newParamsCommand(_ *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "List the hyperparameters that can be changed with --set, with their defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), commandline.SprintContextSettings(bvae.CreateDefaultContext()))
			return err
		},
	}
}

func newTrainCommand(f *flags) *cobra.Command {
	var showProgress bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model, resuming from the latest checkpoint of the experiment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var progressOut io.Writer
			if showProgress {
				progressOut = cmd.ErrOrStderr()
			}
			return runTrain(cmd.Context(), f, cmd.OutOrStdout(), progressOut)
		},
	}
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Display a progress bar on stderr.")
	return cmd
}

// runTrain trains the model, writing reports to out and, if progressOut is not nil, a progress bar.
// Evaluations are recorded in the run history and in the loss plot.
func runTrain(ctx context.Context, f *flags, out, progressOut io.Writer) (err error) {
	s, err := newSession(f)
	if err != nil {
		return err
	}
	cfg := s.cfg
	s.model.SetOutput(out)
	trainGen, devGen, err := s.generators()
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.CheckpointDir(), cfg.Dirs.Samples} {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating directory %q", dir)
		}
	}
	start, err := s.model.Checkpoints().Load()
	if err != nil {
		return err
	}
	s.printSummary(out)

	store, err := history.Open(ctx, filepath.Join(cfg.CheckpointDir(), history.FileName))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	run, err := store.StartRun(ctx, cfg.ExpName, start, commandline.SprintModifiedContextSettings(s.ctx, s.paramsSet))
	if err != nil {
		return err
	}
	defer func() {
		status := history.StatusFinished
		var divergence *bvae.DivergenceError
		if errors.As(err, &divergence) {
			status = history.StatusDiverged
		} else if err != nil {
			status = history.StatusFailed
		}
		if finishErr := store.FinishRun(context.WithoutCancel(ctx), run.ID, status); finishErr != nil {
			klog.Errorf("failed to record end of run %s: %+v", run.ID, finishErr)
		}
	}()
	klog.V(1).Infof("Run %s starting at iteration %d", run.ID, start)

	recorder, err := plots.NewRecorder(filepath.Join(cfg.CheckpointDir(), plots.PointsFileName))
	if err != nil {
		return err
	}
	defer func() { _ = recorder.Close() }()
	s.model.OnEvaluation(store.Hook(ctx, run.ID))
	s.model.OnEvaluation(recorder.AddReport)

	var lastDevCost string
	s.model.OnEvaluation(func(report *bvae.EvalReport) error {
		lastDevCost = fmt.Sprintf("%.3f", report.DevCost)
		return nil
	})
	var bar *progress.Bar
	if progressOut != nil && start < cfg.NIters {
		bar = progress.New(progressOut, start, cfg.NIters, func() (string, string) { return "Dev cost", lastDevCost })
		defer bar.Done()
		s.model.OnStep(bar.Step)
	}

	report, err := s.model.Train(trainGen, devGen)
	if bar != nil {
		bar.Done()
	}
	if len(recorder.Points()) > 0 {
		plotPath := filepath.Join(cfg.Dirs.Samples, LossPlotFile)
		if plotErr := plots.SaveCostPlot(recorder.Points(), cfg.ExpName, plotPath); plotErr != nil {
			klog.Errorf("failed to plot costs: %+v", plotErr)
		}
	}
	if err != nil {
		return err
	}
	if report != nil {
		klog.Infof("Finished training %q at iteration %d: dev cost %.3f", cfg.ExpName, report.Iteration, report.DevCost)
	}
	s.printSummary(out)
	return nil
}
