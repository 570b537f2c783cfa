// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/betavae/pkg/bvae"
	"github.com/gomlx/betavae/pkg/datasets"
	"github.com/gomlx/betavae/pkg/distributions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DataSeed seeds the training data; the development data uses DataSeed+1.
const DataSeed = 123

// session holds the model built from the command line flags.
type session struct {
	flags     *flags
	ctx       *context.Context
	paramsSet []string
	cfg       *bvae.Config
	model     *bvae.Model
}

// newSession parses the hyperparameters and creates the model. Nothing is loaded yet.
func newSession(f *flags) (*session, error) {
	ctx := bvae.CreateDefaultContext()
	paramsSet, err := commandline.ParseContextSettings(ctx, f.settings)
	if err != nil {
		return nil, err
	}
	cfg, err := bvae.ConfigFromContext(ctx, bvae.Dirs{Checkpoints: f.checkpoint, Samples: f.samples})
	if err != nil {
		return nil, err
	}
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "creating backend")
	}
	klog.V(1).Infof("Backend %q: %s", backend.Name(), backend.Description())
	model, err := bvae.New(backend, ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &session{flags: f, ctx: ctx, paramsSet: paramsSet, cfg: cfg, model: model}, nil
}

// loadSession creates the model and restores its latest checkpoint, which must exist.
func loadSession(f *flags) (*session, error) {
	s, err := newSession(f)
	if err != nil {
		return nil, err
	}
	next, err := s.model.Checkpoints().Load()
	if err != nil {
		return nil, err
	}
	if next <= 1 {
		return nil, errors.Errorf("no checkpoint found in %q: train the model first", s.cfg.CheckpointDir())
	}
	return s, nil
}

func (s *session) datasetConfig(seed uint64) datasets.Config {
	return datasets.Config{
		BatchSize: s.cfg.BatchSize,
		Height:    s.cfg.ImageShape[0],
		Width:     s.cfg.ImageShape[1],
		Channels:  s.cfg.ImageShape[2],
		Binary:    s.cfg.OutputDist.Kind() == distributions.KindBernoulli,
		Seed:      seed,
	}
}

// generators returns the training and development data: images from --data, or synthetic shapes.
func (s *session) generators() (train, dev datasets.Generator, err error) {
	if s.flags.data == "" {
		train, err = datasets.NewShapes(s.datasetConfig(DataSeed))
		if err != nil {
			return
		}
		dev, err = datasets.NewShapes(s.datasetConfig(DataSeed + 1))
		return
	}
	paths, err := datasets.ListImages(s.flags.data)
	if err != nil {
		return nil, nil, err
	}
	trainPaths, devPaths := datasets.SplitPaths(paths, s.flags.devFrac, DataSeed)
	if len(devPaths) == 0 {
		klog.Warningf("no images held out for evaluation in %q, evaluating on training images", s.flags.data)
		devPaths = trainPaths
	}
	klog.Infof("Images in %q: %s for training, %s for evaluation", s.flags.data,
		humanize.Comma(int64(len(trainPaths))), humanize.Comma(int64(len(devPaths))))
	train, err = datasets.NewImageFolder(trainPaths, s.datasetConfig(DataSeed))
	if err != nil {
		return nil, nil, err
	}
	dev, err = datasets.NewImageFolder(devPaths, s.datasetConfig(DataSeed+1))
	return
}

// printSummary writes a table with the configuration and, once the graphs are built, the model size.
func (s *session) printSummary(w io.Writer) {
	cfg := s.cfg
	rows := [][]string{
		{"Experiment", cfg.ExpName},
		{"Architecture", cfg.Arch},
		{"Latent", cfg.ZDist.String()},
		{"Output", cfg.OutputDist.String()},
		{"Image shape", fmt.Sprintf("%dx%dx%d", cfg.ImageShape[0], cfg.ImageShape[1], cfg.ImageShape[2])},
		{"Beta", fmt.Sprintf("%g", cfg.Beta)},
		{"Batch size", humanize.Comma(int64(cfg.BatchSize))},
		{"Iterations", humanize.Comma(int64(cfg.NIters))},
		{"Checkpoints", cfg.CheckpointDir()},
	}
	if numParams := s.ctx.NumParameters(); numParams > 0 {
		rows = append(rows,
			[]string{"Parameters", humanize.Comma(int64(numParams))},
			[]string{"Memory", humanize.Bytes(uint64(s.ctx.Memory()))})
	}
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return headerStyle
			}
			return cellStyle
		}).
		Rows(rows...)
	_, _ = fmt.Fprintln(w, t.Render())
	if len(s.paramsSet) > 0 {
		_, _ = fmt.Fprintf(w, "Modified hyperparameters:\n%s\n", commandline.SprintModifiedContextSettings(s.ctx, s.paramsSet))
	}
}
