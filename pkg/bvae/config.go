// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bvae

import (
	"path/filepath"
	"strings"

	"github.com/gomlx/betavae/pkg/distributions"
	"github.com/gomlx/betavae/pkg/nets"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameter keys read by ConfigFromContext.
const (
	ParamOutputDist          = "output_dist"
	ParamZDist               = "z_dist"
	ParamArch                = "arch"
	ParamBatchSize           = "batch_size"
	ParamImageHeight         = "image_height"
	ParamImageWidth          = "image_width"
	ParamImageChannels       = "image_channels"
	ParamExpName             = "exp_name"
	ParamBeta                = "beta"
	ParamVisReconst          = "vis_reconst"
	ParamVisDisent           = "vis_disent"
	ParamNDisentangleSamples = "n_disentangle_samples"
	ParamNIters              = "n_iters"
	ParamStatsIters          = "stats_iters"
	ParamSnapshotInterval    = "snapshot_interval"
	ParamCheckpointKeep      = "checkpoint_keep"
)

// CreateDefaultContext returns a context with all hyperparameters set to their defaults.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamOutputDist:          "bernoulli",
		ParamZDist:               "gaussian(10)",
		ParamArch:                "conv",
		ParamBatchSize:           64,
		ParamImageHeight:         64,
		ParamImageWidth:          64,
		ParamImageChannels:       1,
		ParamExpName:             "bvae",
		ParamBeta:                4.0,
		ParamVisReconst:          true,
		ParamVisDisent:           true,
		ParamNDisentangleSamples: 10,
		ParamNIters:              100_000,
		ParamStatsIters:          1000,
		ParamSnapshotInterval:    5000,
		ParamCheckpointKeep:      5,
		nets.ParamDropoutRate:    0.0,
	})
	return ctx
}

// Dirs are the output directories of the model.
type Dirs struct {
	// Checkpoints is the base directory: snapshots go to Checkpoints/ExpName.
	Checkpoints string

	// Samples is where the visualizations are written.
	Samples string
}

// Config is the immutable configuration of a Model.
type Config struct {
	OutputDist distributions.Distribution
	ZDist      distributions.Distribution
	Arch       string
	BatchSize  int

	// ImageShape is height, width and channels.
	ImageShape [3]int

	ExpName string
	Dirs    Dirs
	Beta    float64

	VisReconst, VisDisent bool
	NDisentangleSamples   int

	NIters, StatsIters, SnapshotInterval int
	KeepCheckpoints                      int
}

// ImageSize is the number of values in one image.
func (c *Config) ImageSize() int {
	return c.ImageShape[0] * c.ImageShape[1] * c.ImageShape[2]
}

// CheckpointDir is the directory of the checkpoints of the experiment.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.Dirs.Checkpoints, c.ExpName)
}

// ConfigFromContext reads the configuration from the context hyperparameters (see CreateDefaultContext
// for the keys and defaults) and validates it.
//
// The output distribution may be given as a bare kind ("bernoulli", "gaussian"), in which case its
// dimension is the image size.
func ConfigFromContext(ctx *context.Context, dirs Dirs) (*Config, error) {
	cfg := &Config{
		Arch:      context.GetParamOr(ctx, ParamArch, "conv"),
		BatchSize: context.GetParamOr(ctx, ParamBatchSize, 64),
		ImageShape: [3]int{
			context.GetParamOr(ctx, ParamImageHeight, 64),
			context.GetParamOr(ctx, ParamImageWidth, 64),
			context.GetParamOr(ctx, ParamImageChannels, 1),
		},
		ExpName:             context.GetParamOr(ctx, ParamExpName, "bvae"),
		Dirs:                dirs,
		Beta:                context.GetParamOr(ctx, ParamBeta, 4.0),
		VisReconst:          context.GetParamOr(ctx, ParamVisReconst, true),
		VisDisent:           context.GetParamOr(ctx, ParamVisDisent, true),
		NDisentangleSamples: context.GetParamOr(ctx, ParamNDisentangleSamples, 10),
		NIters:              context.GetParamOr(ctx, ParamNIters, 100_000),
		StatsIters:          context.GetParamOr(ctx, ParamStatsIters, 1000),
		SnapshotInterval:    context.GetParamOr(ctx, ParamSnapshotInterval, 5000),
		KeepCheckpoints:     context.GetParamOr(ctx, ParamCheckpointKeep, 5),
	}

	var err error
	cfg.ZDist, err = distributions.Parse(context.GetParamOr(ctx, ParamZDist, "gaussian(10)"))
	if err != nil {
		return nil, errors.WithStack(&ConfigurationError{Field: ParamZDist, Reason: err.Error()})
	}
	if err = cfg.validateSizes(); err != nil {
		return nil, err
	}
	cfg.OutputDist, err = parseOutputDist(context.GetParamOr(ctx, ParamOutputDist, "bernoulli"), cfg.ImageSize())
	if err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseOutputDist(spec string, imageSize int) (distributions.Distribution, error) {
	if !strings.Contains(spec, "(") {
		kind, err := distributions.ParseKind(spec)
		if err != nil {
			return nil, errors.WithStack(&ConfigurationError{Field: ParamOutputDist, Reason: err.Error()})
		}
		switch kind {
		case distributions.KindBernoulli:
			return distributions.NewBernoulli(imageSize), nil
		case distributions.KindGaussian:
			return distributions.NewGaussian(imageSize), nil
		}
		return nil, errors.WithStack(&UnsupportedDistributionError{Op: "output squashing", Kind: kind})
	}
	dist, err := distributions.Parse(spec)
	if err != nil {
		return nil, errors.WithStack(&ConfigurationError{Field: ParamOutputDist, Reason: err.Error()})
	}
	return dist, nil
}

func (c *Config) validateSizes() error {
	for _, check := range []struct {
		field string
		value int
	}{
		{ParamBatchSize, c.BatchSize},
		{ParamImageHeight, c.ImageShape[0]},
		{ParamImageWidth, c.ImageShape[1]},
		{ParamImageChannels, c.ImageShape[2]},
		{ParamStatsIters, c.StatsIters},
		{ParamSnapshotInterval, c.SnapshotInterval},
		{ParamCheckpointKeep, c.KeepCheckpoints},
	} {
		if check.value <= 0 {
			return errors.WithStack(&ConfigurationError{Field: check.field, Reason: "must be positive"})
		}
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := c.validateSizes(); err != nil {
		return err
	}
	if c.ZDist == nil || c.OutputDist == nil {
		return errors.WithStack(&ConfigurationError{Reason: "output and latent distributions must be set"})
	}
	if c.NIters < 0 {
		return errors.WithStack(&ConfigurationError{Field: ParamNIters, Reason: "must not be negative"})
	}
	if c.NDisentangleSamples < 2 {
		return errors.WithStack(&ConfigurationError{Field: ParamNDisentangleSamples, Reason: "must be at least 2"})
	}
	if c.ExpName == "" || strings.ContainsAny(c.ExpName, `/\`) {
		return errors.WithStack(&ConfigurationError{Field: ParamExpName, Reason: "must be a non-empty name without path separators"})
	}
	if c.Beta < 0 {
		return errors.WithStack(&ConfigurationError{Field: ParamBeta, Reason: "must not be negative"})
	}
	return nil
}
