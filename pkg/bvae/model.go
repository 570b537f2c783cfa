// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bvae implements a beta-VAE: a variational autoencoder whose KL term is weighted by beta,
// trading reconstruction fidelity for disentangled latent factors.
//
// A Model is built once from a Config (see ConfigFromContext) and a GoMLX context holding its
// variables. It offers training (Model.Train) with checkpointing, and inference: Model.Encode,
// Model.Reconstruct, Model.Generate and two visualizations.
//
// Images are fed as Int32 tensors shaped [batchSize, height, width, channels] with values in [0, 255]
// (or {0, 1} for Bernoulli outputs).
package bvae

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/gomlx/betavae/pkg/distributions"
	"github.com/gomlx/betavae/pkg/nets"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Seed used for the context random number generator.
	Seed = 123

	// ModelScope is the context scope holding the encoder and decoder variables.
	ModelScope = "bvae"

	// Adam hyperparameters.
	LearningRate = 1e-4
	Beta1        = 0.0
	Beta2        = 0.9
)

// DType used for all computations.
var DType = dtypes.Float32

// Model is a beta-VAE built for one Config. It is not safe for concurrent use: training steps and
// inference calls must be serialized by the caller.
type Model struct {
	cfg       *Config
	backend   backends.Backend
	ctx       *context.Context
	encoder   nets.Encoder
	decoder   nets.Decoder
	optimizer optimizers.Interface
	ckpt      *CheckpointManager
	output    io.Writer

	trainExec, evalExec, encodeExec, reconstructExec, decodeExec, priorExec *context.Exec

	// infoKeys are the sorted keys of the latent distribution info, set when a graph is built.
	infoKeys []string

	stepHooks []StepHook
	evalHooks []EvalHook
}

// ModelShapes are the static shapes of the model for a given batch size.
type ModelShapes struct {
	Input, LatentParams, Latent, Output shapes.Shape
}

// New builds a Model for the given configuration. The variables are stored in ctx (under
// ModelScope) and are created, or restored from a checkpoint, at the first execution.
//
// It returns a ConfigurationError if the architecture is unknown or the output distribution doesn't
// match the image size, and an UnsupportedDistributionError if the output distribution is neither
// Gaussian nor Bernoulli.
func New(backend backends.Backend, ctx *context.Context, cfg *Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	encoder, decoder, err := nets.Retrieve(cfg.Arch)
	if err != nil {
		return nil, errors.WithStack(&ConfigurationError{Field: ParamArch, Reason: err.Error()})
	}
	switch cfg.OutputDist.Kind() {
	case distributions.KindGaussian, distributions.KindBernoulli:
	default:
		return nil, errors.WithStack(&UnsupportedDistributionError{Op: "output squashing", Kind: cfg.OutputDist.Kind()})
	}
	if cfg.OutputDist.Dim() != cfg.ImageSize() {
		reason := fmt.Sprintf("%s doesn't match the image size %dx%dx%d", cfg.OutputDist,
			cfg.ImageShape[0], cfg.ImageShape[1], cfg.ImageShape[2])
		return nil, errors.WithStack(&ConfigurationError{Field: ParamOutputDist, Reason: reason})
	}

	if err := ctx.SetRNGStateFromSeed(Seed); err != nil {
		return nil, errors.WithMessage(err, "seeding the context random number generator")
	}
	m := &Model{
		cfg:       cfg,
		backend:   backend,
		ctx:       ctx,
		encoder:   encoder,
		decoder:   decoder,
		optimizer: optimizers.Adam().LearningRate(LearningRate).Betas(Beta1, Beta2).Done(),
		output:    os.Stdout,
	}
	if err := m.checkArchitecture(); err != nil {
		return nil, err
	}
	m.ckpt = NewCheckpointManager(ctx, cfg.CheckpointDir(), cfg.KeepCheckpoints)

	for _, e := range []struct {
		exec **context.Exec
		fn   any
	}{
		{&m.trainExec, m.trainGraph},
		{&m.evalExec, m.evalGraph},
		{&m.encodeExec, m.encodeGraph},
		{&m.reconstructExec, m.reconstructGraph},
		{&m.decodeExec, m.decodeGraph},
		{&m.priorExec, m.priorGraph},
	} {
		*e.exec, err = context.NewExecAny(backend, ctx, e.fn)
		if err != nil {
			return nil, errors.WithMessage(err, "building beta-VAE graphs")
		}
	}
	if klog.V(1).Enabled() {
		s := m.Shapes(cfg.BatchSize)
		klog.Infof("beta-VAE %q: input %s, latent params %s, latent %s, output %s",
			cfg.ExpName, s.Input, s.LatentParams, s.Latent, s.Output)
	}
	return m, nil
}

// Config returns the model configuration. It must not be changed.
func (m *Model) Config() *Config { return m.cfg }

// Context returns the context holding the model variables.
func (m *Model) Context() *context.Context { return m.ctx }

// Checkpoints returns the checkpoint manager of the model.
func (m *Model) Checkpoints() *CheckpointManager { return m.ckpt }

// SetOutput sets where the training reports are printed. Default is os.Stdout.
func (m *Model) SetOutput(w io.Writer) { m.output = w }

// Shapes returns the static shapes of the model for the given batch size.
func (m *Model) Shapes(batchSize int) ModelShapes {
	h, w, c := m.cfg.ImageShape[0], m.cfg.ImageShape[1], m.cfg.ImageShape[2]
	return ModelShapes{
		Input:        shapes.Make(dtypes.Int32, batchSize, h, w, c),
		LatentParams: shapes.Make(DType, batchSize, m.cfg.ZDist.FlatDim()),
		Latent:       shapes.Make(DType, batchSize, m.cfg.ZDist.Dim()),
		Output:       shapes.Make(DType, batchSize, h, w, c),
	}
}

// modelCtx returns the scope of the encoder and decoder variables. It is unchecked, so variables
// created by one graph are reused by the others.
func modelCtx(ctx *context.Context) *context.Context {
	return ctx.In(ModelScope).Checked(false)
}

// normalize maps pixel values in [0, 255] to [-1, 1].
func normalize(x *graph.Node) *graph.Node {
	x = graph.ConvertDType(x, DType)
	return graph.MulScalar(graph.AddScalar(graph.DivScalar(x, 255), -0.5), 2)
}

// forward runs encoder, latent sampling and decoder.
func (m *Model) forward(ctx *context.Context, x *graph.Node) (normX *graph.Node, info distributions.Info, logits *graph.Node) {
	ctx = modelCtx(ctx)
	normX = normalize(x)
	params := m.encoder(ctx.In("encoder"), normX, m.cfg.ZDist.FlatDim())
	info = m.cfg.ZDist.Activate(params)
	m.infoKeys = info.Keys()
	z := m.cfg.ZDist.Sample(ctx, info)
	logits = m.decoder(ctx.In("decoder"), z, m.cfg.ImageShape)
	return
}

// squash maps the decoder logits to the output space: [-1, 1] for Gaussian outputs, [0, 1] for
// Bernoulli outputs.
func (m *Model) squash(logits *graph.Node) *graph.Node {
	if m.cfg.OutputDist.Kind() == distributions.KindGaussian {
		return graph.Tanh(logits)
	}
	return graph.Sigmoid(logits)
}

func (m *Model) decodeZ(ctx *context.Context, z *graph.Node) *graph.Node {
	z = graph.ConvertDType(z, DType)
	return m.squash(m.decoder(modelCtx(ctx).In("decoder"), z, m.cfg.ImageShape))
}

func (m *Model) trainGraph(ctx *context.Context, x *graph.Node) *graph.Node {
	g := x.Graph()
	ctx.SetTraining(g, true)
	terms := m.lossGraph(ctx, x)
	m.optimizer.UpdateGraph(ctx, g, terms.loss)
	return terms.loss
}

// evalGraph returns loss, mean reconstruction cost, mean KL and the latent info, in sorted key order.
func (m *Model) evalGraph(ctx *context.Context, x *graph.Node) []*graph.Node {
	ctx.SetTraining(x.Graph(), false)
	terms := m.lossGraph(ctx, x)
	outputs := []*graph.Node{terms.loss, graph.ReduceAllMean(terms.recon), graph.ReduceAllMean(terms.kl)}
	for _, key := range terms.info.Keys() {
		outputs = append(outputs, terms.info[key])
	}
	return outputs
}

func (m *Model) encodeGraph(ctx *context.Context, x *graph.Node) []*graph.Node {
	ctx.SetTraining(x.Graph(), false)
	ctx = modelCtx(ctx)
	params := m.encoder(ctx.In("encoder"), normalize(x), m.cfg.ZDist.FlatDim())
	info := m.cfg.ZDist.Activate(params)
	m.infoKeys = info.Keys()
	outputs := make([]*graph.Node, 0, len(info))
	for _, key := range m.infoKeys {
		outputs = append(outputs, info[key])
	}
	return outputs
}

func (m *Model) reconstructGraph(ctx *context.Context, x *graph.Node) *graph.Node {
	ctx.SetTraining(x.Graph(), false)
	_, _, logits := m.forward(ctx, x)
	return m.squash(logits)
}

func (m *Model) decodeGraph(ctx *context.Context, z *graph.Node) *graph.Node {
	ctx.SetTraining(z.Graph(), false)
	return m.decodeZ(ctx, z)
}

// priorGraph decodes a batch of samples of the latent prior.
func (m *Model) priorGraph(ctx *context.Context, g *graph.Graph) *graph.Node {
	ctx.SetTraining(g, false)
	z := m.cfg.ZDist.SamplePrior(modelCtx(ctx), g, DType, m.cfg.BatchSize)
	return m.decodeZ(ctx, z)
}

// checkArchitecture traces the loss graph once, in a graph that is never compiled, so that
// architectures that can't handle the configured image shape fail at construction. The variables
// are created in a clone of the context.
func (m *Model) checkArchitecture() error {
	ctx, err := m.ctx.Clone()
	if err != nil {
		return errors.WithMessage(err, "cloning context to check the architecture")
	}
	err = exceptions.TryCatch[error](func() {
		g := graph.NewGraph(m.backend, "bvae_check")
		x := graph.Parameter(g, "x", m.Shapes(m.cfg.BatchSize).Input)
		m.lossGraph(ctx, x)
	})
	if err == nil {
		return nil
	}
	var distErr *UnsupportedDistributionError
	if errors.As(err, &distErr) {
		return err
	}
	return errors.WithStack(&ConfigurationError{Field: ParamArch, Reason: err.Error()})
}

// checkBatch verifies the images shape matches the configuration.
func (m *Model) checkBatch(images *tensors.Tensor) error {
	if images == nil {
		return errors.New("nil images batch")
	}
	dims := images.Shape().Dimensions
	if len(dims) != 4 || dims[0] == 0 || !slices.Equal(dims[1:], m.cfg.ImageShape[:]) {
		return errors.Errorf("images batch must be shaped [n, %d, %d, %d] with n > 0, got %s",
			m.cfg.ImageShape[0], m.cfg.ImageShape[1], m.cfg.ImageShape[2], images.Shape())
	}
	return nil
}
