// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributions implements the probability distributions used as latent codes and as
// reconstruction models by the beta-VAE.
//
// The set of distributions is closed: Gaussian, Bernoulli, Categorical and Product. Each one knows
// how many raw network outputs it needs (FlatDim), how to turn them into named statistics (Activate),
// how to sample, how to compute the KL divergence against another set of statistics and how to
// produce the statistics of its prior.
//
// All graph functions panic (with exceptions.Panicf) on invalid input, as usual for GoMLX graph
// building code.
package distributions

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// TINY is added inside logarithms and denominators to keep them finite.
const TINY = 1e-8

// Kind tags the concrete variant of a Distribution.
type Kind int

const (
	KindGaussian Kind = iota
	KindBernoulli
	KindCategorical
	KindProduct
)

func (k Kind) String() string {
	switch k {
	case KindGaussian:
		return "Gaussian"
	case KindBernoulli:
		return "Bernoulli"
	case KindCategorical:
		return "Categorical"
	case KindProduct:
		return "Product"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Info maps the name of a statistic (e.g.: "mean", "stddev") to its per-example values,
// shaped [batchSize, Dim].
type Info map[string]*graph.Node

// Keys returns the statistic names in sorted order, so graph outputs built from an Info have a
// stable order.
func (info Info) Keys() []string {
	keys := make([]string, 0, len(info))
	for key := range info {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Distribution is implemented by Gaussian, Bernoulli, Categorical and Product only.
type Distribution interface {
	fmt.Stringer

	// Kind of the distribution.
	Kind() Kind

	// Dim is the dimension of one sample.
	Dim() int

	// FlatDim is the number of raw parameters (network outputs) needed to describe one
	// example of the distribution.
	FlatDim() int

	// Activate converts the raw parameters, shaped [batchSize, FlatDim], into named statistics.
	Activate(flat *graph.Node) Info

	// Sample draws one sample per example, shaped [batchSize, Dim], using the context's random
	// number generator.
	Sample(ctx *context.Context, info Info) *graph.Node

	// KL returns the KL divergence KL(posterior || prior) per example, shaped [batchSize].
	KL(posterior, prior Info) *graph.Node

	// PriorInfo returns the statistics of the prior for the given batch size.
	PriorInfo(g *graph.Graph, dtype dtypes.DType, batchSize int) Info

	// SamplePrior draws batchSize samples from the prior.
	SamplePrior(ctx *context.Context, g *graph.Graph, dtype dtypes.DType, batchSize int) *graph.Node

	// isDistribution closes the set of implementations to this package.
	isDistribution()
}

// ErrInvalidSpec is returned (wrapped) by Parse for malformed distribution descriptions.
var ErrInvalidSpec = errors.New("invalid distribution spec")

// Parse a distribution description, e.g.: "gaussian(10)", "bernoulli(4096)", "categorical(10)" or
// "product(gaussian(8),categorical(10))". Names are case-insensitive and spaces are ignored.
func Parse(spec string) (Distribution, error) {
	normalized := strings.ToLower(strings.Join(strings.Fields(spec), ""))
	p := &specParser{input: normalized}
	dist, err := p.parse()
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing distribution %q", spec)
	}
	if p.pos != len(p.input) {
		return nil, errors.Wrapf(ErrInvalidSpec, "parsing distribution %q: unexpected %q at position %d",
			spec, p.input[p.pos:], p.pos)
	}
	return dist, nil
}

// ParseKind parses only a distribution name ("gaussian", "bernoulli", "categorical" or "product").
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gaussian":
		return KindGaussian, nil
	case "bernoulli":
		return KindBernoulli, nil
	case "categorical":
		return KindCategorical, nil
	case "product":
		return KindProduct, nil
	}
	return 0, errors.Wrapf(ErrInvalidSpec, "unknown distribution %q", name)
}

type specParser struct {
	input string
	pos   int
}

func (p *specParser) parse() (Distribution, error) {
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] >= 'a' && p.input[p.pos] <= 'z' {
		p.pos++
	}
	name := p.input[start:p.pos]
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	if err = p.expect('('); err != nil {
		return nil, err
	}
	if kind == KindProduct {
		var components []Distribution
		for {
			component, err := p.parse()
			if err != nil {
				return nil, err
			}
			components = append(components, component)
			if p.pos < len(p.input) && p.input[p.pos] == ',' {
				p.pos++
				continue
			}
			break
		}
		if err = p.expect(')'); err != nil {
			return nil, err
		}
		return NewProduct(components...), nil
	}

	dim, err := p.number()
	if err != nil {
		return nil, err
	}
	if err = p.expect(')'); err != nil {
		return nil, err
	}
	switch kind {
	case KindGaussian:
		return NewGaussian(dim), nil
	case KindBernoulli:
		return NewBernoulli(dim), nil
	default:
		return NewCategorical(dim), nil
	}
}

func (p *specParser) expect(c byte) error {
	if p.pos >= len(p.input) || p.input[p.pos] != c {
		return errors.Wrapf(ErrInvalidSpec, "expected %q at position %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *specParser) number() (int, error) {
	start := p.pos
	n := 0
	for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
		n = n*10 + int(p.input[p.pos]-'0')
		p.pos++
	}
	if p.pos == start || n <= 0 {
		return 0, errors.Wrapf(ErrInvalidSpec, "expected a positive dimension at position %d", start)
	}
	return n, nil
}

// batchAndDim checks that x is shaped [batchSize, dim] and returns the batch size.
func batchAndDim(x *graph.Node, dim int, who string) int {
	if x.Rank() != 2 || x.Shape().Dimensions[1] != dim {
		exceptions.Panicf("%s: expected input shaped [batchSize, %d], got %s", who, dim, x.Shape())
	}
	return x.Shape().Dimensions[0]
}

// sliceFeatures returns x[:, from:to].
func sliceFeatures(x *graph.Node, from, to int) *graph.Node {
	return graph.Slice(x, graph.AxisRange(), graph.AxisRange(from, to))
}

// safeLog returns log(x + TINY).
func safeLog(x *graph.Node) *graph.Node {
	return graph.Log(graph.AddScalar(x, TINY))
}
