// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributions

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// Product is the joint distribution of independent components. Samples are the concatenation
// of the components' samples, in order.
//
// Statistics of component i are stored with the key prefix "id_<i>_", e.g. "id_0_mean".
type Product struct {
	components []Distribution
}

var _ Distribution = (*Product)(nil)

// NewProduct returns the product of the given components.
func NewProduct(components ...Distribution) *Product {
	return &Product{components: components}
}

func (d *Product) isDistribution() {}

func (d *Product) String() string {
	parts := make([]string, len(d.components))
	for ii, c := range d.components {
		parts[ii] = c.String()
	}
	return fmt.Sprintf("product(%s)", strings.Join(parts, ","))
}

func (d *Product) Kind() Kind { return KindProduct }

// Components returns the component distributions.
func (d *Product) Components() []Distribution { return d.components }

func (d *Product) Dim() int {
	var dim int
	for _, c := range d.components {
		dim += c.Dim()
	}
	return dim
}

func (d *Product) FlatDim() int {
	var dim int
	for _, c := range d.components {
		dim += c.FlatDim()
	}
	return dim
}

func componentPrefix(idx int) string {
	return fmt.Sprintf("id_%d_", idx)
}

// split returns the statistics of component idx, with the prefix removed.
func (d *Product) split(info Info, idx int) Info {
	prefix := componentPrefix(idx)
	componentInfo := make(Info)
	for key, value := range info {
		if name, found := strings.CutPrefix(key, prefix); found {
			componentInfo[name] = value
		}
	}
	return componentInfo
}

func (d *Product) merge(infos []Info) Info {
	info := make(Info)
	for idx, componentInfo := range infos {
		prefix := componentPrefix(idx)
		for key, value := range componentInfo {
			info[prefix+key] = value
		}
	}
	return info
}

func (d *Product) Activate(flat *graph.Node) Info {
	batchAndDim(flat, d.FlatDim(), "Product.Activate")
	infos := make([]Info, len(d.components))
	start := 0
	for idx, c := range d.components {
		infos[idx] = c.Activate(sliceFeatures(flat, start, start+c.FlatDim()))
		start += c.FlatDim()
	}
	return d.merge(infos)
}

func (d *Product) Sample(ctx *context.Context, info Info) *graph.Node {
	samples := make([]*graph.Node, len(d.components))
	for idx, c := range d.components {
		samples[idx] = c.Sample(ctx, d.split(info, idx))
	}
	return graph.Concatenate(samples, 1)
}

func (d *Product) KL(posterior, prior Info) *graph.Node {
	var kl *graph.Node
	for idx, c := range d.components {
		componentKL := c.KL(d.split(posterior, idx), d.split(prior, idx))
		if kl == nil {
			kl = componentKL
		} else {
			kl = graph.Add(kl, componentKL)
		}
	}
	return kl
}

func (d *Product) PriorInfo(g *graph.Graph, dtype dtypes.DType, batchSize int) Info {
	infos := make([]Info, len(d.components))
	for idx, c := range d.components {
		infos[idx] = c.PriorInfo(g, dtype, batchSize)
	}
	return d.merge(infos)
}

func (d *Product) SamplePrior(ctx *context.Context, g *graph.Graph, dtype dtypes.DType, batchSize int) *graph.Node {
	samples := make([]*graph.Node, len(d.components))
	for idx, c := range d.components {
		samples[idx] = c.SamplePrior(ctx, g, dtype, batchSize)
	}
	return graph.Concatenate(samples, 1)
}
