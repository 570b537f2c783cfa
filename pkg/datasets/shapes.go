// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ShapeKind enumerates the synthetic shapes drawn by Shapes.
type ShapeKind int

const (
	ShapeSquare ShapeKind = iota
	ShapeEllipse
	ShapeTriangle
	numShapeKinds
)

// Factors are the generative factors of one synthetic image.
type Factors struct {
	Kind ShapeKind

	// Scale is the half-size of the shape as a fraction of the smallest image side.
	Scale float64

	// Orientation in radians.
	Orientation float64

	// PosX, PosY are the center of the shape, as a fraction of the image width and height.
	PosX, PosY float64

	// Color of the shape, one intensity per channel in [0, 255].
	Color [3]int32
}

// Shapes is an infinite generator of dSprites-like images: one white (or colored) square, ellipse or
// triangle on a black background, with random scale, orientation and position.
type Shapes struct {
	cfg Config
	rng *rand.Rand
}

var _ Generator = (*Shapes)(nil)

// NewShapes creates a synthetic shapes generator. It is deterministic for a given Config.Seed.
func NewShapes(cfg Config) (*Shapes, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Shapes{cfg: cfg, rng: newRand(cfg.Seed, 0x5ea9e5)}, nil
}

// Next implements Generator.
func (s *Shapes) Next() (*tensors.Tensor, error) {
	cfg := s.cfg
	values := make([]int32, cfg.BatchSize*cfg.imageSize())
	for idx := range cfg.BatchSize {
		Render(s.randomFactors(), cfg.Height, cfg.Width, cfg.Channels, values[idx*cfg.imageSize():(idx+1)*cfg.imageSize()])
	}
	if cfg.Binary {
		binarize(values)
	}
	return tensors.FromFlatDataAndDimensions(values, cfg.BatchSize, cfg.Height, cfg.Width, cfg.Channels), nil
}

func (s *Shapes) randomFactors() Factors {
	f := Factors{
		Kind:        ShapeKind(s.rng.IntN(int(numShapeKinds))),
		Scale:       0.15 + 0.15*s.rng.Float64(),
		Orientation: 2 * math.Pi * s.rng.Float64(),
	}
	// Keep the shape (mostly) inside the image.
	margin := f.Scale * 1.2
	f.PosX = margin + (1-2*margin)*s.rng.Float64()
	f.PosY = margin + (1-2*margin)*s.rng.Float64()
	f.Color = [3]int32{255, 255, 255}
	if s.cfg.Channels == 3 {
		for c := range f.Color {
			f.Color[c] = 128 + s.rng.Int32N(128)
		}
	}
	return f
}

// Render draws the shape described by f into dst, an image of the given dimensions in
// height-width-channels order. Background pixels are set to 0.
func Render(f Factors, height, width, channels int, dst []int32) {
	side := float64(min(height, width))
	halfSize := f.Scale * side
	cx, cy := f.PosX*float64(width), f.PosY*float64(height)
	sin, cos := math.Sincos(-f.Orientation)
	pos := 0
	for y := range height {
		for x := range width {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			u, v := (dx*cos-dy*sin)/halfSize, (dx*sin+dy*cos)/halfSize
			inside := f.Kind.contains(u, v)
			for c := range channels {
				if inside {
					dst[pos] = f.Color[c]
				} else {
					dst[pos] = 0
				}
				pos++
			}
		}
	}
}

// contains reports whether the point (u, v), in shape coordinates scaled to the half-size, is inside
// the shape.
func (k ShapeKind) contains(u, v float64) bool {
	switch k {
	case ShapeSquare:
		return math.Abs(u) <= 1 && math.Abs(v) <= 1
	case ShapeEllipse:
		return u*u+(v*v)/0.36 <= 1
	case ShapeTriangle:
		// Apex at v=-1, base at v=1.
		return v >= -1 && v <= 1 && math.Abs(u) <= (v+1)/2
	}
	return false
}

func (k ShapeKind) String() string {
	switch k {
	case ShapeSquare:
		return "square"
	case ShapeEllipse:
		return "ellipse"
	case ShapeTriangle:
		return "triangle"
	}
	return "unknown"
}
