// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagegrid writes batches of images as a single grid image (PNG, JPEG, ... chosen by the
// file extension).
package imagegrid

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Layout returns the number of rows and columns used for n images when none is given: the largest
// number of rows not above sqrt(n) that divides n exactly.
func Layout(n int) (rows, cols int) {
	if n <= 0 {
		return 0, 0
	}
	rows = int(math.Sqrt(float64(n)))
	for n%rows != 0 {
		rows--
	}
	return rows, n / rows
}

// Grid assembles images, an Int32 tensor shaped [N, height, width, channels] with values in [0, 255],
// into one image with the given number of rows and columns, filled row by row.
// Channels must be 1 (gray), 3 (RGB) or 4 (RGBA). Values out of range are clipped.
func Grid(images *tensors.Tensor, rows, cols int) (*image.NRGBA, error) {
	shape := images.Shape()
	if shape.Rank() != 4 {
		return nil, errors.Errorf("images must be shaped [N, height, width, channels], got %s", shape)
	}
	if shape.DType != dtypes.Int32 {
		return nil, errors.Errorf("images must be Int32, got %s", shape.DType)
	}
	n, height, width, channels := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	if channels != 1 && channels != 3 && channels != 4 {
		return nil, errors.Errorf("images must have 1, 3 or 4 channels, got %d", channels)
	}
	if rows <= 0 || cols <= 0 || rows*cols < n {
		return nil, errors.Errorf("grid of %dx%d cannot hold %d images", rows, cols, n)
	}

	pixels := tensors.MustCopyFlatData[int32](images)
	grid := imaging.New(cols*width, rows*height, color.Black)
	imageSize := height * width * channels
	for idx := range n {
		tile := toNRGBA(pixels[idx*imageSize:(idx+1)*imageSize], height, width, channels)
		row, col := idx/cols, idx%cols
		grid = imaging.Paste(grid, tile, image.Pt(col*width, row*height))
	}
	return grid, nil
}

func toNRGBA(pixels []int32, height, width, channels int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	pos := 0
	for y := range height {
		for x := range width {
			offset := y*img.Stride + x*4
			for c := range channels {
				img.Pix[offset+c] = clip(pixels[pos])
				pos++
			}
			if channels == 1 {
				img.Pix[offset+1] = img.Pix[offset]
				img.Pix[offset+2] = img.Pix[offset]
			}
			if channels < 4 {
				img.Pix[offset+3] = 255
			}
		}
	}
	return img
}

func clip(v int32) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// Save writes the grid of images to path, creating the parent directory if needed.
// If rows or cols is <= 0, Layout is used.
func Save(path string, images *tensors.Tensor, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		if images.Shape().Rank() < 1 {
			return errors.Errorf("images must be shaped [N, height, width, channels], got %s", images.Shape())
		}
		rows, cols = Layout(images.Shape().Dimensions[0])
	}
	grid, err := Grid(images, rows, cols)
	if err != nil {
		return errors.WithMessagef(err, "writing %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	if err := imaging.Save(grid, path); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}
