// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{BatchSize: 2, Height: 8, Width: 8, Channels: 1}.Validate())
	require.Error(t, Config{BatchSize: 0, Height: 8, Width: 8, Channels: 1}.Validate())
	require.Error(t, Config{BatchSize: 2, Height: 8, Width: 8, Channels: 2}.Validate())
}

func TestRender(t *testing.T) {
	dst := make([]int32, 16*16)
	f := Factors{Kind: ShapeSquare, Scale: 0.25, PosX: 0.5, PosY: 0.5, Color: [3]int32{255, 255, 255}}
	Render(f, 16, 16, 1, dst)
	assert.Equal(t, int32(255), dst[8*16+8], "center should be inside the square")
	assert.Equal(t, int32(0), dst[0], "corner should be background")

	var count int
	for _, v := range dst {
		if v > 0 {
			count++
		}
	}
	// Square of side 8 pixels.
	assert.Equal(t, 64, count)
}

func flat(t *testing.T, batch *tensors.Tensor) []int32 {
	require.Equal(t, dtypes.Int32, batch.DType())
	return tensors.MustCopyFlatData[int32](batch)
}

func TestShapes(t *testing.T) {
	cfg := Config{BatchSize: 4, Height: 16, Width: 16, Channels: 1, Seed: 7}
	gen, err := NewShapes(cfg)
	require.NoError(t, err)
	batch, err := gen.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 16, 16, 1}, batch.Shape().Dimensions)
	values := flat(t, batch)
	var lit int
	for _, v := range values {
		require.True(t, v == 0 || v == 255)
		if v > 0 {
			lit++
		}
	}
	assert.Greater(t, lit, 0)

	// Deterministic for the same seed.
	again, err := NewShapes(cfg)
	require.NoError(t, err)
	batchAgain, err := again.Next()
	require.NoError(t, err)
	assert.Equal(t, values, flat(t, batchAgain))

	// Binary and color.
	cfg.Binary, cfg.Channels = true, 3
	gen, err = NewShapes(cfg)
	require.NoError(t, err)
	batch, err = gen.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 16, 16, 3}, batch.Shape().Dimensions)
	for _, v := range flat(t, batch) {
		require.True(t, v == 0 || v == 1)
	}
}

func writeImages(t *testing.T, dir string, n int) {
	for ii := range n {
		img := imaging.New(10, 6, color.NRGBA{R: uint8(20 * ii), G: uint8(20 * ii), B: uint8(20 * ii), A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, fmt.Sprintf("img_%02d.png", ii))))
	}
}

func TestImageFolder(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, 5)
	paths, err := ListImages(dir)
	require.NoError(t, err)
	require.Len(t, paths, 5)

	train, dev := SplitPaths(paths, 0.2, 1)
	assert.Len(t, train, 4)
	assert.Len(t, dev, 1)
	assert.NotContains(t, train, dev[0])

	gen, err := NewImageFolder(train, Config{BatchSize: 3, Height: 4, Width: 4, Channels: 1, Seed: 1})
	require.NoError(t, err)
	seen := make(map[int32]bool)
	for range 4 { // More than one epoch.
		batch, err := gen.Next()
		require.NoError(t, err)
		assert.Equal(t, []int{3, 4, 4, 1}, batch.Shape().Dimensions)
		values := flat(t, batch)
		for img := range 3 {
			// Images are uniform: first pixel identifies them.
			seen[values[img*16]] = true
		}
	}
	assert.Len(t, seen, 4)

	_, err = ListImages(t.TempDir())
	require.Error(t, err)
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, 9)
	paths, err := ListImages(dir)
	require.NoError(t, err)

	cfg := Config{BatchSize: 100, Height: 3, Width: 3, Channels: 1}
	batch, err := LoadImages([]string{paths[8], paths[2]}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 3, 1}, batch.Shape().Dimensions)
	values := flat(t, batch)
	assert.InDelta(t, 160, values[0], 1)
	assert.InDelta(t, 40, values[9], 1)

	cfg.Binary = true
	batch, err = LoadImages([]string{paths[8], paths[2]}, cfg)
	require.NoError(t, err)
	values = flat(t, batch)
	assert.Equal(t, int32(1), values[0])
	assert.Equal(t, int32(0), values[9])

	_, err = LoadImages(nil, cfg)
	require.Error(t, err)
}

func TestImageToValues(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for ii := range img.Pix {
		img.Pix[ii] = 200
	}
	values := ImageToValues(img, 2, 2, 3)
	assert.Equal(t, []int32{200, 200, 200, 200, 200, 200, 200, 200, 200, 200, 200, 200}, values)
}
