// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gomlx/betavae/pkg/bvae"
	"github.com/gomlx/betavae/pkg/nets"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

const testArch = "server-test"

func init() {
	gin.SetMode(gin.TestMode)
	nets.Register(testArch,
		func(ctx *context.Context, x *graph.Node, flatDim int) *graph.Node {
			return layers.Dense(ctx, graph.Reshape(x, x.Shape().Dimensions[0], -1), true, flatDim)
		},
		func(ctx *context.Context, z *graph.Node, imageShape [3]int) *graph.Node {
			h := layers.Dense(ctx, z, true, imageShape[0]*imageShape[1]*imageShape[2])
			return graph.Reshape(h, z.Shape().Dimensions[0], imageShape[0], imageShape[1], imageShape[2])
		})
}

func newTestServer(t *testing.T, zDist string) http.Handler {
	return newTestServerWithOutput(t, zDist, "gaussian")
}

func newTestServerWithOutput(t *testing.T, zDist, outputDist string) http.Handler {
	ctx := bvae.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		bvae.ParamArch:          testArch,
		bvae.ParamZDist:         zDist,
		bvae.ParamOutputDist:    outputDist,
		bvae.ParamImageHeight:   4,
		bvae.ParamImageWidth:    2,
		bvae.ParamImageChannels: 1,
		bvae.ParamBatchSize:     2,
	})
	cfg, err := bvae.ConfigFromContext(ctx, bvae.Dirs{Checkpoints: t.TempDir(), Samples: t.TempDir()})
	require.NoError(t, err)
	model, err := bvae.New(graphtest.BuildTestBackend(), ctx, cfg)
	require.NoError(t, err)
	return New(model).Routes()
}

func do(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var data []byte
	if body != nil {
		data = must.M1(json.Marshal(body))
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// testImages returns n 4x2 gray images.
func testImages(n int) [][][][]int32 {
	images := make([][][][]int32, n)
	for ii := range images {
		images[ii] = [][][]int32{{{0}, {255}}, {{10}, {20}}, {{30}, {40}}, {{50}, {int32(ii)}}}
	}
	return images
}

func TestInfo(t *testing.T) {
	handler := newTestServer(t, "gaussian(3)")
	w := do(t, handler, http.MethodGet, "/api/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[InfoResponse](t, w)
	assert.Equal(t, testArch, info.Arch)
	assert.Equal(t, "gaussian(3)", info.ZDist)
	assert.Equal(t, [3]int{4, 2, 1}, info.ImageShape)
	assert.Equal(t, 3, info.LatentDim)
}

func TestEncodeReconstruct(t *testing.T) {
	handler := newTestServer(t, "gaussian(3)")

	w := do(t, handler, http.MethodPost, "/api/encode", ImagesRequest{Images: testImages(3)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	encoded := decode[EncodeResponse](t, w)
	require.Len(t, encoded.Code, 3)
	assert.Len(t, encoded.Code[0], 3)

	w = do(t, handler, http.MethodPost, "/api/reconstruct", ImagesRequest{Images: testImages(2)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reconstructed := decode[ImagesResponse](t, w)
	require.Len(t, reconstructed.Images, 2)
	require.Len(t, reconstructed.Images[0], 4)
	require.Len(t, reconstructed.Images[0][0], 2)
	for _, row := range reconstructed.Images[1] {
		for _, pixel := range row {
			require.Len(t, pixel, 1)
			assert.True(t, pixel[0] >= 0 && pixel[0] <= 255)
		}
	}

	// Wrong image shape.
	bad := testImages(1)
	bad[0] = bad[0][:3]
	w = do(t, handler, http.MethodPost, "/api/encode", ImagesRequest{Images: bad})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, handler, http.MethodPost, "/api/reconstruct", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestManyBatchSizes(t *testing.T) {
	handler := newTestServer(t, "gaussian(3)")
	for n := 1; n <= 34; n++ {
		w := do(t, handler, http.MethodPost, "/api/encode", ImagesRequest{Images: testImages(n)})
		require.Equalf(t, http.StatusOK, w.Code, "batch size %d: %s", n, w.Body.String())
		require.Len(t, decode[EncodeResponse](t, w).Code, n)

		w = do(t, handler, http.MethodGet, fmt.Sprintf("/api/samples.png?n=%d", n), nil)
		require.Equalf(t, http.StatusOK, w.Code, "samples n=%d: %s", n, w.Body.String())
	}

	w := do(t, handler, http.MethodPost, "/api/encode", ImagesRequest{Images: testImages(MaxSamples + 1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, handler, http.MethodPost, "/api/reconstruct", ImagesRequest{Images: testImages(MaxSamples + 1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBernoulliPixels(t *testing.T) {
	handler := newTestServerWithOutput(t, "gaussian(3)", "bernoulli")
	w := do(t, handler, http.MethodPost, "/api/generate",
		GenerateRequest{Code: [][]float32{{-50, -50, -50}, {50, 50, 50}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	lo, hi := int32(255), int32(0)
	for _, image := range decode[ImagesResponse](t, w).Images {
		for _, row := range image {
			for _, pixel := range row {
				lo, hi = min(lo, pixel[0]), max(hi, pixel[0])
			}
		}
	}
	// Saturated outputs reach both ends of the pixel range.
	assert.GreaterOrEqual(t, lo, int32(0))
	assert.Less(t, lo, int32(127))
	assert.LessOrEqual(t, hi, int32(255))
}

func TestEncodeUnsupported(t *testing.T) {
	handler := newTestServer(t, "bernoulli(3)")
	w := do(t, handler, http.MethodPost, "/api/encode", ImagesRequest{Images: testImages(1)})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGenerate(t *testing.T) {
	handler := newTestServer(t, "gaussian(3)")

	w := do(t, handler, http.MethodPost, "/api/generate", GenerateRequest{Code: [][]float32{{0, 0, 0}, {1, -1, 0.5}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[ImagesResponse](t, w).Images, 2)

	w = do(t, handler, http.MethodPost, "/api/generate", GenerateRequest{N: 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[ImagesResponse](t, w).Images, 5)

	w = do(t, handler, http.MethodPost, "/api/generate", GenerateRequest{Code: [][]float32{{0, 0}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, handler, http.MethodPost, "/api/generate", GenerateRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSamples(t *testing.T) {
	handler := newTestServer(t, "gaussian(3)")
	w := do(t, handler, http.MethodGet, "/api/samples.png?n=6", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	// 6 images laid out as 2x3 tiles of 4x2 pixels.
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())

	w = do(t, handler, http.MethodGet, "/api/samples.png?n=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
