// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package server exposes the inference operations of a trained beta-VAE model over HTTP.
//
// Routes:
//
//   - GET /api/info: model configuration.
//   - POST /api/encode: {"images": [n][h][w][c]int} -> {"code": [n][z]float}.
//   - POST /api/reconstruct: {"images": ...} -> {"images": ...}, pixel values in [0, 255].
//   - POST /api/generate: {"code": [n][z]float} or {"n": int} -> {"images": ...}.
//
// Batches hold at most MaxSamples images or codes, of any size otherwise. Bernoulli outputs, in
// [0, 1], are scaled to the full pixel range.
//   - GET /api/samples.png?n=16: grid of images generated from the prior.
package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/gomlx/betavae/pkg/bvae"
	"github.com/gomlx/betavae/pkg/imagegrid"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxSamples is the maximum number of images or codes handled by one request.
const MaxSamples = 1024

// Server serves one model. Model calls are serialized.
type Server struct {
	mu    sync.Mutex
	model *bvae.Model
}

// New returns a server for the given model, whose variables must already be initialized or loaded.
func New(model *bvae.Model) *Server {
	return &Server{model: model}
}

// ImagesRequest holds a batch of images, as pixel values in [0, 255].
type ImagesRequest struct {
	Images [][][][]int32 `json:"images"`
}

// ImagesResponse holds a batch of images, as pixel values in [0, 255].
type ImagesResponse struct {
	Images [][][][]int32 `json:"images"`
}

// EncodeResponse holds the latent code of each image.
type EncodeResponse struct {
	Code [][]float32 `json:"code"`
}

// GenerateRequest holds either the latent codes to decode, or the number of codes to sample from
// the prior.
type GenerateRequest struct {
	Code [][]float32 `json:"code,omitempty"`
	N    int         `json:"n,omitempty"`
}

// InfoResponse describes the served model.
type InfoResponse struct {
	ExpName    string  `json:"exp_name"`
	Arch       string  `json:"arch"`
	ZDist      string  `json:"z_dist"`
	OutputDist string  `json:"output_dist"`
	ImageShape [3]int  `json:"image_shape"`
	LatentDim  int     `json:"latent_dim"`
	Beta       float64 `json:"beta"`
}

// Routes returns the HTTP handler with all routes.
func (s *Server) Routes() http.Handler {
	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "beta-VAE is running") })
	api := r.Group("/api")
	api.GET("/info", s.InfoHandler)
	api.POST("/encode", s.EncodeHandler)
	api.POST("/reconstruct", s.ReconstructHandler)
	api.POST("/generate", s.GenerateHandler)
	api.GET("/samples.png", s.SamplesHandler)
	return r
}

// Serve listens on addr until the listener fails.
func (s *Server) Serve(addr string) error {
	klog.Infof("Serving model %q on %s", s.model.Config().ExpName, addr)
	return http.ListenAndServe(addr, s.Routes())
}

func (s *Server) InfoHandler(c *gin.Context) {
	cfg := s.model.Config()
	c.JSON(http.StatusOK, InfoResponse{
		ExpName:    cfg.ExpName,
		Arch:       cfg.Arch,
		ZDist:      cfg.ZDist.String(),
		OutputDist: cfg.OutputDist.String(),
		ImageShape: cfg.ImageShape,
		LatentDim:  cfg.ZDist.Dim(),
		Beta:       cfg.Beta,
	})
}

// bindJSON parses the request body into req, aborting the request on failure.
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return false
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// abortWithModelError maps errors of the model to HTTP statuses.
func abortWithModelError(c *gin.Context, err error) {
	var unsupported *bvae.UnsupportedDistributionError
	if errors.As(err, &unsupported) {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	klog.Errorf("%s %s: %+v", c.Request.Method, c.Request.URL.Path, err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) EncodeHandler(c *gin.Context) {
	var req ImagesRequest
	if !bindJSON(c, &req) {
		return
	}
	images, err := s.imagesTensor(req.Images)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	code, err := s.model.Encode(images)
	s.mu.Unlock()
	if err != nil {
		abortWithModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, EncodeResponse{Code: code.Value().([][]float32)})
}

func (s *Server) ReconstructHandler(c *gin.Context) {
	var req ImagesRequest
	if !bindJSON(c, &req) {
		return
	}
	images, err := s.imagesTensor(req.Images)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	output, err := s.model.Reconstruct(images)
	s.mu.Unlock()
	if err != nil {
		abortWithModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, ImagesResponse{Images: s.pixels(output).Value().([][][][]int32)})
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if !bindJSON(c, &req) {
		return
	}
	var code *tensors.Tensor
	if len(req.Code) > 0 {
		var err error
		code, err = s.codeTensor(req.Code)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else if req.N <= 0 || req.N > MaxSamples {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			gin.H{"error": fmt.Sprintf("either code or n (between 1 and %d) must be given", MaxSamples)})
		return
	}
	output, err := s.generate(code, req.N)
	if err != nil {
		abortWithModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, ImagesResponse{Images: output.Value().([][][][]int32)})
}

// SamplesHandler renders images sampled from the prior as a PNG grid.
func (s *Server) SamplesHandler(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "16"))
	if err != nil || n <= 0 || n > MaxSamples {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			gin.H{"error": fmt.Sprintf("n must be an integer between 1 and %d", MaxSamples)})
		return
	}
	pixels, err := s.generate(nil, n)
	if err != nil {
		abortWithModelError(c, err)
		return
	}
	rows, cols := imagegrid.Layout(n)
	grid, err := imagegrid.Grid(pixels, rows, cols)
	if err != nil {
		abortWithModelError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, grid, imaging.PNG); err != nil {
		abortWithModelError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// generate decodes code, or n samples of the prior if code is nil, and returns the pixel values.
func (s *Server) generate(code *tensors.Tensor, n int) (*tensors.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	output, err := s.model.Generate(code, n)
	if err != nil {
		return nil, err
	}
	return s.pixels(output), nil
}

// pixels converts a model output to pixel values in [0, 255].
func (s *Server) pixels(output *tensors.Tensor) *tensors.Tensor {
	return bvae.OutputPixels(s.model.Config().OutputDist.Kind(), output)
}

// imagesTensor converts a nested, non-ragged, images batch matching the model image shape.
func (s *Server) imagesTensor(images [][][][]int32) (*tensors.Tensor, error) {
	shape := s.model.Config().ImageShape
	if len(images) == 0 {
		return nil, errors.New("no images given")
	}
	if len(images) > MaxSamples {
		return nil, errors.Errorf("at most %d images can be processed at once, got %d", MaxSamples, len(images))
	}
	flat := make([]int32, 0, len(images)*shape[0]*shape[1]*shape[2])
	for idx, image := range images {
		if len(image) != shape[0] {
			return nil, errors.Errorf("image #%d: expected height %d, got %d", idx, shape[0], len(image))
		}
		for _, row := range image {
			if len(row) != shape[1] {
				return nil, errors.Errorf("image #%d: expected width %d, got %d", idx, shape[1], len(row))
			}
			for _, pixel := range row {
				if len(pixel) != shape[2] {
					return nil, errors.Errorf("image #%d: expected %d channels, got %d", idx, shape[2], len(pixel))
				}
				flat = append(flat, pixel...)
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(images), shape[0], shape[1], shape[2]), nil
}

// codeTensor converts latent codes, each with the latent dimension of the model.
func (s *Server) codeTensor(code [][]float32) (*tensors.Tensor, error) {
	zDim := s.model.Config().ZDist.Dim()
	if len(code) > MaxSamples {
		return nil, errors.Errorf("at most %d codes can be decoded at once, got %d", MaxSamples, len(code))
	}
	flat := make([]float32, 0, len(code)*zDim)
	for idx, row := range code {
		if len(row) != zDim {
			return nil, errors.Errorf("code #%d: expected %d values, got %d", idx, zDim, len(row))
		}
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(code), zDim), nil
}
