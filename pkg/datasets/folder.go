// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ImageExtensions are the file extensions (lower case) recognized by ListImages.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff"}

// ListImages returns the sorted paths of all image files under dir, recursively.
func ListImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing images in %q", dir)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %q", dir)
	}
	slices.Sort(paths)
	return paths, nil
}

// SplitPaths shuffles paths deterministically with seed and splits them into a training and a
// development set. The development set takes devFraction of the images, at least one, unless there
// is only one image, in which case both sets use it.
func SplitPaths(paths []string, devFraction float64, seed uint64) (train, dev []string) {
	shuffled := slices.Clone(paths)
	rng := newRand(seed, 0xd1e)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	if len(shuffled) < 2 {
		return shuffled, shuffled
	}
	numDev := max(1, int(devFraction*float64(len(shuffled))))
	numDev = min(numDev, len(shuffled)-1)
	return shuffled[numDev:], shuffled[:numDev]
}

// ImageFolder is an infinite generator over a list of image files. Images are resized to the
// configured dimensions, converted to grayscale if Channels == 1, and cached in memory after the
// first read. The order is reshuffled at every epoch.
type ImageFolder struct {
	cfg   Config
	paths []string
	cache map[string][]int32
	order []int
	next  int
	rng   *rand.Rand
}

var _ Generator = (*ImageFolder)(nil)

// NewImageFolder creates a generator over the given image paths.
func NewImageFolder(paths []string, cfg Config) (*ImageFolder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.New("ImageFolder requires at least one image")
	}
	f := &ImageFolder{
		cfg:   cfg,
		paths: paths,
		cache: make(map[string][]int32, len(paths)),
		rng:   newRand(cfg.Seed, 0xf01de5),
	}
	f.reshuffle()
	return f, nil
}

func (f *ImageFolder) reshuffle() {
	if f.order == nil {
		f.order = make([]int, len(f.paths))
		for ii := range f.order {
			f.order[ii] = ii
		}
	}
	f.rng.Shuffle(len(f.order), func(i, j int) { f.order[i], f.order[j] = f.order[j], f.order[i] })
	f.next = 0
}

// Next implements Generator.
func (f *ImageFolder) Next() (*tensors.Tensor, error) {
	cfg := f.cfg
	values := make([]int32, 0, cfg.BatchSize*cfg.imageSize())
	for range cfg.BatchSize {
		if f.next >= len(f.order) {
			f.reshuffle()
		}
		pixels, err := f.load(f.paths[f.order[f.next]])
		if err != nil {
			return nil, err
		}
		f.next++
		values = append(values, pixels...)
	}
	if cfg.Binary {
		binarize(values)
	}
	return tensors.FromFlatDataAndDimensions(values, cfg.BatchSize, cfg.Height, cfg.Width, cfg.Channels), nil
}

func (f *ImageFolder) load(path string) ([]int32, error) {
	if pixels, found := f.cache[path]; found {
		return pixels, nil
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading image %q", path)
	}
	pixels := ImageToValues(img, f.cfg.Height, f.cfg.Width, f.cfg.Channels)
	f.cache[path] = pixels
	if len(f.cache) == len(f.paths) {
		klog.V(1).Infof("datasets: all %d images cached", len(f.paths))
	}
	return pixels, nil
}

// ImageToValues resizes img to height x width and returns its pixels in height-width-channels order,
// with values in [0, 255]. With channels == 1 the image is converted to grayscale.
func ImageToValues(img image.Image, height, width, channels int) []int32 {
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	if channels == 1 {
		resized = imaging.Grayscale(resized)
	}
	values := make([]int32, 0, height*width*channels)
	for y := range height {
		for x := range width {
			pix := resized.Pix[y*resized.Stride+x*4:]
			for c := range channels {
				values = append(values, int32(pix[c]))
			}
		}
	}
	return values
}

// LoadImages reads the given image files, in order, into one batch shaped
// [len(paths), Height, Width, Channels]. The batch size of cfg is ignored.
func LoadImages(paths []string, cfg Config) (*tensors.Tensor, error) {
	if len(paths) == 0 {
		return nil, errors.New("no images to load")
	}
	cfg.BatchSize = len(paths)
	f, err := NewImageFolder(paths, cfg)
	if err != nil {
		return nil, err
	}
	values := make([]int32, 0, cfg.BatchSize*cfg.imageSize())
	for _, path := range paths {
		pixels, err := f.load(path)
		if err != nil {
			return nil, err
		}
		values = append(values, pixels...)
	}
	if cfg.Binary {
		binarize(values)
	}
	return tensors.FromFlatDataAndDimensions(values, cfg.BatchSize, cfg.Height, cfg.Width, cfg.Channels), nil
}
