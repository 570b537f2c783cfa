// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/gomlx/betavae/pkg/bvae"
	"github.com/gomlx/betavae/pkg/datasets"
	"github.com/gomlx/betavae/pkg/imagegrid"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// GeneratedFile is written to the samples directory by the generate command.
const GeneratedFile = "generated.png"

// inputBatch returns the images given as arguments or, if there are none, one batch of the
// development data.
func (s *session) inputBatch(paths []string) (*tensors.Tensor, error) {
	if len(paths) > 0 {
		return datasets.LoadImages(paths, s.datasetConfig(DataSeed))
	}
	_, dev, err := s.generators()
	if err != nil {
		return nil, err
	}
	return dev.Next()
}

func newGenerateCommand(f *flags) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate images from latent codes sampled from the prior",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSession(f)
			if err != nil {
				return err
			}
			output, err := s.model.Generate(nil, n)
			if err != nil {
				return err
			}
			path := filepath.Join(s.cfg.Dirs.Samples, GeneratedFile)
			if err = imagegrid.Save(path, bvae.ToPixels(output), 0, 0); err != nil {
				return err
			}
			klog.Infof("Generated %d images in %q", output.Shape().Dimensions[0], path)
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 0, "Number of images to generate. Defaults to the batch size.")
	return cmd
}

func newReconstructCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconstruct [images...]",
		Short: "Reconstruct the given images, or a batch of the evaluation data",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(f)
			if err != nil {
				return err
			}
			batch, err := s.inputBatch(args)
			if err != nil {
				return err
			}
			if err = s.model.VisualiseReconstruction(batch); err != nil {
				return err
			}
			klog.Infof("Reconstructions written to %q", filepath.Join(s.cfg.Dirs.Samples, bvae.ReconstructedFile))
			return nil
		},
	}
}

func newEncodeCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "encode [images...]",
		Short: "Print the latent code of the given images, or of a batch of the evaluation data, as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(f)
			if err != nil {
				return err
			}
			batch, err := s.inputBatch(args)
			if err != nil {
				return err
			}
			code, err := s.model.Encode(batch)
			if err != nil {
				return err
			}
			return printCodes(cmd.OutOrStdout(), args, code.Value().([][]float32))
		},
	}
}

// printCodes writes one JSON object per image.
func printCodes(w io.Writer, paths []string, codes [][]float32) error {
	enc := json.NewEncoder(w)
	for ii, code := range codes {
		entry := struct {
			Image string    `json:"image"`
			Code  []float32 `json:"code"`
		}{Image: fmt.Sprintf("#%d", ii), Code: code}
		if ii < len(paths) {
			entry.Image = paths[ii]
		}
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

func newTraverseCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "traverse [image]",
		Short: "Draw the latent traversal around the code of an image, one row per latent dimension",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(f)
			if err != nil {
				return err
			}
			batch, err := s.inputBatch(args)
			if err != nil {
				return err
			}
			if err = s.model.VisualiseDisentanglement(batch); err != nil {
				return err
			}
			klog.Infof("Traversal written to %q", filepath.Join(s.cfg.Dirs.Samples, bvae.DisentanglementFile))
			return nil
		},
	}
}
