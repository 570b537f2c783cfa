// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// bvae trains a beta-VAE on images and runs inference with the trained model.
//
// Hyperparameters are set with --set, e.g.:
//
//	bvae train --set "beta=2;z_dist=gaussian(6);image_height=32;image_width=32;arch=fc"
//
// Without --data, a synthetic dataset of shapes is used. All commands of the same experiment
// (exp_name) share the checkpoint directory <checkpoint>/<exp_name>.
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// flags shared by all commands.
type flags struct {
	checkpoint string
	samples    string
	settings   string
	data       string
	devFrac    float64
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "bvae",
		Short:         "Train and run beta-VAE models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.checkpoint, "checkpoint", "checkpoints", "Root directory of checkpoints: each experiment uses <checkpoint>/<exp_name>.")
	pf.StringVar(&f.samples, "samples", "samples", "Directory where images are written.")
	pf.StringVar(&f.settings, "set", "", `Hyperparameters as a list of "param=value" separated by ";". `+
		`Use "bvae params" to list them.`)
	pf.StringVar(&f.data, "data", "", "Directory of training images. If empty, a synthetic dataset of shapes is used.")
	pf.Float64Var(&f.devFrac, "dev_fraction", 0.1, "Fraction of the images in --data held out for evaluation.")

	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	pf.AddGoFlagSet(goFlags)

	root.AddCommand(
		newParamsCommand(f),
		newTrainCommand(f),
		newGenerateCommand(f),
		newReconstructCommand(f),
		newEncodeCommand(f),
		newTraverseCommand(f),
		newServeCommand(f),
		newHistoryCommand(f),
	)
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("Error:\n%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
