// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/betavae/internal/history"
	"github.com/gomlx/betavae/internal/plots"
	"github.com/gomlx/betavae/pkg/bvae"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSettings = "arch=fc;z_dist=gaussian(2);batch_size=4;image_height=8;image_width=8;" +
	"n_iters=5;stats_iters=2;snapshot_interval=2;n_disentangle_samples=3;exp_name=cli"

// run executes the command line and returns its standard output.
func run(t *testing.T, checkpoint, samples string, args ...string) (string, error) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--checkpoint", checkpoint, "--samples", samples, "--set", testSettings))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandLine(t *testing.T) {
	checkpoint, samples := t.TempDir(), t.TempDir()

	// Inference requires a trained model.
	_, err := run(t, checkpoint, samples, "generate")
	require.Error(t, err)

	out, err := run(t, checkpoint, samples, "train", "--progress=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Iteration:1 \t| Train cost:")
	assert.Contains(t, out, "Iteration:4 \t| Train cost:")
	expDir := filepath.Join(checkpoint, "cli")
	for _, path := range []string{
		filepath.Join(expDir, bvae.IndexFileName),
		filepath.Join(expDir, history.FileName),
		filepath.Join(expDir, plots.PointsFileName),
		filepath.Join(samples, LossPlotFile),
		filepath.Join(samples, bvae.GroundTruthFile),
		filepath.Join(samples, bvae.DisentanglementFile),
	} {
		assert.FileExists(t, path)
	}

	out, err = run(t, checkpoint, samples, "history")
	require.NoError(t, err)
	assert.Contains(t, out, history.StatusFinished)

	out, err = run(t, checkpoint, samples, "encode")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	var entry struct {
		Image string    `json:"image"`
		Code  []float32 `json:"code"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "#0", entry.Image)
	assert.Len(t, entry.Code, 2)

	_, err = run(t, checkpoint, samples, "generate", "--n", "3")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(samples, GeneratedFile))

	must.M(os.Remove(filepath.Join(samples, bvae.DisentanglementFile)))
	_, err = run(t, checkpoint, samples, "traverse")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(samples, bvae.DisentanglementFile))

	// Training again resumes after the last checkpoint, at iteration 5 == n_iters: nothing to do.
	out, err = run(t, checkpoint, samples, "train", "--progress=false")
	require.NoError(t, err)
	assert.NotContains(t, out, "Iteration:")
}

func TestBadSettings(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"train", "--set", "no_such_param=1", "--checkpoint", t.TempDir()})
	require.Error(t, cmd.Execute())
}
