// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bvae

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIteration(t *testing.T) {
	for _, tc := range []struct {
		name string
		want int
	}{
		{"checkpoint-n0000001-20260101-120000-step-00000010", 10},
		{"bvae-42", 42},
		{"model-7.ckpt", 7},
		{"checkpoint-5000", 5000},
		{"run3-iteration-12", 12},
	} {
		got, err := ParseIteration(tc.name)
		require.NoErrorf(t, err, "ParseIteration(%q)", tc.name)
		assert.Equalf(t, tc.want, got, "ParseIteration(%q)", tc.name)
	}
	_, err := ParseIteration("checkpoint-initial")
	require.Error(t, err)
}

func newVarContext(value float32) *context.Context {
	ctx := context.New()
	ctx.In(ModelScope).VariableWithValue("w", []float32{value, 2 * value})
	return ctx
}

func asCheckpointError(t *testing.T, err error) *CheckpointError {
	require.Error(t, err)
	var ckptErr *CheckpointError
	require.Truef(t, errors.As(err, &ckptErr), "want CheckpointError, got %v", err)
	return ckptErr
}

func TestCheckpointManager(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exp")

	// No checkpoint: start from 1.
	cm := NewCheckpointManager(newVarContext(1), dir, 2)
	start, err := cm.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, start)

	for _, iteration := range []int{5, 10, 15} {
		require.NoError(t, cm.Save(iteration))
	}
	_, err = os.Stat(filepath.Join(dir, IndexFileName))
	require.NoError(t, err)

	// Restoring in a fresh context resumes after the last snapshot.
	ctx := newVarContext(0)
	restored := NewCheckpointManager(ctx, dir, 2)
	start, err = restored.Load()
	require.NoError(t, err)
	assert.Equal(t, 16, start)
	v := ctx.GetVariableByScopeAndName(ctx.In(ModelScope).Scope(), "w")
	require.NotNil(t, v)
	assert.Equal(t, []float32{1, 2}, v.MustValue().Value())

	// Only 2 snapshots are kept.
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint-*"+checkpoints.JsonNameSuffix))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestCheckpointCorrupt(t *testing.T) {
	dir := t.TempDir()
	cm := NewCheckpointManager(newVarContext(1), dir, 1)
	require.NoError(t, cm.Save(3))
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint-*"+checkpoints.JsonNameSuffix))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NoError(t, os.WriteFile(matches[0], []byte("{ not json"), 0o644))

	_, err = NewCheckpointManager(newVarContext(0), dir, 1).Load()
	asCheckpointError(t, err)
}

func TestCheckpointInconsistent(t *testing.T) {
	dir := t.TempDir()
	cm := NewCheckpointManager(newVarContext(1), dir, 1)
	require.NoError(t, cm.Save(3))

	// Index naming a snapshot that is not there.
	require.NoError(t, writeIndex(filepath.Join(dir, IndexFileName),
		&checkpointIndex{Latest: "checkpoint-n0000099-20260101-000000-step-00000042", Iteration: 42}))
	_, err := NewCheckpointManager(newVarContext(0), dir, 1).Load()
	asCheckpointError(t, err)

	// Snapshots without an index.
	require.NoError(t, os.Remove(filepath.Join(dir, IndexFileName)))
	_, err = NewCheckpointManager(newVarContext(0), dir, 1).Load()
	asCheckpointError(t, err)

	// Unreadable index.
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte("garbage"), 0o644))
	_, err = NewCheckpointManager(newVarContext(0), dir, 1).Load()
	ckptErr := asCheckpointError(t, err)
	assert.Equal(t, filepath.Join(dir, IndexFileName), ckptErr.Path)
}

func TestWriteIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), IndexFileName)
	require.NoError(t, writeIndex(path, &checkpointIndex{Latest: "a-1", Iteration: 1}))
	require.NoError(t, writeIndex(path, &checkpointIndex{Latest: "a-2", Iteration: 2}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"latest": "a-2"`)
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files should be renamed away")
}
