// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bvae

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// IndexFileName is the name of the file, in the checkpoint directory, naming the latest snapshot.
const IndexFileName = "checkpoint"

var trailingIntRegex = regexp.MustCompile(`(\d+)\D*$`)

// ParseIteration returns the trailing integer of a snapshot name, its iteration index.
func ParseIteration(name string) (int, error) {
	matches := trailingIntRegex.FindStringSubmatch(name)
	if len(matches) != 2 {
		return 0, errors.Errorf("no iteration number in checkpoint name %q", name)
	}
	iteration, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, errors.Wrapf(err, "parsing iteration of checkpoint name %q", name)
	}
	return iteration, nil
}

// checkpointIndex is the content of the index file.
type checkpointIndex struct {
	Latest    string    `json:"latest"`
	Iteration int       `json:"iteration"`
	SavedAt   time.Time `json:"saved_at"`
}

// CheckpointManager saves and restores all the variables of a context (model, optimizer, global step
// and random number generator state) to a directory.
//
// Snapshots are GoMLX checkpoints (a JSON and a binary file) whose names end with the iteration.
// The index file IndexFileName names the latest one.
type CheckpointManager struct {
	ctx     *context.Context
	dir     string
	keep    int
	handler *checkpoints.Handler
}

// NewCheckpointManager creates a manager for the given directory, keeping the last `keep` snapshots.
// Nothing is read or written until Load or Save are called.
func NewCheckpointManager(ctx *context.Context, dir string, keep int) *CheckpointManager {
	return &CheckpointManager{ctx: ctx, dir: dir, keep: keep}
}

// Dir returns the checkpoint directory.
func (cm *CheckpointManager) Dir() string { return cm.dir }

func (cm *CheckpointManager) indexPath() string { return filepath.Join(cm.dir, IndexFileName) }

// openHandler creates the GoMLX checkpoint handler, which restores the latest snapshot in the
// directory, if any. Variables already in the context are overwritten, the others are loaded as they
// are created.
func (cm *CheckpointManager) openHandler() error {
	if cm.handler != nil {
		return nil
	}
	handler, err := checkpoints.Build(cm.ctx).Dir(cm.dir).Keep(cm.keep).ExcludeAllParams().Done()
	if err != nil {
		return errors.WithStack(&CheckpointError{Path: cm.dir, Err: err})
	}
	cm.handler = handler
	return nil
}

// Load restores the latest snapshot and returns the next iteration to run: the iteration of the
// snapshot + 1. If there is no checkpoint, it returns 1.
//
// An unreadable index, missing or corrupt snapshot files, or snapshot files without an index, return
// a CheckpointError.
func (cm *CheckpointManager) Load() (int, error) {
	data, err := os.ReadFile(cm.indexPath())
	if errors.Is(err, fs.ErrNotExist) {
		leftovers, _ := filepath.Glob(filepath.Join(cm.dir, "checkpoint-*"+checkpoints.JsonNameSuffix))
		if len(leftovers) > 0 {
			return 0, errors.WithStack(&CheckpointError{Path: cm.indexPath(),
				Err: errors.Errorf("index missing, but %d snapshot(s) found", len(leftovers))})
		}
		klog.Infof("failed to find checkpoint in %q, training from scratch", cm.dir)
		return 1, nil
	}
	if err != nil {
		return 0, errors.WithStack(&CheckpointError{Path: cm.indexPath(), Err: err})
	}
	var index checkpointIndex
	if err = json.Unmarshal(data, &index); err != nil {
		return 0, errors.WithStack(&CheckpointError{Path: cm.indexPath(), Err: err})
	}
	iteration, err := ParseIteration(index.Latest)
	if err != nil {
		return 0, errors.WithStack(&CheckpointError{Path: cm.indexPath(), Err: err})
	}
	if err = cm.openHandler(); err != nil {
		return 0, err
	}
	list, err := cm.handler.ListCheckpoints()
	if err != nil {
		return 0, errors.WithStack(&CheckpointError{Path: cm.dir, Err: err})
	}
	if len(list) == 0 || list[len(list)-1] != index.Latest {
		return 0, errors.WithStack(&CheckpointError{Path: filepath.Join(cm.dir, index.Latest),
			Err: errors.Errorf("snapshot named by the index is not the latest one (found %q)", list)})
	}
	klog.Infof("restored checkpoint %q (iteration %d)", index.Latest, iteration)
	return iteration + 1, nil
}

// Save writes a snapshot of all variables tagged with the given iteration and updates the index.
// Older snapshots beyond the configured number to keep are removed.
func (cm *CheckpointManager) Save(iteration int) error {
	if err := cm.openHandler(); err != nil {
		return err
	}
	optimizers.GetGlobalStepVar(cm.ctx).MustSetValue(tensors.FromScalar(int64(iteration)))
	if err := cm.handler.Save(); err != nil {
		return errors.WithStack(&CheckpointError{Path: cm.dir, Err: err})
	}
	list, err := cm.handler.ListCheckpoints()
	if err != nil || len(list) == 0 {
		if err == nil {
			err = errors.New("snapshot not found after saving")
		}
		return errors.WithStack(&CheckpointError{Path: cm.dir, Err: err})
	}
	index := checkpointIndex{Latest: list[len(list)-1], Iteration: iteration, SavedAt: time.Now()}
	if err = writeIndex(cm.indexPath(), &index); err != nil {
		return errors.WithStack(&CheckpointError{Path: cm.indexPath(), Err: err})
	}
	klog.V(1).Infof("saved checkpoint %q", index.Latest)
	return nil
}

// writeIndex writes the index to a temporary file and renames it into place.
func writeIndex(path string, index *checkpointIndex) error {
	data, err := json.MarshalIndent(index, "", "\t")
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint index")
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-index-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary checkpoint index")
	}
	tmpPath := f.Name()
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "writing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "renaming %q to %q", tmpPath, path)
	}
	return nil
}
