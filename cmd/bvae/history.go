// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/betavae/internal/history"
	"github.com/gomlx/betavae/pkg/bvae"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newHistoryCommand(f *flags) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the training runs of the experiment, or the evaluations of one run with --run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := bvae.CreateDefaultContext()
			if _, err := commandline.ParseContextSettings(ctx, f.settings); err != nil {
				return err
			}
			cfg, err := bvae.ConfigFromContext(ctx, bvae.Dirs{Checkpoints: f.checkpoint, Samples: f.samples})
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.CheckpointDir(), history.FileName)
			if _, err = os.Stat(path); err != nil {
				return errors.Wrapf(err, "no history for experiment %q", cfg.ExpName)
			}
			store, err := history.Open(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if runID == "" {
				runs, err := store.Runs(cmd.Context(), cfg.ExpName)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs)
			}
			evals, err := store.Evaluations(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return printEvaluations(cmd.OutOrStdout(), evals)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "ID of the run whose evaluations to list.")
	return cmd
}

func historyTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func printRuns(w io.Writer, runs []history.Run) error {
	t := historyTable("Run", "Started", "Duration", "From iteration", "Status", "Settings")
	for _, run := range runs {
		duration := "-"
		if !run.EndedAt.IsZero() {
			duration = commandline.FormatDuration(run.EndedAt.Sub(run.StartedAt))
		}
		t.Row(run.ID, humanize.Time(run.StartedAt), duration, humanize.Comma(int64(run.StartIteration)),
			run.Status, run.Settings)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func formatCost(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func printEvaluations(w io.Writer, evals []history.Evaluation) error {
	t := historyTable("Iteration", "Train cost", "Dev cost", "Dev recon", "Dev KL", "Recorded")
	for _, eval := range evals {
		t.Row(humanize.Comma(int64(eval.Iteration)), formatCost(eval.TrainCost), formatCost(eval.DevCost),
			formatCost(eval.DevRecon), formatCost(eval.DevKL), eval.RecordedAt.Format(time.DateTime))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
