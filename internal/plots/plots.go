// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots records the costs reported during training and draws them as PNG line plots.
//
// Points are appended, one JSON object per line, to a file in the checkpoint directory, so the plot
// survives restarts of the training.
package plots

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/betavae/pkg/bvae"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// PointsFileName is the default file name, within a checkpoint directory, of the recorded points.
const PointsFileName = "training_plot_points.json"

// Metric names recorded from evaluation reports.
const (
	MetricTrainCost = "train_cost"
	MetricDevCost   = "dev_cost"
	MetricDevRecon  = "dev_recon"
	MetricDevKL     = "dev_kl"
)

// Point is one measurement of a metric at an iteration.
type Point struct {
	Metric string
	Step   float64
	Value  float64
}

// LoadPoints reads all points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plot points file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// Recorder appends points to a file and keeps them in memory.
type Recorder struct {
	filePath string
	f        *os.File
	enc      *json.Encoder
	points   []Point
}

// NewRecorder opens (or creates) the points file, loading the points already there.
func NewRecorder(filePath string) (*Recorder, error) {
	r := &Recorder{filePath: filePath}
	if _, err := os.Stat(filePath); err == nil {
		r.points, err = LoadPoints(filePath)
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %q", filePath)
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open plot points file %q for append", filePath)
	}
	r.f = f
	r.enc = json.NewEncoder(f)
	return r, nil
}

// Points returns all points recorded, including those loaded from the file.
func (r *Recorder) Points() []Point { return r.points }

// Add records the points. Non-finite values can't be encoded and are dropped.
func (r *Recorder) Add(points ...Point) error {
	for _, point := range points {
		if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
			klog.Warningf("plots: dropping non-finite %s=%g at step %g", point.Metric, point.Value, point.Step)
			continue
		}
		if err := r.enc.Encode(point); err != nil {
			return errors.Wrapf(err, "failed to write point %v to %q", point, r.filePath)
		}
		r.points = append(r.points, point)
	}
	return nil
}

// AddReport records the costs of an evaluation report. Its signature matches the evaluation hooks
// of bvae.Model.
func (r *Recorder) AddReport(report *bvae.EvalReport) error {
	step := float64(report.Iteration)
	return r.Add(
		Point{Metric: MetricTrainCost, Step: step, Value: report.TrainCost},
		Point{Metric: MetricDevCost, Step: step, Value: report.DevCost},
		Point{Metric: MetricDevRecon, Step: step, Value: report.DevRecon},
		Point{Metric: MetricDevKL, Step: step, Value: report.DevKL},
	)
}

// Close the points file.
func (r *Recorder) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return errors.Wrapf(err, "closing %q", r.filePath)
}

// SaveCostPlot draws one line per metric (steps on the X axis) and saves it as a PNG to filePath.
// Non-finite values are skipped.
func SaveCostPlot(points []Point, title, filePath string) error {
	byMetric := make(map[string]plotter.XYs)
	for _, point := range points {
		if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
			continue
		}
		byMetric[point.Metric] = append(byMetric[point.Metric], plotter.XY{X: point.Step, Y: point.Value})
	}
	if len(byMetric) == 0 {
		return errors.Errorf("no points to plot in %q", filePath)
	}
	metrics := make([]string, 0, len(byMetric))
	for metric := range byMetric {
		metrics = append(metrics, metric)
	}
	slices.Sort(metrics)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "cost"
	p.Add(plotter.NewGrid())
	for ii, metric := range metrics {
		xys := byMetric[metric]
		slices.SortFunc(xys, func(a, b plotter.XY) int {
			switch {
			case a.X < b.X:
				return -1
			case a.X > b.X:
				return 1
			}
			return 0
		})
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting metric %q", metric)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(metric, line)
	}
	p.Legend.Top = true
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	klog.V(1).Infof("cost plot saved to %q", filePath)
	return nil
}
