// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package progress displays a training progress bar on the terminal, with a table of statistics
// (iteration, median step duration, last cost and any extra metrics) redrawn above it.
//
// Drawing happens asynchronously, so a slow terminal doesn't slow down training.
package progress

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn returns a name and a value to display in the statistics table. It is called at
// every redraw.
type ExtraMetricFn func() (name, value string)

var (
	// RefreshPeriod is the maximum time between redraws.
	RefreshPeriod = 3 * time.Second

	// MaxUpdateFrequency is the minimum time between redraws.
	MaxUpdateFrequency = 200 * time.Millisecond

	// Theme of the progress bar. Consider progressbar.ThemeUnicode if the terminal supports it.
	Theme = progressbar.ThemeASCII
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// numDurations kept to compute the median step duration.
const numDurations = 128

type update struct {
	amount int
	rows   [][2]string
}

// Bar is a progress bar for a training run from a start iteration to an end iteration (exclusive).
// Use Bar.Step as a step hook, and call Bar.Done at the end.
type Bar struct {
	out      io.Writer
	termenv  *termenv.Output
	bar      *progressbar.ProgressBar
	start    int
	end      int
	minSteps int

	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan update
	drawDone      sync.WaitGroup
	extraMetrics  []ExtraMetricFn

	lastReported int
	lastUpdate   time.Time
	lastStep     time.Time
	durations    []time.Duration
	done         bool
}

// New creates and starts a progress bar for iterations start to end-1, writing to out.
func New(out io.Writer, start, end int, extraMetrics ...ExtraMetricFn) *Bar {
	numSteps := max(end-start, 1)
	b := &Bar{
		out:           out,
		termenv:       termenv.NewOutput(out),
		start:         start,
		end:           end,
		minSteps:      max(numSteps/1000, 1),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput: true,
		updates:       make(chan update, 100),
		extraMetrics:  extraMetrics,
		lastReported:  start,
		lastUpdate:    time.Now(),
		lastStep:      time.Now(),
	}
	b.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	b.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(Theme),
		progressbar.OptionSetWriter(out),
	)
	b.drawDone.Add(1)
	go b.draw()
	return b
}

// draw runs in its own goroutine, printing updates as they arrive.
func (b *Bar) draw() {
	defer b.drawDone.Done()
	for u := range b.updates {
		// Merge pending updates.
		amount := u.amount
	exhaust:
		for {
			select {
			case newer, ok := <-b.updates:
				if !ok {
					break exhaust
				}
				amount += newer.amount
				u = newer
			default:
				break exhaust
			}
		}

		b.statsTable.Data(lgtable.NewStringData())
		for _, row := range u.rows {
			b.statsTable.Row(row[0], row[1])
		}
		b.termenv.HideCursor()
		if !b.isFirstOutput {
			// Table rows plus borders, and the progress bar line.
			b.termenv.CursorPrevLine(len(u.rows) + 2 + 2)
		}
		b.isFirstOutput = false
		_, _ = fmt.Fprintln(b.out, b.statsStyle.Render(b.statsTable.String()))
		_ = b.bar.Add(amount)
		_, _ = fmt.Fprintln(b.out)
		b.termenv.ShowCursor()
		time.Sleep(MaxUpdateFrequency)
	}
}

// medianDuration of the last steps.
func (b *Bar) medianDuration() time.Duration {
	if len(b.durations) == 0 {
		return 0
	}
	sorted := slices.Clone(b.durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Step records that the given iteration finished with the given cost. Its signature matches the
// training step hooks. It never fails.
func (b *Bar) Step(iteration int, cost float64) error {
	now := time.Now()
	b.durations = append(b.durations, now.Sub(b.lastStep))
	if len(b.durations) > numDurations {
		b.durations = b.durations[1:]
	}
	b.lastStep = now
	if b.done {
		return nil
	}

	amount := iteration + 1 - b.lastReported
	if amount <= 0 {
		return nil
	}
	isLast := iteration+1 >= b.end
	if amount < b.minSteps && now.Sub(b.lastUpdate) < RefreshPeriod && !isLast {
		return nil
	}
	u := update{amount: amount, rows: [][2]string{
		{"Iteration", fmt.Sprintf("%s of %s", humanize.Comma(int64(iteration)), humanize.Comma(int64(b.end)))},
		{"Median step duration", commandline.FormatDuration(b.medianDuration())},
		{"Train cost", fmt.Sprintf("%.3f", cost)},
	}}
	for _, fn := range b.extraMetrics {
		name, value := fn()
		u.rows = append(u.rows, [2]string{name, value})
	}
	b.updates <- u
	b.lastReported = iteration + 1
	b.lastUpdate = now
	return nil
}

// Done waits for pending updates to be drawn and restores the cursor. It can be called more than once.
func (b *Bar) Done() {
	if b.done {
		return
	}
	b.done = true
	close(b.updates)
	b.drawDone.Wait()
	b.termenv.ShowCursor()
	_, _ = fmt.Fprintln(b.out)
}
