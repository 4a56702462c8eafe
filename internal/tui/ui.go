// Package tui renders a live view of the registry's tracking table.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/procwatch/restrack/internal/resource"
	"github.com/procwatch/restrack/internal/tracker"
)

const tableTitle = "Tracked resources"

// Option configures UI behaviour.
type Option func(*UI)

// WithRefreshInterval sets how often the table is refreshed.
func WithRefreshInterval(d time.Duration) Option {
	return func(u *UI) {
		if d > 0 {
			u.interval = d
		}
	}
}

// UI polls the tracker and renders its entries in a table until the user
// quits or the context is cancelled.
type UI struct {
	app      *tview.Application
	table    *tview.Table
	status   *tview.TextView
	tracker  *tracker.Tracker
	interval time.Duration
}

// New constructs a UI bound to the provided tracker.
func New(tr *tracker.Tracker, opts ...Option) *UI {
	u := &UI{
		app:      tview.NewApplication(),
		table:    tview.NewTable(),
		status:   tview.NewTextView(),
		tracker:  tr,
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(u)
	}

	u.table.SetBorder(true).SetTitle(tableTitle)
	u.table.SetSelectable(false, false)
	u.status.SetTextAlign(tview.AlignLeft)
	u.status.SetText("q to quit")

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(u.table, 0, 1, true).
		AddItem(u.status, 1, 0, false)
	u.app.SetRoot(layout, true)

	u.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			u.app.Stop()
			return nil
		}
		return event
	})
	return u
}

// Run drives the refresh loop until quit or context cancellation.
func (u *UI) Run(ctx context.Context) error {
	refreshCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		for {
			u.refresh(refreshCtx)
			select {
			case <-refreshCtx.Done():
				u.app.Stop()
				return
			case <-ticker.C:
			}
		}
	}()

	return u.app.Run()
}

func (u *UI) refresh(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, u.interval)
	defer cancel()
	entries, err := u.tracker.List(listCtx)

	u.app.QueueUpdateDraw(func() {
		u.render(entries, err)
	})
}

func (u *UI) render(entries []resource.Entry, err error) {
	u.table.Clear()
	for col, header := range []string{"KIND", "NAME", "REFS"} {
		cell := tview.NewTableCell(header).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false)
		u.table.SetCell(0, col, cell)
	}
	for row, entry := range entries {
		u.table.SetCell(row+1, 0, tview.NewTableCell(string(entry.Key.Kind)))
		u.table.SetCell(row+1, 1, tview.NewTableCell(entry.Key.Name))
		u.table.SetCell(row+1, 2, tview.NewTableCell(fmt.Sprint(entry.Count)))
	}

	if err != nil {
		u.status.SetText(fmt.Sprintf("list failed: %v (q to quit)", err))
		return
	}
	u.status.SetText(fmt.Sprintf("%d tracked, refreshed %s (q to quit)", len(entries), time.Now().Format("15:04:05")))
}
