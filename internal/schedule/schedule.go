// Package schedule runs named periodic tasks that are cancelled together.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

// Group is a set of running tasks. Each task has its own ticker; a slow run
// delays only its own next tick.
type Group struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches every task with a positive interval. Panics in a task body
// are logged and the task keeps its schedule.
func Start(log *slog.Logger, tasks ...Task) *Group {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{cancel: cancel}
	for _, t := range tasks {
		if t.Every <= 0 || t.Run == nil {
			continue
		}
		g.wg.Add(1)
		go func(t Task) {
			defer g.wg.Done()
			loop(ctx, log, t)
		}(t)
	}
	return g
}

func loop(ctx context.Context, log *slog.Logger, t Task) {
	tk := time.NewTicker(t.Every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			runOnce(ctx, log, t)
		}
	}
}

func runOnce(ctx context.Context, log *slog.Logger, t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("periodic task panic", "task", t.Name, "panic", r)
		}
	}()
	t.Run(ctx)
}

// Cancel signals every task to stop without waiting.
func (g *Group) Cancel() {
	if g != nil {
		g.cancel()
	}
}

// Wait blocks until every task has returned.
func (g *Group) Wait() {
	if g != nil {
		g.wg.Wait()
	}
}

func (g *Group) Stop() {
	g.Cancel()
	g.Wait()
}
