package session

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tutor/backend/internal/model/session"
)

// RunReaper ends idle sessions every ReaperInterval until ctx is done.
func (o *Orchestrator) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReaperInterval)
	defer ticker.Stop()

	o.logger.Info("session reaper started",
		"interval", o.cfg.ReaperInterval.String(), "idle_timeout", o.cfg.IdleTimeout.String())
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("session reaper stopped")
			return
		case <-ticker.C:
			if n := o.Sweep(ctx); n > 0 {
				o.logger.Info("reaped idle sessions", "count", n)
			}
		}
	}
}

// Sweep ends every session idle for longer than IdleTimeout with the
// idle_timeout signal and returns how many teardowns succeeded.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	cutoff := o.now().Add(-o.cfg.IdleTimeout)
	var ids []string
	for _, ls := range o.sessions.list() {
		info := ls.snapshot()
		if info.LastActivity.Before(cutoff) {
			ids = append(ids, info.ID)
		}
	}
	return o.endAll(ctx, ids, session.SignalIdleTimeout)
}

// Shutdown ends every live session with the shutdown signal and waits for
// realtime dispatchers to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) int {
	var ids []string
	for _, ls := range o.sessions.list() {
		ids = append(ids, ls.snapshot().ID)
	}
	n := o.endAll(ctx, ids, session.SignalShutdown)

	drained := make(chan struct{})
	go func() {
		o.dispatchers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		o.logger.Warn("shutdown: realtime dispatchers still running", "error", ctx.Err())
	}
	return n
}

func (o *Orchestrator) endAll(ctx context.Context, ids []string, signal session.Signal) int {
	if len(ids) == 0 {
		return 0
	}
	var ended atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ReaperConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			sum, err := o.EndSession(gctx, id, signal)
			if err != nil {
				o.logger.Warn("end session failed", "session_id", id, "signal", signal, "error", err)
				return nil
			}
			if sum != nil {
				ended.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(ended.Load())
}
