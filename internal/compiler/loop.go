package compiler

import (
	"context"
	"log/slog"
	"time"
)

// Loop runs a pass immediately, then on every tick of interval and on every
// trigger, until ctx is done. A closed trigger channel is ignored from then on.
func (c *Compiler) Loop(ctx context.Context, interval time.Duration, trigger <-chan struct{}) {
	c.safeRun(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-trigger:
			if !ok {
				trigger = nil
				continue
			}
			slog.Debug("pass triggered")
		}
		c.safeRun(ctx)
	}
}

func (c *Compiler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pass panic recovered", "panic", r)
		}
	}()
	res, err := c.Run(ctx)
	if err != nil {
		slog.Error("compilation pass failed", "err", err, "duration", res.Duration.Round(time.Millisecond))
		return
	}
	slog.Info("compilation pass complete", "outcome", res.Outcome,
		"policies", len(res.Policies), "failed", len(res.Failed),
		"warnings", res.Warnings(), "digest", res.Digest,
		"duration", res.Duration.Round(time.Millisecond))
}
