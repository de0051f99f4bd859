package ftps

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many FTPS sessions run at once and keeps them off the
// caller's goroutine.
type Pool struct {
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewPool returns a pool running at most workers sessions concurrently.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), logger: logger.With("component", "ftps-pool")}
}

// Do runs fn on a worker. If ctx ends first Do returns ctx.Err() and fn is
// left to finish on its own; its slot is released when it does.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	result := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("FTPS worker panic", "panic", r)
				result <- fmt.Errorf("ftps worker panic: %v", r)
			}
		}()
		result <- fn(ctx)
	}()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithSession runs op against a fresh connection to cfg inside the pool.
func (p *Pool) WithSession(ctx context.Context, cfg Config, op func(c *Client) error) error {
	return p.Do(ctx, func(ctx context.Context) error {
		c := NewClient(cfg, p.logger)
		if err := c.Connect(ctx); err != nil {
			return err
		}
		defer c.Close()
		return op(c)
	})
}
