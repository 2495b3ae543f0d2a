// Package capture produces page snapshots for checks by polling the in-page
// serializer until it reports a result.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/vgrid/pkg/model"
)

// Source runs one poll of the page serializer.
type Source interface {
	CaptureSnapshot(ctx context.Context) (model.ScriptResponse, error)
}

// Config holds capture timing.
type Config struct {
	// PollInterval separates two polls of the serializer.
	PollInterval time.Duration
	// Timeout bounds the whole capture. There is no other limit on polling.
	Timeout time.Duration
	// WaitBefore delays the first poll so the page can settle.
	WaitBefore time.Duration
}

// DefaultConfig returns the timing used when nothing is configured.
func DefaultConfig() Config {
	return Config{PollInterval: 200 * time.Millisecond, Timeout: 5 * time.Minute}
}

// Capturer polls a Source until it completes, fails or times out.
type Capturer struct {
	config Config
	logger *slog.Logger
}

// New creates a capturer. Zero durations take their defaults.
func New(cfg Config, logger *slog.Logger) *Capturer {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Capturer{config: cfg, logger: logger.With("component", "capture")}
}

// Capture returns the value of the first COMPLETE response. An ERROR response,
// a failing poll or the timeout yield a *model.CaptureError.
func (c *Capturer) Capture(ctx context.Context, src Source) (map[string]any, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if c.config.WaitBefore > 0 {
		select {
		case <-time.After(c.config.WaitBefore):
		case <-pollCtx.Done():
			return nil, c.stopped(ctx, pollCtx)
		}
	}

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	started := time.Now()
	for polls := 1; ; polls++ {
		resp, err := src.CaptureSnapshot(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil {
				return nil, c.stopped(ctx, pollCtx)
			}
			return nil, &model.CaptureError{Reason: "script failed", Err: err}
		}

		switch resp.Status {
		case model.RenderStatusComplete:
			c.logger.Debug("snapshot captured", "polls", polls, "elapsed", time.Since(started))
			return resp.Value, nil
		case model.RenderStatusError:
			return nil, &model.CaptureError{Reason: "reported an error", Err: errors.New(resp.Error)}
		}

		select {
		case <-ticker.C:
		case <-pollCtx.Done():
			return nil, c.stopped(ctx, pollCtx)
		}
	}
}

// stopped explains why polling ended early: the caller's context, or the timeout.
func (c *Capturer) stopped(parent, pollCtx context.Context) error {
	if err := parent.Err(); err != nil {
		return &model.CaptureError{Reason: "cancelled", Err: err}
	}
	c.logger.Warn("snapshot capture timed out", "timeout", c.config.Timeout)
	return &model.CaptureError{Reason: fmt.Sprintf("timed out after %s", c.config.Timeout), Err: pollCtx.Err()}
}
