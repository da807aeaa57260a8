package eventsync

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

type retryBackoffConfig struct {
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// retryBackoff is base * 2^(failures-1), capped at max.
func retryBackoff(failures int, cfg retryBackoffConfig) time.Duration {
	if failures <= 0 {
		return cfg.baseBackoff
	}
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, float64(failures-1)))
	if delay > cfg.maxBackoff || delay <= 0 {
		return cfg.maxBackoff
	}
	return delay
}

// OutboxRetrier periodically pushes the outbox until its context ends. Rounds
// that leave entries behind back off exponentially; a clean round resets the
// interval.
type OutboxRetrier struct {
	Engine *Engine
	Logger *logrus.Logger
	cfg    retryBackoffConfig
}

func NewOutboxRetrier(e *Engine) *OutboxRetrier {
	interval := e.settings.RetryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &OutboxRetrier{
		Engine: e,
		Logger: e.logger,
		cfg: retryBackoffConfig{
			baseBackoff: interval,
			maxBackoff:  30 * interval,
		},
	}
}

func (r *OutboxRetrier) Run(ctx context.Context) {
	if r == nil || r.Engine == nil {
		return
	}
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res := r.processOnce(ctx)
		if res.Failed > 0 {
			failures++
		} else {
			failures = 0
		}
		wait := retryBackoff(failures, r.cfg)
		if failures > 0 && r.Logger != nil {
			r.Logger.WithFields(logrus.Fields{
				"module":   "eventsync",
				"funcName": "OutboxRetrier",
				"failed":   res.Failed,
			}).Warn("outbox not drained; next retry in " + wait.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-r.Engine.clock.After(wait):
		}
	}
}

func (r *OutboxRetrier) processOnce(ctx context.Context) RetryResult {
	if r.Engine.PendingQueueLength(ctx) == 0 {
		return RetryResult{}
	}
	return r.Engine.RetryQueue(ctx)
}
