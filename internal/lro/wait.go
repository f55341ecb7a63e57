package lro

import (
	"context"
	"time"
)

const (
	DefaultWaitTimeout = 5 * time.Second
	DefaultWaitPoll    = time.Second
)

// Wait polls fetch until the operation reaches a terminal status or
// the timeout budget elapses, whichever happens first. The newest
// observation wins: a fetch that reports an older updated_at than one
// already seen is discarded, so the observed state never moves
// backwards. On timeout the last observation is returned with
// TimedOut set.
func Wait(ctx context.Context, timeout, poll time.Duration, fetch func(context.Context) (Summary, error)) (WaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if poll <= 0 {
		poll = DefaultWaitPoll
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last Summary
	for {
		sum, err := fetch(ctx)
		if err != nil {
			return WaitResult{}, err
		}
		if last.OpID == "" || !sum.UpdatedAt.Before(last.UpdatedAt) {
			last = sum
		}
		if Terminal(last.Status) {
			return WaitResult{Summary: last}, nil
		}

		select {
		case <-ctx.Done():
			return WaitResult{Summary: last, TimedOut: true}, ctx.Err()
		case <-deadline.C:
			return WaitResult{Summary: last, TimedOut: true}, nil
		case <-ticker.C:
		}
	}
}
