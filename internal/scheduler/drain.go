package scheduler

import (
	"context"

	wsync "github.com/matheus3301/wppsync/internal/sync"
)

// Drainer is the sync engine's drain entry point.
type Drainer interface {
	DrainWhile(ctx context.Context, cond func() bool) wsync.Report
}

// DrainJob adapts an engine into a Job. With a non-nil network the pass
// stops sending as soon as the network is unreachable and the job reports
// ErrNetworkLost. Otherwise the job asks for a retry when the pass errored
// or retryable entries remain. A pass skipped because another drain was
// running succeeds.
func DrainJob(d Drainer, network Reachability) Job {
	var cond func() bool
	if network != nil {
		cond = network.IsReachable
	}
	return func(ctx context.Context) error {
		rep := d.DrainWhile(ctx, cond)
		switch {
		case rep.Skipped:
			return nil
		case rep.Halted:
			return ErrNetworkLost
		case rep.Err != nil || rep.Retryable > 0:
			return ErrRetry
		}
		return nil
	}
}
