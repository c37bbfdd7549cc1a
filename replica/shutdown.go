// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// ErrDraining is returned by AcceptClientRequest once Shutdown has been
// called: the replica stops taking new client submissions immediately, per
// §6's process lifecycle ("stop accepting, close connections, flush any
// pending fsync").
var ErrDraining = fmt.Errorf("replica: shutting down, not accepting new requests")

// drainPollInterval is how often Shutdown re-checks in-flight trackers while
// waiting for them to clear.
const drainPollInterval = 5 * time.Millisecond

// Shutdown implements graceful shutdown draining (§6, §9 supplement): it
// stops accepting new client submissions immediately, waits for in-flight
// prepare trackers to either commit or for ctx to expire, then closes the
// WAL (flushing any pending fsync). Errors accumulated along the way are
// combined with multierr rather than short-circuited, the way
// doltswarm's DB.Close combines multiple teardown errors.
func (r *Replica) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	var errs error
	for {
		r.mu.Lock()
		inFlight := len(r.trackers)
		r.mu.Unlock()
		if inFlight == 0 {
			break
		}

		timedOut := false
		select {
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("replica: shutdown deadline reached with %d prepare(s) still in flight", inFlight))
			timedOut = true
		case <-time.After(drainPollInterval):
		}
		if timedOut {
			break
		}
	}

	r.Log.Info("draining complete, closing wal")
	errs = multierr.Append(errs, r.Close())
	return errs
}

// IsDraining reports whether Shutdown has been called.
func (r *Replica) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}
