package subscription

import (
	"context"

	"github.com/merkledl/datalayer/metrics"
	"github.com/merkledl/datalayer/treehash"
)

// backoffSeconds maps a consecutive-failure count to its hold duration,
// escalating through four tiers as failures accumulate.
func backoffSeconds(consecutiveFailures int) int64 {
	switch {
	case consecutiveFailures <= 0:
		return 0
	case consecutiveFailures <= 3:
		return 5 * 60
	case consecutiveFailures <= 6:
		return 15 * 60
	case consecutiveFailures <= 8:
		return 30 * 60
	default:
		return 60 * 60
	}
}

// ReceivedIncorrectFile records a verification failure for (storeID, url)
// at nowUnixSecs: consecutive_failures increments, and ignore_until is
// (re)computed from the new count — unless the server is already inside an
// active ban window, in which case ignore_until is left untouched (a
// second failure during an existing hold does not extend it).
func (r *Registry) ReceivedIncorrectFile(ctx context.Context, storeID treehash.Hash, url string, nowUnixSecs int64) error {
	return r.recordFailure(ctx, storeID, url, nowUnixSecs)
}

// ServerMissesFile is treated identically to ReceivedIncorrectFile: both are
// "this server did not deliver a correct response" outcomes that feed the
// same back-off counter.
func (r *Registry) ServerMissesFile(ctx context.Context, storeID treehash.Hash, url string, nowUnixSecs int64) error {
	return r.recordFailure(ctx, storeID, url, nowUnixSecs)
}

func (r *Registry) recordFailure(ctx context.Context, storeID treehash.Hash, url string, nowUnixSecs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var consecutiveFailures int
	var ignoreUntil int64
	err := r.db.QueryRowContext(ctx,
		`SELECT consecutive_failures, ignore_until_unix_secs FROM subscription_servers WHERE store_id = ? AND url = ?`,
		storeID.Hex(), url).Scan(&consecutiveFailures, &ignoreUntil)
	if err != nil {
		return err
	}

	if nowUnixSecs < ignoreUntil {
		// Already inside an active ban window: bump the counter but leave
		// ignore_until as-is.
		_, err := r.db.ExecContext(ctx,
			`UPDATE subscription_servers SET consecutive_failures = consecutive_failures + 1 WHERE store_id = ? AND url = ?`,
			storeID.Hex(), url)
		return err
	}

	newCount := consecutiveFailures + 1
	newIgnoreUntil := nowUnixSecs + backoffSeconds(newCount)
	_, err = r.db.ExecContext(ctx,
		`UPDATE subscription_servers SET consecutive_failures = ?, ignore_until_unix_secs = ? WHERE store_id = ? AND url = ?`,
		newCount, newIgnoreUntil, storeID.Hex(), url)
	if err == nil && consecutiveFailures == 0 {
		// First failure after a clean streak: the server just entered a
		// back-off window.
		metrics.ServersInBackoff.Inc()
	}
	return err
}

// ReceivedCorrectFile resets both the failure counter and the ban window
// for (storeID, url).
func (r *Registry) ReceivedCorrectFile(ctx context.Context, storeID treehash.Hash, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var consecutiveFailures int
	if err := r.db.QueryRowContext(ctx,
		`SELECT consecutive_failures FROM subscription_servers WHERE store_id = ? AND url = ?`,
		storeID.Hex(), url).Scan(&consecutiveFailures); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE subscription_servers SET consecutive_failures = 0, ignore_until_unix_secs = 0 WHERE store_id = ? AND url = ?`,
		storeID.Hex(), url)
	if err == nil && consecutiveFailures > 0 {
		metrics.ServersInBackoff.Dec()
	}
	return err
}
