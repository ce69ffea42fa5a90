package injector

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rangelab-io/rangelab-core/services"
)

// retryWithDelay runs op until it succeeds, waiting a fixed delay between attempts,
// bounded by both a maximum attempt count and a total wall-clock budget. Guests can
// take minutes to boot and there is no independent signal for shell-daemon startup,
// so both bounds are configured generously by the caller.
//
// The last operation error is wrapped in a TimeoutError when the bounds are hit.
func retryWithDelay(what string, op func() error, maxAttempts int, delay, budget time.Duration) error {

	deadline := time.Now().Add(budget)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		log.Debugf("%s: attempt %d/%d failed: %v", what, attempt, maxAttempts, lastErr)

		if attempt == maxAttempts || time.Now().Add(delay).After(deadline) {
			break
		}
		time.Sleep(delay)
	}

	return services.TimeoutError{
		Msg: fmt.Sprintf("%s: gave up after bounded retries: %v", what, lastErr),
	}
}
