package settlement

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDelay returns the wait before attempt+1, doubling from base and
// capped at max. attempt is 1-based.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := base
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}
