package sensors

import (
	"context"
	"fmt"
	"log"
	"time"
)

// MaxConsecutiveReadErrors is how many failed reads in a row Poll tolerates.
const MaxConsecutiveReadErrors = 50

// Poll calls read every interval and emits what it returns until ctx is done.
//
// A failed read is logged once per run of failures and skipped; the tracker
// treats the resulting gap as a discontinuity. After MaxConsecutiveReadErrors
// failures Poll returns the last error.
func Poll(ctx context.Context, name string, interval time.Duration, read func() ([]Sample, error), emit func(Sample)) error {
	if interval <= 0 {
		return fmt.Errorf("%s: poll interval must be > 0", name)
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}

		samples, err := read()
		if err != nil {
			failures++
			if failures == 1 {
				log.Printf("%s: read failed: %v", name, err)
			}
			if failures >= MaxConsecutiveReadErrors {
				return fmt.Errorf("%s: %d consecutive read failures: %w", name, failures, err)
			}
			continue
		}
		if failures > 0 {
			log.Printf("%s: reads recovered after %d failures", name, failures)
			failures = 0
		}
		for _, s := range samples {
			emit(s)
		}
	}
}
