package clockguard

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// TimeSource answers a single point query against one reference server.
type TimeSource interface {
	// Query returns the reference time as observed at the moment of the call.
	Query(ctx context.Context, server string, timeout time.Duration) (time.Time, error)
}

// NTPSource queries SNTP servers. Responses that fail validation (kiss-of-death,
// unsynchronized stratum, bad leap indicator) are reported as errors so the
// guard moves on to the next server.
type NTPSource struct {
	// Now is the local clock the offset is applied to.
	Now func() time.Time
}

// NewNTPSource returns an NTPSource on the wall clock.
func NewNTPSource() *NTPSource {
	return &NTPSource{Now: time.Now}
}

// Query implements TimeSource.
func (s *NTPSource) Query(ctx context.Context, server string, timeout time.Duration) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return time.Time{}, context.DeadlineExceeded
	}

	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return time.Time{}, fmt.Errorf("clockguard: query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("clockguard: invalid response from %s: %w", server, err)
	}
	return s.Now().Add(resp.ClockOffset), nil
}
