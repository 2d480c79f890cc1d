// Package clockguard renders a fresh, fail-closed verdict on local clock integrity.
//
// Every CheckSkew call queries the configured reference servers again; results
// are kept only as audit history and are never consulted to answer a later
// check. If no server answers, the verdict is a failure, never a pass.
package clockguard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
	"github.com/Mindburn-Labs/helm-certify/pkg/observability"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultTimeout = 3 * time.Second
	DefaultMaxSkew = 5 * time.Second
)

// DefaultServers are public SNTP pools tried in order.
var DefaultServers = []string{"pool.ntp.org", "time.google.com", "time.cloudflare.com"}

// Config configures a Guard.
type Config struct {
	Servers []string
	Timeout time.Duration // per server
	MaxSkew time.Duration // inclusive
	Source  TimeSource
	// Limiter optionally paces outbound queries; nil means unpaced.
	Limiter *rate.Limiter
	Clock   func() time.Time
	Logger  *slog.Logger
	Obs     *observability.Provider
}

// Guard checks local clock skew against reference servers.
type Guard struct {
	servers []string
	timeout time.Duration
	maxSkew time.Duration
	source  TimeSource
	limiter *rate.Limiter
	clock   func() time.Time
	logger  *slog.Logger
	obs     *observability.Provider

	mu      sync.Mutex
	history []ClockSkewResult
}

// New creates a Guard, filling unset Config fields with defaults.
func New(cfg Config) *Guard {
	g := &Guard{
		servers: cfg.Servers,
		timeout: cfg.Timeout,
		maxSkew: cfg.MaxSkew,
		source:  cfg.Source,
		limiter: cfg.Limiter,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		obs:     cfg.Obs,
	}
	if g.servers == nil {
		g.servers = append([]string(nil), DefaultServers...)
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.maxSkew <= 0 {
		g.maxSkew = DefaultMaxSkew
	}
	if g.source == nil {
		g.source = NewNTPSource()
	}
	if g.clock == nil {
		g.clock = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default().With("component", "clockguard")
	}
	return g
}

// MaxSkew returns the inclusive skew limit.
func (g *Guard) MaxSkew() time.Duration { return g.maxSkew }

// CheckSkew queries the servers in order and evaluates the first answer.
func (g *Guard) CheckSkew(ctx context.Context) ClockSkewResult {
	var failures []string
	for _, server := range g.servers {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", server, err))
			break
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", server, err))
				break
			}
		}

		qctx, cancel := context.WithTimeout(ctx, g.timeout)
		ref, err := g.source.Query(qctx, server, g.timeout)
		cancel()
		if err != nil {
			g.logger.WarnContext(ctx, "time source unreachable", "server", server, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", server, err))
			continue
		}

		return g.record(ctx, g.evaluate(g.clock(), ref, server))
	}

	return g.record(ctx, g.unreachable(failures))
}

// CertificationAllowed runs a fresh CheckSkew and returns its verdict.
func (g *Guard) CertificationAllowed(ctx context.Context) (bool, string) {
	r := g.CheckSkew(ctx)
	return r.Passed, r.Reason
}

// maxSimulatedSeconds bounds simulated inputs to the integers a float64
// represents exactly.
const maxSimulatedSeconds = 1 << 53

// CheckSkewSimulated evaluates explicit local and reference times with no
// network I/O. Both arguments are Unix seconds; NaN, infinite or out-of-range
// input fails closed.
func (g *Guard) CheckSkewSimulated(localTime, referenceTime float64) ClockSkewResult {
	for _, v := range []float64{localTime, referenceTime} {
		if math.IsNaN(v) || math.Abs(v) > maxSimulatedSeconds {
			return g.record(context.Background(), ClockSkewResult{
				SkewSeconds:     math.Inf(1),
				ReferenceSource: SourceSimulated,
				Code:            certerr.ClockSkewExceeded,
				Reason: fmt.Sprintf("%s: simulated times (%v, %v) are not valid Unix seconds - CERTIFICATION BLOCKED",
					certerr.ClockSkewExceeded, localTime, referenceTime),
			})
		}
	}
	r := g.evaluate(unixFloat(localTime), unixFloat(referenceTime), SourceSimulated)
	return g.record(context.Background(), r)
}

// History returns a copy of every recorded check, oldest first.
func (g *Guard) History() []ClockSkewResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ClockSkewResult(nil), g.history...)
}

// LastResult returns the most recent check, if any.
func (g *Guard) LastResult() (ClockSkewResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.history) == 0 {
		return ClockSkewResult{}, false
	}
	return g.history[len(g.history)-1], true
}

func (g *Guard) evaluate(local, ref time.Time, source string) ClockSkewResult {
	skew := skewSeconds(local, ref)
	r := ClockSkewResult{
		SkewSeconds:     skew,
		LocalTime:       local,
		ReferenceTime:   ref,
		ReferenceSource: source,
		Passed:          skew <= g.maxSkew.Seconds(),
	}
	if r.Passed {
		r.Reason = fmt.Sprintf("CLOCK_OK: skew %.3fs within max %.3fs (source %s)",
			r.SkewSeconds, g.maxSkew.Seconds(), source)
		return r
	}
	r.Code = certerr.ClockSkewExceeded
	r.Reason = fmt.Sprintf("%s: skew %.3fs exceeds max %.3fs (source %s) - CERTIFICATION BLOCKED",
		certerr.ClockSkewExceeded, r.SkewSeconds, g.maxSkew.Seconds(), source)
	return r
}

func (g *Guard) unreachable(failures []string) ClockSkewResult {
	detail := "no servers configured"
	if len(failures) > 0 {
		detail = strings.Join(failures, "; ")
	}
	return ClockSkewResult{
		SkewSeconds:     math.Inf(1),
		LocalTime:       g.clock(),
		ReferenceSource: SourceNone,
		Passed:          false,
		Code:            certerr.ClockSourceUnreachable,
		Reason: fmt.Sprintf("%s: no time source reachable (%s) - CERTIFICATION BLOCKED",
			certerr.ClockSourceUnreachable, detail),
	}
}

func (g *Guard) record(ctx context.Context, r ClockSkewResult) ClockSkewResult {
	r.CheckID = uuid.NewString()
	r.CheckedAt = g.clock()

	g.mu.Lock()
	g.history = append(g.history, r)
	g.mu.Unlock()

	outcome := "OK"
	if !r.Passed {
		outcome = string(r.Code)
	}
	g.obs.RecordDecision(ctx, "clock.check", outcome)

	if r.Passed {
		g.logger.DebugContext(ctx, "clock check passed", "result", r)
	} else {
		g.logger.WarnContext(ctx, "clock check failed", "result", r, "reason", r.Reason)
	}
	return r
}

// skewSeconds is |local - ref|. time.Time.Sub saturates at about 292 years,
// so the difference is taken in whole seconds and nanoseconds instead.
func skewSeconds(local, ref time.Time) float64 {
	d := float64(local.Unix()-ref.Unix()) + float64(local.Nanosecond()-ref.Nanosecond())/1e9
	return math.Abs(d)
}

func unixFloat(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
