package clockguard

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
)

var localNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// fakeSource answers from a per-server table; servers absent from it time out.
type fakeSource struct {
	mu      sync.Mutex
	answers map[string]time.Time
	calls   []string
}

func (f *fakeSource) Query(ctx context.Context, server string, timeout time.Duration) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, server)
	if t, ok := f.answers[server]; ok {
		return t, nil
	}
	return time.Time{}, errors.New("i/o timeout")
}

func newGuard(src TimeSource, servers ...string) *Guard {
	return New(Config{
		Servers: servers,
		Timeout: 100 * time.Millisecond,
		MaxSkew: 5 * time.Second,
		Source:  src,
		Clock:   func() time.Time { return localNow },
	})
}

func TestCheckSkewPassesWithinLimit(t *testing.T) {
	src := &fakeSource{answers: map[string]time.Time{"a": localNow.Add(2 * time.Second)}}
	g := newGuard(src, "a")

	r := g.CheckSkew(context.Background())
	assert.True(t, r.Passed)
	assert.Equal(t, "a", r.ReferenceSource)
	assert.InDelta(t, 2.0, r.SkewSeconds, 1e-9)
	assert.Empty(t, r.Code)
	assert.NoError(t, r.Err())
	assert.Contains(t, r.Reason, "CLOCK_OK")
}

func TestCheckSkewBoundaryIsInclusive(t *testing.T) {
	src := &fakeSource{answers: map[string]time.Time{"a": localNow.Add(-5 * time.Second)}}
	r := newGuard(src, "a").CheckSkew(context.Background())
	assert.True(t, r.Passed, "skew equal to max must pass")
}

func TestCheckSkewFailsBeyondLimit(t *testing.T) {
	src := &fakeSource{answers: map[string]time.Time{"a": localNow.Add(-6 * time.Second)}}
	r := newGuard(src, "a").CheckSkew(context.Background())

	assert.False(t, r.Passed)
	assert.Equal(t, certerr.ClockSkewExceeded, r.Code)
	assert.True(t, errors.Is(r.Err(), certerr.ErrClockSkewExceeded))
}

func TestCheckSkewFallsThroughToNextServer(t *testing.T) {
	src := &fakeSource{answers: map[string]time.Time{"b": localNow}}
	r := newGuard(src, "a", "b", "c").CheckSkew(context.Background())

	assert.True(t, r.Passed)
	assert.Equal(t, "b", r.ReferenceSource)
	assert.Equal(t, []string{"a", "b"}, src.calls, "must stop at the first answering server")
}

func TestCheckSkewFailsClosedWhenAllUnreachable(t *testing.T) {
	src := &fakeSource{}
	g := newGuard(src, "a", "b")

	r := g.CheckSkew(context.Background())
	assert.False(t, r.Passed)
	assert.Equal(t, SourceNone, r.ReferenceSource)
	assert.True(t, math.IsInf(r.SkewSeconds, 1))
	assert.True(t, r.Unreachable())
	assert.True(t, errors.Is(r.Err(), certerr.ErrClockSourceUnreachable))
	assert.Contains(t, r.Reason, "CERTIFICATION BLOCKED")

	ok, reason := g.CertificationAllowed(context.Background())
	assert.False(t, ok)
	assert.Contains(t, reason, string(certerr.ClockSourceUnreachable))
}

func TestCheckSkewNoServersFailsClosed(t *testing.T) {
	g := newGuard(&fakeSource{}, []string{}...)
	r := g.CheckSkew(context.Background())
	assert.False(t, r.Passed)
	assert.Equal(t, SourceNone, r.ReferenceSource)
}

func TestCheckSkewCancelledContextFailsClosed(t *testing.T) {
	src := &fakeSource{answers: map[string]time.Time{"a": localNow}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newGuard(src, "a").CheckSkew(ctx)
	assert.False(t, r.Passed)
	assert.Empty(t, src.calls)
}

func TestCheckSkewNeverCaches(t *testing.T) {
	src := &fakeSource{answers: map[string]time.Time{"a": localNow}}
	g := newGuard(src, "a")

	require.True(t, g.CheckSkew(context.Background()).Passed)

	src.mu.Lock()
	src.answers["a"] = localNow.Add(-time.Hour)
	src.mu.Unlock()

	assert.False(t, g.CheckSkew(context.Background()).Passed, "a later check must re-query")
	assert.Len(t, src.calls, 2)
}

func TestCheckSkewSimulatedBlocksCertification(t *testing.T) {
	g := newGuard(&fakeSource{})

	r := g.CheckSkewSimulated(1000.0, 1010.0)
	assert.False(t, r.Passed)
	assert.Equal(t, SourceSimulated, r.ReferenceSource)
	assert.InDelta(t, 10.0, r.SkewSeconds, 1e-9)
	assert.Contains(t, r.Reason, "GOVERNANCE_CLOCK_SKEW")
	assert.Contains(t, r.Reason, "CERTIFICATION BLOCKED")
}

func TestCheckSkewSimulatedPasses(t *testing.T) {
	g := newGuard(&fakeSource{})
	r := g.CheckSkewSimulated(1000.0, 1003.5)
	assert.True(t, r.Passed)
	assert.InDelta(t, 3.5, r.SkewSeconds, 1e-6)
}

func TestCheckSkewSimulatedFarApartFailsClosed(t *testing.T) {
	g := newGuard(&fakeSource{})

	for _, pair := range [][2]float64{{0, 1e10}, {1e10, 0}, {-1e12, 1e12}} {
		r := g.CheckSkewSimulated(pair[0], pair[1])
		assert.False(t, r.Passed, "%v", pair)
		assert.Equal(t, certerr.ClockSkewExceeded, r.Code)
		assert.InDelta(t, math.Abs(pair[1]-pair[0]), r.SkewSeconds, 1e-3)
	}
}

func TestCheckSkewSimulatedRejectsInvalidInput(t *testing.T) {
	g := newGuard(&fakeSource{})

	for _, pair := range [][2]float64{
		{math.NaN(), 1000},
		{1000, math.NaN()},
		{math.Inf(1), math.Inf(1)},
		{math.Inf(-1), 0},
		{1e300, 1e300},
	} {
		r := g.CheckSkewSimulated(pair[0], pair[1])
		assert.False(t, r.Passed, "%v", pair)
		assert.True(t, math.IsInf(r.SkewSeconds, 1))
		assert.Equal(t, SourceSimulated, r.ReferenceSource)
		assert.True(t, errors.Is(r.Err(), certerr.ErrClockSkewExceeded))
		assert.Contains(t, r.Reason, "CERTIFICATION BLOCKED")
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	g := newGuard(&fakeSource{}, "a")

	_, ok := g.LastResult()
	assert.False(t, ok)

	first := g.CheckSkewSimulated(0, 1)
	second := g.CheckSkew(context.Background())

	hist := g.History()
	require.Len(t, hist, 2)
	assert.Equal(t, first.CheckID, hist[0].CheckID)
	assert.Equal(t, second.CheckID, hist[1].CheckID)
	assert.NotEqual(t, hist[0].CheckID, hist[1].CheckID)

	last, ok := g.LastResult()
	require.True(t, ok)
	assert.Equal(t, second.CheckID, last.CheckID)

	hist[0].Passed = false
	assert.True(t, g.History()[0].Passed, "History must return a copy")
}

func TestLimiterPacesQueries(t *testing.T) {
	src := &fakeSource{answers: map[string]time.Time{"a": localNow}}
	g := New(Config{
		Servers: []string{"a"},
		Source:  src,
		Clock:   func() time.Time { return localNow },
		Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
	})

	require.True(t, g.CheckSkew(context.Background()).Passed)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := g.CheckSkew(ctx)
	assert.False(t, r.Passed, "a query the limiter cannot admit must fail closed")
	assert.Len(t, src.calls, 1)
}

func TestNewAppliesDefaults(t *testing.T) {
	g := New(Config{})
	assert.Equal(t, DefaultMaxSkew, g.MaxSkew())
	assert.Equal(t, DefaultServers, g.servers)
	assert.Equal(t, DefaultTimeout, g.timeout)
}
