package venue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"TradeEngine/internal/venue"
)

func TestBreaker_StaysClosedUnderThreshold(t *testing.T) {
	ht := venue.NewHealthTracker(3, time.Minute)

	ht.RecordFailure("PAPER")
	ht.RecordFailure("PAPER")
	require.True(t, ht.Admit("PAPER"))
	require.Equal(t, venue.BreakerClosed, ht.View("PAPER").State)
}

func TestBreaker_SuccessResetsErrorCount(t *testing.T) {
	ht := venue.NewHealthTracker(3, time.Minute)

	ht.RecordFailure("PAPER")
	ht.RecordFailure("PAPER")
	from, to := ht.RecordSuccess("PAPER")
	require.Equal(t, venue.BreakerClosed, from)
	require.Equal(t, venue.BreakerClosed, to)
	require.Equal(t, 0, ht.View("PAPER").ConsecutiveErrors)

	// The reset count means two more failures still do not trip it.
	ht.RecordFailure("PAPER")
	ht.RecordFailure("PAPER")
	require.True(t, ht.Admit("PAPER"))
}

func TestBreaker_TripsOpenAtThreshold(t *testing.T) {
	ht := venue.NewHealthTracker(2, time.Minute)

	ht.RecordFailure("PAPER")
	from, to := ht.RecordFailure("PAPER")
	require.Equal(t, venue.BreakerClosed, from)
	require.Equal(t, venue.BreakerOpen, to)
	require.False(t, ht.Admit("PAPER"))
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	ht := venue.NewHealthTracker(1, 20*time.Millisecond)

	ht.RecordFailure("PAPER")
	require.False(t, ht.Admit("PAPER"))

	time.Sleep(30 * time.Millisecond)

	require.True(t, ht.Admit("PAPER"), "cooldown elapsed, one probe goes through")
	require.Equal(t, venue.BreakerHalfOpen, ht.View("PAPER").State)
	require.False(t, ht.Admit("PAPER"), "only one probe at a time")

	from, to := ht.RecordSuccess("PAPER")
	require.Equal(t, venue.BreakerHalfOpen, from)
	require.Equal(t, venue.BreakerClosed, to)
	require.True(t, ht.Admit("PAPER"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	ht := venue.NewHealthTracker(1, 20*time.Millisecond)

	ht.RecordFailure("PAPER")
	time.Sleep(30 * time.Millisecond)
	require.True(t, ht.Admit("PAPER"))

	from, to := ht.RecordFailure("PAPER")
	require.Equal(t, venue.BreakerHalfOpen, from)
	require.Equal(t, venue.BreakerOpen, to)
	require.False(t, ht.Admit("PAPER"), "reopened breaker waits out another cooldown")
}

func TestBreaker_VenuesAreIndependent(t *testing.T) {
	ht := venue.NewHealthTracker(1, time.Minute)

	ht.RecordFailure("BINANCE")
	require.False(t, ht.Admit("BINANCE"))
	require.True(t, ht.Admit("PAPER"))

	views := ht.ViewAll()
	require.Len(t, views, 2)
}

func TestBreakerState_String(t *testing.T) {
	require.Equal(t, "CLOSED", venue.BreakerClosed.String())
	require.Equal(t, "OPEN", venue.BreakerOpen.String())
	require.Equal(t, "HALF_OPEN", venue.BreakerHalfOpen.String())
}
