package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordTransitionAdvancesWatermark(t *testing.T) {
	before := testutil.ToFloat64(transitionCounter.WithLabelValues("clock_in"))
	ts := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	RecordTransition("clock_in", ts)

	require.InDelta(t, before+1, testutil.ToFloat64(transitionCounter.WithLabelValues("clock_in")), 0.0001)
	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(lastTransitionGauge))
}

func TestRecordRejectionLabelsReason(t *testing.T) {
	before := testutil.ToFloat64(rejectionCounter.WithLabelValues("away", "not_clocked_in"))

	RecordRejection("away", "not_clocked_in")

	require.InDelta(t, before+1, testutil.ToFloat64(rejectionCounter.WithLabelValues("away", "not_clocked_in")), 0.0001)
}

func TestRecordPersistedIgnoresZeroTime(t *testing.T) {
	ts := time.Date(2026, time.March, 2, 17, 0, 0, 0, time.UTC)
	RecordPersisted("sqlite", ts)
	RecordPersisted("sqlite", time.Time{})

	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(recordPersistGauge.WithLabelValues("sqlite")))
}
