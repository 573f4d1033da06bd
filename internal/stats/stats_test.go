package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTracker() *Tracker {
	return New(prometheus.NewRegistry())
}

func TestAdmissionAndSuccess(t *testing.T) {
	tr := newTracker()
	tr.RecordAdmission("fw-download.ubnt.com", "203.0.113.5")

	snap := tr.Snapshot()
	require.EqualValues(t, 1, snap.Total)
	require.EqualValues(t, 1, snap.Active)
	require.EqualValues(t, 1, snap.Domains["fw-download.ubnt.com"])
	require.EqualValues(t, 1, snap.Sources["203.0.113.5"])

	tr.RecordSuccess()
	snap = tr.Snapshot()
	require.EqualValues(t, 1, snap.Successful)
	require.EqualValues(t, 0, snap.Active)
	require.EqualValues(t, snap.Total-snap.Successful-snap.Failed, snap.Active)
}

func TestAdmittedFailureDecrementsActive(t *testing.T) {
	tr := newTracker()
	tr.RecordAdmission("example.com", "203.0.113.5")
	tr.RecordFailure("sni_not_allowed", true)

	snap := tr.Snapshot()
	require.EqualValues(t, 1, snap.Total)
	require.EqualValues(t, 1, snap.Failed)
	require.EqualValues(t, 0, snap.Active)
}

func TestPreAdmissionFailureKeepsActiveNonNegative(t *testing.T) {
	tr := newTracker()
	tr.RecordFailure("ip_denied", false)

	snap := tr.Snapshot()
	require.EqualValues(t, 0, snap.Total)
	require.EqualValues(t, 1, snap.Failed)
	require.EqualValues(t, 0, snap.Active)
	require.Empty(t, snap.Domains)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	tr := newTracker()
	tr.RecordAdmission("fw-update.ui.com", "203.0.113.5")

	snap := tr.Snapshot()
	snap.Domains["fw-update.ui.com"] = 999
	snap.Sources["injected"] = 1

	fresh := tr.Snapshot()
	require.EqualValues(t, 1, fresh.Domains["fw-update.ui.com"])
	require.NotContains(t, fresh.Sources, "injected")
}

func TestTopSources(t *testing.T) {
	tr := newTracker()
	for i := 0; i < 3; i++ {
		tr.RecordAdmission("fw-download.ubnt.com", "203.0.113.5")
	}
	for i := 0; i < 5; i++ {
		tr.RecordAdmission("fw-download.ubnt.com", "203.0.113.9")
	}
	tr.RecordAdmission("fw-download.ubnt.com", "198.51.100.7")

	top := tr.TopSources(2)
	require.Len(t, top, 2)
	require.Equal(t, "203.0.113.9", top[0].Addr)
	require.EqualValues(t, 5, top[0].Count)
	require.Equal(t, "203.0.113.5", top[1].Addr)

	all := tr.TopSources(10)
	require.Len(t, all, 3)
}

func TestUptime(t *testing.T) {
	tr := newTracker()
	require.GreaterOrEqual(t, tr.Uptime().Nanoseconds(), int64(0))
}
