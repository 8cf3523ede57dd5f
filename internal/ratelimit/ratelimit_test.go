package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	tracker, err := NewTracker(filepath.Join(t.TempDir(), "rate_limits.json"), nil)
	require.NoError(t, err)
	return tracker
}

func findStatus(t *testing.T, statuses []Status, limitType string) Status {
	t.Helper()
	for _, s := range statuses {
		if s.RateLimitType == limitType {
			return s
		}
	}
	t.Fatalf("no status for limit type %q in %+v", limitType, statuses)
	return Status{}
}

func TestTracker_RecordNoActiveProfileIsNoop(t *testing.T) {
	tracker := newTestTracker(t)
	alert, err := tracker.Record("", Notification{RateLimitType: "five_hour", Utilization: 0.5})
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestTracker_AlertsOnceAtThreshold(t *testing.T) {
	tracker := newTestTracker(t)

	alert, err := tracker.Record("work", Notification{RateLimitType: "five_hour", Utilization: 0.96})
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "work", alert.ActiveProfile)

	alert, err = tracker.Record("work", Notification{RateLimitType: "five_hour", Utilization: 0.97})
	require.NoError(t, err)
	assert.Nil(t, alert, "subsequent >=95%% events produce no further alert")
}

func TestTracker_DistinctLimitTypesAlertIndependently(t *testing.T) {
	tracker := newTestTracker(t)

	alert1, err := tracker.Record("work", Notification{RateLimitType: "five_hour", Utilization: 0.99})
	require.NoError(t, err)
	require.NotNil(t, alert1)

	alert2, err := tracker.Record("work", Notification{RateLimitType: "weekly", Utilization: 0.99})
	require.NoError(t, err)
	require.NotNil(t, alert2, "a different limit type must alert independently")
}

func TestTracker_AutoResetsExpiredWindow(t *testing.T) {
	tracker := newTestTracker(t)

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	_, err := tracker.Record("work", Notification{RateLimitType: "five_hour", Utilization: 0.99, ResetsAt: &past})
	require.NoError(t, err)

	statuses := tracker.GetProfileStatus("work")
	require.Len(t, statuses, len(knownLimitTypes))
	assert.Equal(t, 0.0, findStatus(t, statuses, "five_hour").Utilization)
	assert.Equal(t, "unknown", findStatus(t, statuses, "seven_day").Utilization)

	// A fresh alert can fire again after reset.
	alert, err := tracker.Record("work", Notification{RateLimitType: "five_hour", Utilization: 0.96})
	require.NoError(t, err)
	assert.NotNil(t, alert)
}

func TestTracker_UnknownProfileReportsUnknownUtilization(t *testing.T) {
	tracker := newTestTracker(t)
	statuses := tracker.GetAllProfilesStatus([]string{"work", "personal"})
	require.Len(t, statuses["work"], len(knownLimitTypes))
	for _, s := range statuses["work"] {
		assert.Equal(t, "unknown", s.Utilization)
	}
}

func TestTracker_PartialRecordStillReportsBothKnownTypes(t *testing.T) {
	tracker := newTestTracker(t)
	_, err := tracker.Record("work", Notification{RateLimitType: "five_hour", Utilization: 0.4})
	require.NoError(t, err)

	statuses := tracker.GetProfileStatus("work")
	require.Len(t, statuses, len(knownLimitTypes))
	assert.Equal(t, 0.4, findStatus(t, statuses, "five_hour").Utilization)
	assert.Equal(t, "unknown", findStatus(t, statuses, "seven_day").Utilization)
}

func TestTracker_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate_limits.json")
	tracker1, err := NewTracker(path, nil)
	require.NoError(t, err)

	_, err = tracker1.Record("work", Notification{RateLimitType: "five_hour", Utilization: 0.5})
	require.NoError(t, err)

	tracker2, err := NewTracker(path, nil)
	require.NoError(t, err)
	statuses := tracker2.GetProfileStatus("work")
	require.Len(t, statuses, len(knownLimitTypes))
	assert.Equal(t, 0.5, findStatus(t, statuses, "five_hour").Utilization)
}
