package local

import (
	"testing"

	"github.com/repx-org/repx/internal/model"
	"github.com/stretchr/testify/assert"
)

func newTestTracker(totalMem uint64, totalCpus int) *ResourceTracker {
	return &ResourceTracker{
		totalMemBytes: totalMem,
		totalCpus:     totalCpus,
		inFlight:      make(map[model.JobId]reservation),
	}
}

func TestResourceTrackerCanFit(t *testing.T) {
	tracker := newTestTracker(16*1024*1024*1024, 8)

	job1, job2, job3 := model.JobId("job1"), model.JobId("job2"), model.JobId("job3")

	assert.True(t, tracker.CanFit(job1, 8*1024*1024*1024, 4))
	tracker.Reserve(job1, 8*1024*1024*1024, 4)

	assert.True(t, tracker.CanFit(job2, 4*1024*1024*1024, 2))
	tracker.Reserve(job2, 4*1024*1024*1024, 2)

	assert.False(t, tracker.CanFit(job3, 8*1024*1024*1024, 4))
	assert.True(t, tracker.CanFit(job3, 2*1024*1024*1024, 1))
	assert.False(t, tracker.CanFit(job3, 6*1024*1024*1024, 1))
	assert.False(t, tracker.CanFit(job3, 2*1024*1024*1024, 4))
}

func TestResourceTrackerReserveAndRelease(t *testing.T) {
	tracker := newTestTracker(16*1024*1024*1024, 8)

	job1, job2 := model.JobId("job1"), model.JobId("job2")

	tracker.Reserve(job1, 4*1024*1024*1024, 2)
	assert.Equal(t, uint64(4*1024*1024*1024), tracker.usedMemBytes)
	assert.Equal(t, 2, tracker.usedCpus)
	assert.Len(t, tracker.inFlight, 1)

	tracker.Reserve(job2, 8*1024*1024*1024, 4)
	assert.Equal(t, uint64(12*1024*1024*1024), tracker.usedMemBytes)
	assert.Equal(t, 6, tracker.usedCpus)
	assert.Len(t, tracker.inFlight, 2)

	tracker.Release(job1)
	assert.Equal(t, uint64(8*1024*1024*1024), tracker.usedMemBytes)
	assert.Equal(t, 4, tracker.usedCpus)
	assert.Len(t, tracker.inFlight, 1)

	tracker.Release(job2)
	assert.Equal(t, uint64(0), tracker.usedMemBytes)
	assert.Equal(t, 0, tracker.usedCpus)
	assert.Empty(t, tracker.inFlight)
}

func TestResourceTrackerOversizedJobAllowedWhenEmpty(t *testing.T) {
	tracker := newTestTracker(8*1024*1024*1024, 4)
	assert.True(t, tracker.CanFit(model.JobId("big"), 32*1024*1024*1024, 16))
}

func TestResourceTrackerOversizedJobBlockedWhenBusy(t *testing.T) {
	tracker := newTestTracker(8*1024*1024*1024, 4)
	tracker.Reserve(model.JobId("small"), 1024*1024*1024, 1)
	assert.False(t, tracker.CanFit(model.JobId("big"), 32*1024*1024*1024, 16))
}

func TestResourceTrackerReleaseUnknownJobIsSafe(t *testing.T) {
	tracker := newTestTracker(8*1024*1024*1024, 4)
	tracker.usedMemBytes = 4 * 1024 * 1024 * 1024
	tracker.usedCpus = 2

	tracker.Release(model.JobId("unknown"))

	assert.Equal(t, uint64(4*1024*1024*1024), tracker.usedMemBytes)
	assert.Equal(t, 2, tracker.usedCpus)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0B", formatBytes(0))
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1K", formatBytes(1024))
	assert.Equal(t, "1M", formatBytes(1024*1024))
	assert.Equal(t, "1G", formatBytes(1024*1024*1024))
	assert.Equal(t, "1T", formatBytes(1024*1024*1024*1024))
	assert.Equal(t, "4G", formatBytes(4*1024*1024*1024))
}
