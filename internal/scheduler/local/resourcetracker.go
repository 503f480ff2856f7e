package local

import (
	"fmt"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/model"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// reservation is one in-flight job's committed (mem, cpus) allotment.
type reservation struct {
	memBytes uint64
	cpus     uint32
}

// ResourceTracker is the local scheduler's RAM/CPU admission controller:
// a single-owner bookkeeping structure (never shared across goroutines)
// that tracks the system's total capacity against every job currently
// reserved against it.
type ResourceTracker struct {
	totalMemBytes uint64
	totalCpus     int

	usedMemBytes uint64
	usedCpus     int
	inFlight     map[model.JobId]reservation
}

// NewResourceTracker snapshots total system RAM and CPU count once, via
// gopsutil, the way the scheduler reads its admission ceiling at startup.
func NewResourceTracker() (*ResourceTracker, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("reading system memory: %w", err)
	}
	cpuCounts, err := cpu.Counts(true)
	if err != nil {
		return nil, fmt.Errorf("reading system cpu count: %w", err)
	}

	t := &ResourceTracker{
		totalMemBytes: vm.Total,
		totalCpus:     cpuCounts,
		inFlight:      make(map[model.JobId]reservation),
	}

	common.GetLogger().Debug().
		Str("total_mem", formatBytes(t.totalMemBytes)).
		Int("total_cpus", t.totalCpus).
		Msg("local scheduler resource limits")

	return t, nil
}

// CanFit reports whether jobID's requested (memBytes, cpus) reservation
// is admissible right now. An oversized request is admitted with a
// logged warning when nothing else is in flight, so a lab with one
// deliberately huge job never deadlocks against system limits it can't
// meet; once anything else is running, oversized requests simply wait.
func (t *ResourceTracker) CanFit(jobID model.JobId, memBytes uint64, cpus uint32) bool {
	if len(t.inFlight) == 0 {
		if memBytes > t.totalMemBytes || int(cpus) > t.totalCpus {
			common.GetLogger().Warn().
				Str("job_id", jobID.ShortId()).
				Str("requested_mem", formatBytes(memBytes)).
				Int("requested_cpus", int(cpus)).
				Str("total_mem", formatBytes(t.totalMemBytes)).
				Int("total_cpus", t.totalCpus).
				Msg("job requests more resources than the system reports; running anyway")
		}
		return true
	}

	memFits := t.usedMemBytes+memBytes <= t.totalMemBytes
	cpusFit := t.usedCpus+int(cpus) <= t.totalCpus
	return memFits && cpusFit
}

// Reserve commits jobID's reservation, assumed to have already passed
// CanFit.
func (t *ResourceTracker) Reserve(jobID model.JobId, memBytes uint64, cpus uint32) {
	t.usedMemBytes += memBytes
	t.usedCpus += int(cpus)
	t.inFlight[jobID] = reservation{memBytes: memBytes, cpus: cpus}
}

// Release returns jobID's reservation to the pool; releasing a job with
// no reservation on file is a no-op.
func (t *ResourceTracker) Release(jobID model.JobId) {
	r, ok := t.inFlight[jobID]
	if !ok {
		return
	}
	delete(t.inFlight, jobID)

	if r.memBytes > t.usedMemBytes {
		t.usedMemBytes = 0
	} else {
		t.usedMemBytes -= r.memBytes
	}
	if int(r.cpus) > t.usedCpus {
		t.usedCpus = 0
	} else {
		t.usedCpus -= int(r.cpus)
	}
}

func formatBytes(bytes uint64) string {
	switch {
	case bytes >= 1024*1024*1024*1024:
		return fmt.Sprintf("%dT", bytes/(1024*1024*1024*1024))
	case bytes >= 1024*1024*1024:
		return fmt.Sprintf("%dG", bytes/(1024*1024*1024))
	case bytes >= 1024*1024:
		return fmt.Sprintf("%dM", bytes/(1024*1024))
	case bytes >= 1024:
		return fmt.Sprintf("%dK", bytes/1024)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
