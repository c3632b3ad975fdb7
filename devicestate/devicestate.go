// Package devicestate tracks volatile per-device process state: the
// machine-reported process id and an operator-requested reboot flag. The
// state is process-local and intentionally lost on restart.
package devicestate

import (
	"sync"
	"time"
)

// PidRecord is the most recent process report from a machine.
type PidRecord struct {
	Pid      string
	Reported time.Time
}

// Tracker holds pid and reboot state for every known device.
type Tracker struct {
	mu      sync.Mutex
	pids    map[string]PidRecord
	reboots map[string]string // fingerprint -> pid to reboot
}

func NewTracker() *Tracker {
	return &Tracker{
		pids:    make(map[string]PidRecord),
		reboots: make(map[string]string),
	}
}

// ReportPid records the machine's current process id.
func (t *Tracker) ReportPid(fingerprint, pid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids[fingerprint] = PidRecord{Pid: pid, Reported: time.Now()}
}

// Pid returns the last reported process record for a device.
func (t *Tracker) Pid(fingerprint string) (PidRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.pids[fingerprint]
	return rec, ok
}

// RequestReboot asks the device to restart the given pid on its next
// poll. The request only takes effect while that pid is still current.
func (t *Tracker) RequestReboot(fingerprint, pid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reboots[fingerprint] = pid
}

// ShouldReboot reports whether the polling device must reboot. The flag
// clears once consumed, and a stale request (pid no longer current) is
// discarded.
func (t *Tracker) ShouldReboot(fingerprint, currentPid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pid, ok := t.reboots[fingerprint]
	if !ok {
		return false
	}
	delete(t.reboots, fingerprint)
	return pid == currentPid
}
