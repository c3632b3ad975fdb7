package devicestate

import "testing"

func TestReportPid(t *testing.T) {
	tr := NewTracker()

	if _, ok := tr.Pid("AA:BB"); ok {
		t.Fatal("expected no record for unknown device")
	}

	tr.ReportPid("AA:BB", "1234")
	rec, ok := tr.Pid("AA:BB")
	if !ok {
		t.Fatal("expected record after report")
	}
	if rec.Pid != "1234" {
		t.Fatalf("got pid %s, want 1234", rec.Pid)
	}
}

func TestShouldReboot_ConsumesFlag(t *testing.T) {
	tr := NewTracker()
	tr.ReportPid("AA:BB", "1234")
	tr.RequestReboot("AA:BB", "1234")

	if !tr.ShouldReboot("AA:BB", "1234") {
		t.Fatal("expected reboot on first poll")
	}
	if tr.ShouldReboot("AA:BB", "1234") {
		t.Fatal("reboot flag must clear once consumed")
	}
}

func TestShouldReboot_StalePidDiscarded(t *testing.T) {
	tr := NewTracker()
	tr.RequestReboot("AA:BB", "1234")

	// machine restarted on its own; the old request no longer applies
	if tr.ShouldReboot("AA:BB", "5678") {
		t.Fatal("stale reboot request must not fire")
	}
	if tr.ShouldReboot("AA:BB", "1234") {
		t.Fatal("stale request must also be discarded, not retried")
	}
}

func TestShouldReboot_NoRequest(t *testing.T) {
	tr := NewTracker()
	if tr.ShouldReboot("AA:BB", "1234") {
		t.Fatal("expected no reboot without a request")
	}
}
