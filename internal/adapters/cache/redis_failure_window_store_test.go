package cache

import "testing"

func TestSummarizeFailuresCountsDistinctDevices(t *testing.T) {
	members := []string{
		encodeFailure("dev1"),
		encodeFailure("dev1"),
		encodeFailure("dev2"),
		encodeFailure("dev|odd"),
	}
	got := summarizeFailures(members)
	if got.Failures != 4 || got.DistinctDevices != 3 {
		t.Fatalf("unexpected window %+v", got)
	}
	if empty := summarizeFailures(nil); empty.Failures != 0 || empty.DistinctDevices != 0 {
		t.Fatalf("expected empty window, got %+v", empty)
	}
}

func TestEncodedFailuresAreUnique(t *testing.T) {
	if encodeFailure("dev1") == encodeFailure("dev1") {
		t.Fatal("members for the same device must differ")
	}
}
