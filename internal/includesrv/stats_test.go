package includesrv

import "testing"

func TestNewStatsWithEmptyHostPortDisablesStatsd(t *testing.T) {
	s, err := NewStats("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	// SendToStatsd must be a safe no-op without a configured endpoint.
	s.SendToStatsd()
}

func TestStatsCountersAccumulate(t *testing.T) {
	s, err := NewStats("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.IncRequestsTotal()
	s.IncRequestsTotal()
	s.IncRequestsNotCovered()
	s.IncNodesCreated()
	s.IncNodeCacheHits()
	s.IncTriggerResets()
	s.IncPathObservationWarnings()

	if s.requestsTotal != 2 {
		t.Fatalf("requestsTotal = %d, want 2", s.requestsTotal)
	}
	if s.requestsNotCovered != 1 {
		t.Fatalf("requestsNotCovered = %d, want 1", s.requestsNotCovered)
	}
	if s.nodesCreated != 1 || s.nodeCacheHits != 1 || s.triggerResets != 1 || s.pathObservationWarnings != 1 {
		t.Fatalf("unexpected counter state: %+v", s)
	}
}

func TestNewStatsInvalidHostPortStillSucceeds(t *testing.T) {
	// net.Dial("udp", ...) does not itself probe reachability, so even a
	// bogus-looking host:port combination resolves and dials locally.
	s, err := NewStats("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
}
