package backendref

import "testing"

func TestStateTransitionsSetAndClearBits(t *testing.T) {
	r := New("backend-a", false)
	r.MarkConnected()
	if !r.Has(InUse) {
		t.Fatal("expected InUse after MarkConnected")
	}

	r.MarkQueryDispatched()
	if !r.Has(QueryActive | WaitingResult) {
		t.Fatal("expected QueryActive and WaitingResult after dispatch")
	}

	r.MarkReplyReceived()
	if r.Has(QueryActive) || r.Has(WaitingResult) {
		t.Fatal("expected QueryActive/WaitingResult cleared after sole reply received")
	}
	if !r.Has(InUse) {
		t.Fatal("InUse should survive a query completing")
	}

	r.MarkClosed()
	if !r.Has(Closed) {
		t.Fatal("expected Closed after MarkClosed")
	}
	if r.Has(InUse) {
		t.Fatal("expected InUse cleared simultaneously with Closed")
	}
}

func TestWaitingResultTracksMultipleInFlight(t *testing.T) {
	r := New("backend-a", false)
	r.MarkConnected()
	r.MarkQueryDispatched()
	r.MarkQueryDispatched()
	r.MarkReplyReceived()
	if !r.Has(WaitingResult) {
		t.Fatal("expected WaitingResult to remain set with one reply still outstanding")
	}
	r.MarkReplyReceived()
	if r.Has(WaitingResult) {
		t.Fatal("expected WaitingResult cleared once both replies received")
	}
}

func TestSelectOrdersByWeightedMetric(t *testing.T) {
	candidates := []Candidate{
		{Name: "primary", IsPrimary: true, Healthy: true},
		{Name: "replica-heavy", Healthy: true, Weight: 1000, CurrentOperations: 100},
		{Name: "replica-light", Healthy: true, Weight: 2000, CurrentOperations: 100},
		{Name: "replica-unhealthy", Healthy: false, Weight: 1000},
	}

	primary, replicas := Select(candidates, LeastCurrentOperations, 2)
	if primary == nil || primary.Name != "primary" {
		t.Fatalf("expected primary selected, got %v", primary)
	}
	if len(replicas) != 2 {
		t.Fatalf("expected 2 replicas, got %d", len(replicas))
	}
	if replicas[0].Name != "replica-light" {
		t.Errorf("expected replica-light (weight 2000, same raw ops) to rank first, got %s", replicas[0].Name)
	}
}

func TestSelectRespectsMaxReplicas(t *testing.T) {
	candidates := []Candidate{
		{Name: "r1", Healthy: true},
		{Name: "r2", Healthy: true},
		{Name: "r3", Healthy: true},
	}
	_, replicas := Select(candidates, LeastGlobalConnections, 1)
	if len(replicas) != 1 {
		t.Fatalf("expected 1 replica, got %d", len(replicas))
	}
}

func TestReplaceReturnsFalseWhenAtCeiling(t *testing.T) {
	candidates := []Candidate{{Name: "spare", Healthy: true}}
	_, ok := Replace(candidates, LeastGlobalConnections, 2, 2)
	if ok {
		t.Fatal("expected no replacement when already at max replica ceiling")
	}
}

func TestReplacePicksSpare(t *testing.T) {
	candidates := []Candidate{
		{Name: "spare", Healthy: true, CurrentOperations: 1},
		{Name: "busier", Healthy: true, CurrentOperations: 5},
	}
	repl, ok := Replace(candidates, LeastCurrentOperations, 2, 1)
	if !ok || repl.Name != "spare" {
		t.Fatalf("expected spare selected as replacement, got %v ok=%v", repl, ok)
	}
}
