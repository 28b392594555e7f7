package engine

import "testing"

func TestQualityPredictionEmpty(t *testing.T) {
	q := NewQualityPrediction()
	snap := q.Snapshot()
	if snap.P2PPossible || snap.P2PLikely || snap.HasRelay || snap.NetworkIssue {
		t.Fatalf("empty prediction should be all-false, got %+v", snap)
	}
}

func TestQualityPredictionHostOnly(t *testing.T) {
	q := NewQualityPrediction()
	q.Observe(CandidateHost)
	snap := q.Snapshot()
	if !snap.P2PPossible {
		t.Error("host candidate should mark P2PPossible")
	}
	if snap.P2PLikely {
		t.Error("host-only should not mark P2PLikely (needs srflx/prflx)")
	}
}

func TestQualityPredictionSrflx(t *testing.T) {
	q := NewQualityPrediction()
	q.Observe(CandidateSrflx)
	snap := q.Snapshot()
	if !snap.P2PPossible || !snap.P2PLikely {
		t.Errorf("srflx should mark both possible and likely, got %+v", snap)
	}
}

func TestQualityPredictionRelayOnly(t *testing.T) {
	q := NewQualityPrediction()
	q.Observe(CandidateRelay)
	if !q.OnlyRelayCandidates() {
		t.Error("relay-only gathering should report OnlyRelayCandidates")
	}
	snap := q.Snapshot()
	if snap.P2PPossible {
		t.Error("relay-only should not mark P2PPossible")
	}
	if !snap.HasRelay {
		t.Error("relay candidate should mark HasRelay")
	}
}

func TestQualityPredictionNetworkIssue(t *testing.T) {
	q := NewQualityPrediction()
	q.MarkGatheringComplete()
	if !q.Snapshot().NetworkIssue {
		t.Error("gathering complete with zero candidates should mark NetworkIssue")
	}

	q2 := NewQualityPrediction()
	q2.Observe(CandidateHost)
	q2.MarkGatheringComplete()
	if q2.Snapshot().NetworkIssue {
		t.Error("gathering complete with a candidate should not mark NetworkIssue")
	}
}
