package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAdjudicatorMetrics(t *testing.T) {
	m := Adjudicator()
	reverts := m.reverts.WithLabelValues("setState", "unknown")
	before := testutil.ToFloat64(reverts)
	m.ObserveRevert("setState", "")
	if got := testutil.ToFloat64(reverts); got != before+1 {
		t.Fatalf("revert count %v, want %v", got, before+1)
	}

	m.SetHeight(42)
	if got := testutil.ToFloat64(m.height); got != 42 {
		t.Fatalf("height gauge %v", got)
	}
}

func TestClientMetrics(t *testing.T) {
	m := Client()
	m.SetNonce("0xabc", 7)
	if got := testutil.ToFloat64(m.nonce.WithLabelValues("0xabc")); got != 7 {
		t.Fatalf("nonce gauge %v", got)
	}
	escalations := m.escalations.WithLabelValues("hub_timeout")
	before := testutil.ToFloat64(escalations)
	m.ObserveEscalation("hub_timeout")
	if got := testutil.ToFloat64(escalations); got != before+1 {
		t.Fatalf("escalation count %v, want %v", got, before+1)
	}

	var nilMetrics *ClientMetrics
	nilMetrics.ObserveEscalation("manual")
}
