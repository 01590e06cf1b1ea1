package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	IncCorrelation("distributed_attack_campaign", "high")
	IncCorrelation("distributed_attack_campaign", "high")
	IncExecution("block_ip", "executed")
	SetActiveBlocks("ip", 3)

	if got := testutil.ToFloat64(correlationsTotal.WithLabelValues("distributed_attack_campaign", "high")); got != 2 {
		t.Errorf("correlations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(activeBlocks.WithLabelValues("ip")); got != 3 {
		t.Errorf("active blocks = %v, want 3", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("Gather() returned no metric families")
	}
}
