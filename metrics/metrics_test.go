package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRegisterAndRecordAppend(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := Register(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	c.RecordAppend()
	c.RecordAppend()
	if got := counterValue(t, c.Appends); got != 2 {
		t.Fatalf("expected 2 appends recorded, got %v", got)
	}
}

func TestRecordExpungeSkipsZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := Register(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	c.RecordExpunge("user.jdoe.INBOX", 0)
	c.RecordExpunge("user.jdoe.INBOX", 3)

	var m dto.Metric
	if err := c.Expunges.WithLabelValues("user.jdoe.INBOX").Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected 3 expunges recorded, got %v", got)
	}
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	c.RecordAppend()
	c.RecordExpunge("user.jdoe.INBOX", 5)
	c.RecordCompaction()
	c.RecordQuotaExceeded()
	c.SetQuotaUsed("user.jdoe", 100)
	c.RecordReconstruct()
}

func TestDoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := Register(reg); err == nil {
		t.Fatalf("expected second register on the same registry to fail")
	}
}
