package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // must not panic on duplicate registration
	if DispatchCycles == nil || QueueDepthGauge == nil {
		t.Fatal("metrics not initialized")
	}
	SetQueueDepth(3)
	DispatchCycles.Inc()
}

func TestTimeFunc(t *testing.T) {
	Init()
	d := TimeFunc(PublishDuration, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Fatalf("measured %v, want >= 5ms", d)
	}
	// nil observer is tolerated
	if d := TimeFunc(nil, func() {}); d < 0 {
		t.Fatal("negative duration")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Fatalf("expected empty correlation, got %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Fatalf("correlation = %q", got)
	}
	if l := LoggerWithCorr(ctx); l == nil {
		t.Fatal("nil logger")
	}
}
