package post

import (
	"testing"
	"time"
)

func TestPolicyDoublesUpToCap(t *testing.T) {
	p := Policy{MaxAttempts: 10, Base: time.Minute, Cap: 8 * time.Minute}

	wants := []time.Duration{
		time.Minute,     // attempt 1
		2 * time.Minute, // attempt 2
		4 * time.Minute, // attempt 3
		8 * time.Minute, // attempt 4
		8 * time.Minute, // attempt 5: saturated
	}
	for i, want := range wants {
		attempts := i + 1
		d := p.Next(attempts, KindTransient)
		if d.Action != ActionRetry {
			t.Fatalf("attempt %d: expected retry, got give-up", attempts)
		}
		if d.Delay != want {
			t.Errorf("attempt %d: expected delay %s, got %s", attempts, want, d.Delay)
		}
	}
}

func TestPolicyGivesUpAtMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Base: time.Minute, Cap: time.Hour}

	if d := p.Next(2, KindTransient); d.Action != ActionRetry {
		t.Error("attempt 2 of 3 should retry")
	}
	if d := p.Next(3, KindTransient); d.Action != ActionGiveUp {
		t.Error("attempt 3 of 3 should give up")
	}
	if d := p.Next(4, KindTransient); d.Action != ActionGiveUp {
		t.Error("attempts beyond the maximum should give up")
	}
}

func TestPolicyPermanentGivesUpImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Minute, Cap: time.Hour}

	if d := p.Next(1, KindPermanent); d.Action != ActionGiveUp {
		t.Error("permanent failure on first attempt should give up")
	}
}

func TestPolicyJitterStaysWithinBounds(t *testing.T) {
	p := Policy{MaxAttempts: 10, Base: time.Minute, Cap: time.Hour, Jitter: 0.2}

	lo := time.Duration(float64(2*time.Minute) * 0.8)
	hi := time.Duration(float64(2*time.Minute) * 1.2)
	for i := 0; i < 200; i++ {
		d := p.Next(2, KindTransient)
		if d.Delay < lo || d.Delay > hi {
			t.Fatalf("jittered delay %s outside [%s, %s]", d.Delay, lo, hi)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxAttempts != 5 || p.Base != time.Minute || p.Cap != time.Hour {
		t.Errorf("unexpected defaults: %+v", p)
	}
}
