package health

import (
	"testing"
	"time"
)

func TestNewProviderStartsHealthy(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local)
	c := NewController(func() time.Time { return now })
	c.Register("p1", Policy{FailureThreshold: 3, Strategy: Exponential, Base: time.Second, Cap: 60 * time.Second})

	if !c.IsEligible("p1") {
		t.Fatal("new provider should be eligible")
	}
	snap, ok := c.Snapshot("p1")
	if !ok || snap.State != Healthy {
		t.Errorf("state = %v, want Healthy", snap.State)
	}
}

func TestFailuresBelowThresholdDegradeNotCool(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local)
	c := NewController(func() time.Time { return now })
	c.Register("p1", Policy{FailureThreshold: 3, Strategy: Exponential, Base: time.Second, Cap: 60 * time.Second})

	c.ReportFailure("p1", "boom")
	c.ReportFailure("p1", "boom")

	snap, _ := c.Snapshot("p1")
	if snap.State != Degraded {
		t.Errorf("state = %v, want Degraded", snap.State)
	}
	if !c.IsEligible("p1") {
		t.Error("degraded provider should still be eligible")
	}
}

// TestExponentialBackoffGrowth exercises exponential cooldown growth:
// base 1s, cap 60s, threshold 3. The third consecutive failure
// crosses the threshold (exponent 0 -> ~1s). A failure during the
// following probation window re-enters cooling with exponent 1 -> ~2s,
// and the next with exponent 2 -> ~4s.
func TestExponentialBackoffGrowth(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local)
	clk := func() time.Time { return now }
	c := NewController(clk)
	c.Register("p1", Policy{FailureThreshold: 3, Strategy: Exponential, Base: time.Second, Cap: 60 * time.Second})

	c.ReportFailure("p1", "1")
	c.ReportFailure("p1", "2")
	c.ReportFailure("p1", "3")

	snap, _ := c.Snapshot("p1")
	if snap.State != Cooling {
		t.Fatalf("state = %v, want Cooling after 3 failures", snap.State)
	}
	firstDelay := snap.CooldownDeadline.Sub(now)
	if firstDelay != time.Second {
		t.Errorf("first cooldown = %v, want 1s", firstDelay)
	}

	now = snap.CooldownDeadline.Add(time.Millisecond)
	if !c.IsEligible("p1") {
		t.Fatal("provider should be eligible (probation) once deadline passes")
	}
	c.ReportFailure("p1", "4")
	snap, _ = c.Snapshot("p1")
	secondDelay := snap.CooldownDeadline.Sub(now)
	if secondDelay != 2*time.Second {
		t.Errorf("second cooldown = %v, want 2s", secondDelay)
	}

	now = snap.CooldownDeadline.Add(time.Millisecond)
	if !c.IsEligible("p1") {
		t.Fatal("provider should be eligible (probation) once deadline passes")
	}
	c.ReportFailure("p1", "5")
	snap, _ = c.Snapshot("p1")
	thirdDelay := snap.CooldownDeadline.Sub(now)
	if thirdDelay != 4*time.Second {
		t.Errorf("third cooldown = %v, want 4s", thirdDelay)
	}
}

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local)
	c := NewController(func() time.Time { return now })
	c.Register("p1", Policy{FailureThreshold: 1, Strategy: Exponential, Base: time.Second, Cap: 5 * time.Second})

	var lastDelay time.Duration
	for i := 0; i < 10; i++ {
		c.ReportFailure("p1", "x")
		snap, _ := c.Snapshot("p1")
		lastDelay = snap.CooldownDeadline.Sub(now)
		now = snap.CooldownDeadline.Add(time.Millisecond)
		c.IsEligible("p1") // advances out of cooling into probation at the new `now`
	}
	if lastDelay > 5*time.Second {
		t.Errorf("cooldown exceeded cap: %v", lastDelay)
	}
}

func TestCoolingIsExclusiveOfEligibility(t *testing.T) {
	// Testable property: a cooling provider is never eligible until its
	// deadline passes.
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local)
	c := NewController(func() time.Time { return now })
	c.Register("p1", Policy{FailureThreshold: 1, Strategy: Fixed, FixedDuration: 10 * time.Second})

	c.ReportFailure("p1", "boom")
	if c.IsEligible("p1") {
		t.Fatal("provider should not be eligible immediately after entering cooling")
	}
}

func TestRateLimitedHonorsRetryAfterHint(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local)
	c := NewController(func() time.Time { return now })
	c.Register("p1", Policy{FailureThreshold: 3, Strategy: Exponential, Base: time.Second, Cap: 60 * time.Second})

	c.ReportRateLimited("p1", "429", 30*time.Second)
	snap, _ := c.Snapshot("p1")
	if snap.CooldownDeadline.Sub(now) != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s (retry-after hint dominates)", snap.CooldownDeadline.Sub(now))
	}
}

func TestAuthFailureCoolsImmediatelyRegardlessOfThreshold(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local)
	c := NewController(func() time.Time { return now })
	c.Register("p1", Policy{FailureThreshold: 10, Strategy: Fixed, FixedDuration: 30 * time.Second})

	c.ReportAuthFailure("p1", "401")
	snap, _ := c.Snapshot("p1")
	if snap.State != Cooling {
		t.Errorf("state = %v, want Cooling after a single auth failure", snap.State)
	}
}

func TestForceCooldownLeavesFailureCountUntouched(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local)
	c := NewController(func() time.Time { return now })
	c.Register("p1", Policy{FailureThreshold: 3, Strategy: Fixed, FixedDuration: 30 * time.Second})

	c.ForceCooldown("p1", "post-flight hard limit breach")

	snap, _ := c.Snapshot("p1")
	if snap.State != Cooling {
		t.Errorf("state = %v, want Cooling", snap.State)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 (not a health failure)", snap.ConsecutiveFailures)
	}
	if c.IsEligible("p1") {
		t.Error("provider should not be eligible while forced into cooldown")
	}
}

func TestDisableOverridesEligibility(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local)
	c := NewController(func() time.Time { return now })
	c.Register("p1", Policy{FailureThreshold: 3, Strategy: Fixed, FixedDuration: time.Second})

	c.Disable("p1")
	if c.IsEligible("p1") {
		t.Fatal("disabled provider must never be eligible")
	}
	c.ReportSuccess("p1")
	snap, _ := c.Snapshot("p1")
	if snap.State != Disabled {
		t.Errorf("state = %v, a success report must not clear a manual disable", snap.State)
	}

	c.Enable("p1")
	if !c.IsEligible("p1") {
		t.Error("re-enabled provider should be eligible")
	}
}

func TestParseRetryAfterNumericSeconds(t *testing.T) {
	d := ParseRetryAfter("120")
	if d != 120*time.Second {
		t.Errorf("got %v, want 120s", d)
	}
}

func TestParseRetryAfterFallsBackOnGarbage(t *testing.T) {
	d := ParseRetryAfter("not-a-valid-value")
	if d != defaultRetryAfter {
		t.Errorf("got %v, want default %v", d, defaultRetryAfter)
	}
}

func TestParseRetryAfterEmptyIsZero(t *testing.T) {
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("got %v, want 0", d)
	}
}
