package limiteval

import (
	"testing"

	"github.com/mcowger/simpleroutera/internal/clock"
)

func TestAdmitWhenUnderLimit(t *testing.T) {
	counts := Counts{clock.Minute: {Requests: 3}}
	limits := []Limit{{Window: clock.Minute, Metric: MetricRequests, Threshold: 10, Severity: Hard}}

	d := Evaluate(counts, limits)
	if d.Kind != Admit {
		t.Errorf("Kind = %v, want Admit", d.Kind)
	}
}

func TestHardBreachDenies(t *testing.T) {
	// hard limit of 10 requests/minute, already at 10 -> the 11th is denied.
	counts := Counts{clock.Minute: {Requests: 10}}
	limits := []Limit{{Window: clock.Minute, Metric: MetricRequests, Threshold: 10, Severity: Hard}}

	d := Evaluate(counts, limits)
	if d.Kind != Deny {
		t.Errorf("Kind = %v, want Deny", d.Kind)
	}
	if len(d.Reasons) != 1 {
		t.Errorf("Reasons = %v, want one entry", d.Reasons)
	}
}

func TestSoftBreachWarnsWithoutDenying(t *testing.T) {
	counts := Counts{clock.Minute: {Requests: 10}}
	limits := []Limit{{Window: clock.Minute, Metric: MetricRequests, Threshold: 10, Severity: Soft}}

	d := Evaluate(counts, limits)
	if d.Kind != AdmitWithWarning {
		t.Errorf("Kind = %v, want AdmitWithWarning", d.Kind)
	}
}

func TestHardBreachWinsOverSoft(t *testing.T) {
	counts := Counts{clock.Minute: {Requests: 10}, clock.Day: {Requests: 1000}}
	limits := []Limit{
		{Window: clock.Minute, Metric: MetricRequests, Threshold: 10, Severity: Soft},
		{Window: clock.Day, Metric: MetricRequests, Threshold: 500, Severity: Hard},
	}

	d := Evaluate(counts, limits)
	if d.Kind != Deny {
		t.Errorf("Kind = %v, want Deny", d.Kind)
	}
	if len(d.Reasons) != 2 {
		t.Errorf("Reasons = %v, want two entries (both accumulate)", d.Reasons)
	}
}

func TestTokenLimitsComparedAgainstAccumulatedValueOnly(t *testing.T) {
	// Pre-flight: the pending request's own tokens are unknown, so a token
	// limit is only breached by already-accumulated usage, not by +1 like
	// the requests metric.
	counts := Counts{clock.Day: {InputTokens: 999}}
	limits := []Limit{{Window: clock.Day, Metric: MetricInputTokens, Threshold: 1000, Severity: Hard}}

	d := Evaluate(counts, limits)
	if d.Kind != Admit {
		t.Errorf("Kind = %v, want Admit (999 < 1000, no projection applied)", d.Kind)
	}
}

func TestAbsentLimitIsUnbounded(t *testing.T) {
	counts := Counts{clock.Minute: {Requests: 1_000_000}}
	d := Evaluate(counts, nil)
	if d.Kind != Admit {
		t.Errorf("Kind = %v, want Admit with no limits configured", d.Kind)
	}
}
