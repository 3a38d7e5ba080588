// Package limiteval decides whether a scope may take another request given
// its current counters and its configured limits. It is a pure function:
// no I/O, no locking, no clock access beyond what the caller already
// resolved into counter values.
package limiteval

import (
	"fmt"

	"github.com/mcowger/simpleroutera/internal/clock"
)

// Metric is a countable quantity a Limit can bound.
type Metric string

const (
	MetricRequests     Metric = "requests"
	MetricInputTokens  Metric = "input-tokens"
	MetricOutputTokens Metric = "output-tokens"
	MetricTotalTokens  Metric = "total-tokens"
)

// Severity controls what a breach does: hard denies, soft only warns.
type Severity string

const (
	Hard Severity = "hard"
	Soft Severity = "soft"
)

// Limit is one (window, metric, threshold, severity) rule attached to a
// scope. The owning scope id is not carried here; callers evaluate one
// scope's limit set at a time.
type Limit struct {
	Window    clock.Window
	Metric    Metric
	Threshold int64
	Severity  Severity
}

// WindowCounts is the subset of a counter bucket the evaluator needs.
type WindowCounts struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
}

// Counts is a scope's current counters, one entry per window.
type Counts map[clock.Window]WindowCounts

// Kind is the evaluator's verdict.
type Kind int

const (
	Admit Kind = iota
	AdmitWithWarning
	Deny
)

// Decision is the result of evaluating one scope's limit set.
type Decision struct {
	Kind    Kind
	Reasons []string
}

func (m Metric) value(c WindowCounts, projectedRequests bool) int64 {
	switch m {
	case MetricRequests:
		if projectedRequests {
			return c.Requests + 1
		}
		return c.Requests
	case MetricInputTokens:
		return c.InputTokens
	case MetricOutputTokens:
		return c.OutputTokens
	case MetricTotalTokens:
		return c.InputTokens + c.OutputTokens
	default:
		return 0
	}
}

// Evaluate reports admit / admit-with-warning / deny for a scope given its
// current counts and limit set.
//
// Pre-flight evaluation only has the projected post-request value for the
// requests metric (+1); token and cost-derived metrics are compared against
// their already-accumulated value, since the current request's own token
// usage is not known until the upstream call returns. Token limits on the
// request in flight are enforced post-flight by the caller transitioning
// the provider into cooling, not by this function — see the Health
// Controller.
func Evaluate(counts Counts, limits []Limit) Decision {
	var reasons []string
	hardBreach := false

	for _, l := range limits {
		c := counts[l.Window]
		projectRequests := l.Metric == MetricRequests
		v := l.Metric.value(c, projectRequests)

		// The requests metric is projected (c.Requests+1: this request would
		// be the v-th), so it only breaches once v exceeds the threshold —
		// the v-th request itself is still allowed. Token metrics compare the
		// already-accumulated value, with no in-flight request folded in, so
		// they breach as soon as they reach the threshold.
		breached := v >= l.Threshold
		if projectRequests {
			breached = v > l.Threshold
		}
		if !breached {
			continue
		}

		reason := fmt.Sprintf("%s limit breached: window=%s metric=%s value=%d threshold=%d",
			l.Severity, l.Window, l.Metric, v, l.Threshold)
		reasons = append(reasons, reason)

		if l.Severity == Hard {
			hardBreach = true
		}
	}

	if hardBreach {
		return Decision{Kind: Deny, Reasons: reasons}
	}
	if len(reasons) > 0 {
		return Decision{Kind: AdmitWithWarning, Reasons: reasons}
	}
	return Decision{Kind: Admit}
}
