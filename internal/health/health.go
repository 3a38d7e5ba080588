// Package health implements the per-provider health and cooldown state
// machine: healthy/degraded/cooling/disabled, with fixed or exponential
// cooldown policies and probation re-entry on cooldown expiry.
package health

import (
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is one of the four health states a provider can occupy.
type State int

const (
	Healthy State = iota
	Degraded
	Cooling
	Disabled
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Cooling:
		return "cooling"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// StrategyKind selects how a cooldown deadline is computed.
type StrategyKind int

const (
	Fixed StrategyKind = iota
	Exponential
)

// Policy is a provider's configured cooldown behavior.
type Policy struct {
	FailureThreshold int
	Strategy         StrategyKind
	FixedDuration    time.Duration // used when Strategy == Fixed
	Base             time.Duration // used when Strategy == Exponential
	Cap              time.Duration // used when Strategy == Exponential
}

const defaultRetryAfter = 60 * time.Second

// Record is one provider's current health state. Callers never construct
// this directly; it is created via Controller.Register.
type Record struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	cooldownDeadline    time.Time
	lastProbe           time.Time
	lastError           string
	probation           bool
	policy              Policy
}

// Snapshot is a read-only copy of a Record for display/audit purposes.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	CooldownDeadline    time.Time
	LastProbe           time.Time
	LastError           string
}

// Controller owns one Record per provider, each independently locked.
type Controller struct {
	now func() time.Time

	mu       sync.RWMutex
	records  map[string]*Record
}

// NewController creates a Controller. now defaults to time.Now if nil.
func NewController(now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{now: now, records: make(map[string]*Record)}
}

// Register creates a Record for providerID with the given policy. Calling
// Register again for an existing id replaces its policy but preserves
// state, so health records persist across configuration updates to the
// same provider.
func (c *Controller) Register(providerID string, policy Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.records[providerID]; ok {
		r.mu.Lock()
		r.policy = policy
		r.mu.Unlock()
		return
	}
	c.records[providerID] = &Record{state: Healthy, policy: policy}
}

// Forget discards providerID's health record. Callers must ensure no
// in-flight request still holds a reference before calling this.
func (c *Controller) Forget(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, providerID)
}

func (c *Controller) get(providerID string) *Record {
	c.mu.RLock()
	r := c.records[providerID]
	c.mu.RUnlock()
	return r
}

// cooldownDeadlineFor computes the deadline for the Nth cooldown entry
// (exponent = consecutiveFailures - threshold, floored at 0), driving the
// doubling sequence through backoff.ExponentialBackOff rather than hand
// rolling the exponent math.
func cooldownDeadlineFor(now time.Time, p Policy, consecutiveFailures int) time.Time {
	if p.Strategy == Fixed {
		return now.Add(p.FixedDuration)
	}

	exponent := consecutiveFailures - p.FailureThreshold
	if exponent < 0 {
		exponent = 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	var d time.Duration
	for i := 0; i <= exponent; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		d = next
	}
	if d > p.Cap {
		d = p.Cap
	}
	return now.Add(d)
}

// ReportSuccess clears failure state. If the provider was cooling or
// degraded, it is promoted to healthy.
func (c *Controller) ReportSuccess(providerID string) {
	r := c.get(providerID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
	r.probation = false
	if r.state != Disabled {
		r.state = Healthy
	}
}

// ReportFailure records a failure. Crossing the failure threshold enters
// cooling with a deadline computed by the provider's policy. A failure
// that occurs during probation (the first failure after cooldown expiry)
// re-enters cooling immediately, retaining the accumulated failure count
// so the backoff continues growing.
func (c *Controller) ReportFailure(providerID, reason string) {
	r := c.get(providerID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disabled {
		return
	}

	r.lastError = reason
	r.consecutiveFailures++

	if r.probation {
		r.probation = false
		r.state = Cooling
		r.cooldownDeadline = cooldownDeadlineFor(c.now(), r.policy, r.consecutiveFailures)
		return
	}

	if r.state == Cooling {
		// Per the state table: a failure below the threshold while already
		// cooling is ignored; at or above it, the deadline is extended per
		// the policy (never moved earlier).
		if r.consecutiveFailures >= r.policy.FailureThreshold {
			if d := cooldownDeadlineFor(c.now(), r.policy, r.consecutiveFailures); d.After(r.cooldownDeadline) {
				r.cooldownDeadline = d
			}
		}
		return
	}

	if r.consecutiveFailures >= r.policy.FailureThreshold {
		r.state = Cooling
		r.cooldownDeadline = cooldownDeadlineFor(c.now(), r.policy, r.consecutiveFailures)
		return
	}
	r.state = Degraded
}

// ReportAuthFailure handles an UpstreamAuth error (401/403): treated as a
// transient failure plus an immediate cooling transition regardless of
// the configured failure threshold, since authentication failures are
// unlikely to self-repair.
func (c *Controller) ReportAuthFailure(providerID, reason string) {
	r := c.get(providerID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disabled {
		return
	}
	r.lastError = reason
	r.consecutiveFailures++
	r.probation = false
	r.state = Cooling
	r.cooldownDeadline = cooldownDeadlineFor(c.now(), r.policy, r.consecutiveFailures)
}

// ReportRateLimited handles an upstream 429: forces cooling using the
// configured cooldown strategy, but the deadline is bumped to at least
// retryAfter (a Retry-After hint) if that is later.
func (c *Controller) ReportRateLimited(providerID, reason string, retryAfter time.Duration) {
	r := c.get(providerID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disabled {
		return
	}
	r.lastError = reason
	r.consecutiveFailures++
	r.probation = false

	deadline := cooldownDeadlineFor(c.now(), r.policy, r.consecutiveFailures)
	if retryAfter > 0 {
		viaHint := c.now().Add(retryAfter)
		if viaHint.After(deadline) {
			deadline = viaHint
		}
	}
	r.state = Cooling
	r.cooldownDeadline = deadline
}

// ForceCooldown transitions providerID directly into cooling using its
// configured cooldown policy, independent of the failure-threshold state
// machine. Used for a post-flight hard token-limit breach: the completed
// request is not rolled back, but the provider is pulled out of rotation
// immediately. The consecutive-failure count is left untouched since this
// is a limit condition, not a health failure.
func (c *Controller) ForceCooldown(providerID, reason string) {
	r := c.get(providerID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disabled {
		return
	}
	r.lastError = reason
	r.probation = false
	r.state = Cooling
	r.cooldownDeadline = cooldownDeadlineFor(c.now(), r.policy, r.consecutiveFailures)
}

// Probe records the outcome of an out-of-band liveness probe. It is
// equivalent to a success/failure event for state purposes but does not
// touch usage counters (the caller owns those separately).
func (c *Controller) Probe(providerID string, ok bool, detail string) {
	r := c.get(providerID)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.lastProbe = c.now()
	r.mu.Unlock()

	if ok {
		c.ReportSuccess(providerID)
	} else {
		c.ReportFailure(providerID, detail)
	}
}

// Disable manually transitions providerID to disabled. Only Enable clears
// it: success reports are ignored, and a repeated Register for the same id
// keeps the disabled state.
func (c *Controller) Disable(providerID string) {
	r := c.get(providerID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Disabled
}

// Enable clears a manual disable, returning the provider to healthy.
func (c *Controller) Enable(providerID string) {
	r := c.get(providerID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Healthy
	r.consecutiveFailures = 0
	r.probation = false
}

// IsEligible reports whether providerID may currently be selected: state
// is healthy or degraded, or state is cooling and the deadline has
// passed (in which case it transitions to healthy/probation as a side
// effect).
func (c *Controller) IsEligible(providerID string) bool {
	r := c.get(providerID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Cooling {
		if c.now().Before(r.cooldownDeadline) {
			return false
		}
		r.state = Healthy
		r.probation = true
	}
	return r.state == Healthy || r.state == Degraded
}

// Snapshot returns a read-only copy of providerID's current record.
func (c *Controller) Snapshot(providerID string) (Snapshot, bool) {
	r := c.get(providerID)
	if r == nil {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		State:               r.state,
		ConsecutiveFailures: r.consecutiveFailures,
		CooldownDeadline:    r.cooldownDeadline,
		LastError:           r.lastError,
		LastProbe:           r.lastProbe,
	}, true
}

// CooldownUntil returns the cooldown deadline for sort-based candidate
// ordering. Zero time if the provider is not currently cooling.
func (c *Controller) CooldownUntil(providerID string) time.Time {
	r := c.get(providerID)
	if r == nil {
		return time.Time{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Cooling {
		return time.Time{}
	}
	return r.cooldownDeadline
}

// ParseRetryAfter parses an HTTP Retry-After header value (seconds, or an
// HTTP-date) into a duration. An absent (empty) value yields 0; an
// unparseable value, or a date already in the past, yields a default.
func ParseRetryAfter(headerValue string) time.Duration {
	if headerValue == "" {
		return 0
	}
	if n, err := strconv.Atoi(headerValue); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, headerValue); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return defaultRetryAfter
	}
	return defaultRetryAfter
}
