// Package dispatch drives one inbound chat-completion request end to
// end: obtaining a routing plan, trying candidates in order, forwarding
// unary or streaming responses, and attributing usage to every scope a
// successful (or failed) attempt owns.
package dispatch

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mcowger/simpleroutera/internal/counterstore"
	"github.com/mcowger/simpleroutera/internal/health"
	"github.com/mcowger/simpleroutera/internal/limiteval"
	"github.com/mcowger/simpleroutera/internal/provider"
	"github.com/mcowger/simpleroutera/internal/registry"
	"github.com/mcowger/simpleroutera/internal/routeerr"
	"github.com/mcowger/simpleroutera/internal/routing"
)

// Request is one inbound chat-completion call, already parsed far enough
// to know its routing selector and whether streaming was requested.
type Request struct {
	ExplicitProviderID string
	Model              string
	Body               []byte
	Streaming          bool
	BearerToken        string // captured for audit only, never validated
}

// Result is what the Dispatcher hands back to the HTTP layer.
type Result struct {
	DispatchID string
	Status     int
	Headers    map[string]string
	Body       io.ReadCloser
	IsStream   bool
}

// Dispatcher owns the live collaborators a request needs: the Registry
// for a coherent snapshot, the Router for candidate resolution, the
// Counter Store for usage attribution, and the Health Controller for
// reporting attempt outcomes.
type Dispatcher struct {
	Registry *registry.Registry
	Router   *routing.Router
	Counters *counterstore.Store
	Health   *health.Controller
	Client   *http.Client
	Log      zerolog.Logger
}

// New builds a Dispatcher. A nil client gets a package default. Use the
// Log field directly to attach a configured logger; it defaults to a
// no-op logger.
func New(reg *registry.Registry, router *routing.Router, counters *counterstore.Store, healthCtl *health.Controller, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{Registry: reg, Router: router, Counters: counters, Health: healthCtl, Client: client, Log: zerolog.Nop()}
}

func (d *Dispatcher) adapterFor(p registry.Provider) provider.Adapter {
	switch p.Kind {
	case registry.KindLocal:
		timeout, _ := time.ParseDuration(p.ProcessTimeout)
		return provider.NewLocalAdapter(p.Executable, p.Args, p.WorkingDir, timeout, p.MaxConcurrent)
	default:
		a := provider.NewHTTPAdapter(p.BaseURL, p.AuthHeader)
		a.Client = d.Client
		a.Log = d.Log
		return a
	}
}

// attemptTimeout resolves the per-attempt deadline for p: RequestTimeout
// for an HTTP provider, ProcessTimeout for a local one. An unset or
// unparseable value means no deadline beyond the caller's own context.
func attemptTimeout(p registry.Provider) time.Duration {
	raw := p.RequestTimeout
	if p.Kind == registry.KindLocal {
		raw = p.ProcessTimeout
	}
	d, _ := time.ParseDuration(raw)
	return d
}

// Dispatch drives req to completion, trying routing plan candidates in
// order until one succeeds, the plan is exhausted, or (for streaming) a
// candidate's response is locked in after its headers are committed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	dispatchID := uuid.NewString()
	snap := d.Registry.Snapshot()

	plan, err := d.Router.Route(snap, routing.Request{ExplicitProviderID: req.ExplicitProviderID, Model: req.Model})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, cand := range plan.Candidates {
		p, ok := snap.Providers[cand.ProviderID]
		if !ok {
			continue
		}
		if !d.eligible(snap, cand.ProviderID, cand.ScopeIDs) {
			// Re-checked here rather than trusting the routing plan: state
			// (health, limits) can change between Route and this attempt,
			// since earlier candidates in this same loop can push counters
			// or cooldowns past a threshold.
			continue
		}
		adapter := d.adapterFor(p)
		outReq := provider.Request{
			Path:    "/v1/chat/completions",
			Method:  http.MethodPost,
			Headers: p.ExtraHeaders,
			Body:    req.Body,
		}

		attemptCtx := ctx
		cancel := func() {}
		if timeout := attemptTimeout(p); timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		resp, sendErr := adapter.Send(attemptCtx, outReq)
		if sendErr != nil {
			cancel()
			d.recordFailure(cand.ScopeIDs)
			d.Health.ReportFailure(cand.ProviderID, "transport error")
			d.Log.Warn().
				Str("dispatch_id", dispatchID).
				Str("provider_id", cand.ProviderID).
				Err(sendErr).
				Msg("upstream call failed")
			lastErr = routeerr.New(routeerr.UpstreamTransient, "upstream call failed", sendErr)
			continue
		}

		code := classify(resp.Status)
		switch code {
		case "":
			if resp.IsStream {
				// The attempt's deadline must outlive this call: the stream
				// is still being read by the client long after Dispatch
				// returns. commitStream releases it when the stream closes.
				return d.commitStream(dispatchID, snap, cand, p, resp, cancel), nil
			}
			cancel()
			d.recordSuccess(cand.ScopeIDs, p, resp.InputTokens, resp.OutputTokens)
			d.checkPostFlightLimits(snap, cand.ProviderID, cand.ScopeIDs)
			return &Result{
				DispatchID: dispatchID,
				Status:     resp.Status,
				Headers:    resp.Headers,
				Body:       resp.Body,
				IsStream:   false,
			}, nil

		case routeerr.ClientRequestInvalid:
			cancel()
			closeFailedAttempt(resp)
			return nil, routeerr.New(routeerr.ClientRequestInvalid, "upstream rejected the request", nil).
				WithDetail("status", resp.Status)

		case routeerr.UpstreamAuth:
			cancel()
			closeFailedAttempt(resp)
			d.recordFailure(cand.ScopeIDs)
			d.Health.ReportAuthFailure(cand.ProviderID, "upstream authentication failure")
			d.Log.Warn().
				Str("dispatch_id", dispatchID).
				Str("provider_id", cand.ProviderID).
				Int("status", resp.Status).
				Msg("upstream authentication failure, forcing cooldown")
			lastErr = routeerr.New(routeerr.UpstreamAuth, "upstream authentication failure", nil).WithDetail("status", resp.Status)

		case routeerr.RateLimited:
			cancel()
			closeFailedAttempt(resp)
			retryAfter := health.ParseRetryAfter(resp.Headers["retry-after"])
			d.recordFailure(cand.ScopeIDs)
			d.Health.ReportRateLimited(cand.ProviderID, "upstream rate limited", retryAfter)
			d.Log.Warn().
				Str("dispatch_id", dispatchID).
				Str("provider_id", cand.ProviderID).
				Int("status", resp.Status).
				Dur("retry_after", retryAfter).
				Msg("upstream rate limited")
			lastErr = routeerr.New(routeerr.RateLimited, "upstream rate limited", nil).WithDetail("status", resp.Status)

		case routeerr.UpstreamTransient:
			cancel()
			closeFailedAttempt(resp)
			d.recordFailure(cand.ScopeIDs)
			d.Health.ReportFailure(cand.ProviderID, "upstream server error")
			d.Log.Warn().
				Str("dispatch_id", dispatchID).
				Str("provider_id", cand.ProviderID).
				Int("status", resp.Status).
				Msg("upstream server error")
			lastErr = routeerr.New(routeerr.UpstreamTransient, "upstream server error", nil).WithDetail("status", resp.Status)
		}
	}

	d.Log.Error().
		Str("dispatch_id", dispatchID).
		Int("candidates_tried", len(plan.Candidates)).
		Err(lastErr).
		Msg("upstream exhausted")
	if lastErr != nil {
		return nil, routeerr.New(routeerr.UpstreamExhausted, "all candidates failed", lastErr)
	}
	return nil, routeerr.New(routeerr.UpstreamExhausted, "all candidates failed", nil)
}

// closeFailedAttempt releases resp.Body on every non-success branch. For
// a streaming response this matters: a non-2xx status still carrying an
// event-stream content-type leaves the adapter's background extraction
// goroutine writing into an io.Pipe nobody will ever read, unless the
// reader end is closed here to unblock and terminate it.
func closeFailedAttempt(resp *provider.Response) {
	if resp.Body != nil {
		resp.Body.Close()
	}
}

// classify maps an upstream HTTP status to the recoverable-failure code
// it represents. "" means success.
func classify(status int) routeerr.Code {
	switch {
	case status >= 200 && status < 400:
		return ""
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return routeerr.UpstreamAuth
	case status == http.StatusTooManyRequests:
		return routeerr.RateLimited
	case status >= 500:
		return routeerr.UpstreamTransient
	default:
		return routeerr.ClientRequestInvalid
	}
}

func (d *Dispatcher) recordSuccess(scopeIDs []string, p registry.Provider, inputTokens, outputTokens int64) {
	cost := (float64(inputTokens)*p.Cost.PricePerMillionInput + float64(outputTokens)*p.Cost.PricePerMillionOutput) / 1_000_000
	delta := counterstore.Delta{Requests: 1, InputTokens: inputTokens, OutputTokens: outputTokens, Cost: cost}
	for _, scopeID := range scopeIDs {
		d.Counters.Record(scopeID, delta)
	}
	d.Health.ReportSuccess(p.ID)
}

func (d *Dispatcher) recordFailure(scopeIDs []string) {
	delta := counterstore.Delta{Requests: 1, Errors: 1}
	for _, scopeID := range scopeIDs {
		d.Counters.Record(scopeID, delta)
	}
}

// checkPostFlightLimits re-evaluates every scope cand credited now that
// the completed request's token usage is reflected in the Counter Store.
// A hard breach discovered here does not roll back the request that just
// completed; it only forces providerID into cooling so no further attempt
// is routed to it until the breach clears or the cooldown expires. This
// is the post-flight half of the Limit Evaluator's pre-flight/post-flight
// split: token and cost limits cannot be enforced before the upstream
// call returns, since the request's own token count is unknown until then.
func (d *Dispatcher) checkPostFlightLimits(snap *registry.Snapshot, providerID string, scopeIDs []string) {
	for _, scopeID := range scopeIDs {
		limits := snap.LimitsForScope(scopeID)
		if len(limits) == 0 {
			continue
		}
		counts := toLimitCounts(d.Counters.Snapshot(scopeID))
		if limiteval.Evaluate(counts, limits).Kind == limiteval.Deny {
			d.Health.ForceCooldown(providerID, "post-flight hard limit breach on scope "+scopeID)
			return
		}
	}
}

// eligible re-runs the Router's own health/limit check immediately before
// an attempt, since the Registry snapshot and Counter Store can move
// between when the plan was built and when a given candidate's turn comes
// up in this loop.
func (d *Dispatcher) eligible(snap *registry.Snapshot, providerID string, scopeIDs []string) bool {
	if !d.Health.IsEligible(providerID) {
		return false
	}
	for _, scopeID := range scopeIDs {
		limits := snap.LimitsForScope(scopeID)
		if len(limits) == 0 {
			continue
		}
		counts := toLimitCounts(d.Counters.Snapshot(scopeID))
		if limiteval.Evaluate(counts, limits).Kind == limiteval.Deny {
			return false
		}
	}
	return true
}

func toLimitCounts(snap counterstore.Snapshot) limiteval.Counts {
	out := make(limiteval.Counts, len(snap))
	for w, b := range snap {
		out[w] = limiteval.WindowCounts{Requests: b.Requests, InputTokens: b.InputTokens, OutputTokens: b.OutputTokens}
	}
	return out
}

// commitStream locks in cand: no further failover happens for this
// request once this is called. The returned Result's Body finalizes
// usage attribution and health reporting exactly once, when the caller
// closes it (either on clean EOF or on disconnect). cancel releases the
// per-attempt timeout context, which must stay alive for the whole
// stream rather than being canceled when this function returns.
func (d *Dispatcher) commitStream(dispatchID string, snap *registry.Snapshot, cand routing.Candidate, p registry.Provider, resp *provider.Response, cancel context.CancelFunc) *Result {
	sb := &streamBody{ReadCloser: resp.Body, cancel: cancel}
	sb.onClose = func(readErr error) {
		inputTokens := resp.Usage.InputTokens.Load()
		outputTokens := resp.Usage.OutputTokens.Load()
		cost := (float64(inputTokens)*p.Cost.PricePerMillionInput + float64(outputTokens)*p.Cost.PricePerMillionOutput) / 1_000_000

		delta := counterstore.Delta{Requests: 1, InputTokens: inputTokens, OutputTokens: outputTokens, Cost: cost}
		if readErr != nil {
			delta.Errors = 1
		}
		for _, scopeID := range cand.ScopeIDs {
			d.Counters.Record(scopeID, delta)
		}

		if readErr != nil {
			d.Health.ReportFailure(p.ID, "stream interrupted mid-flight")
			d.Log.Warn().
				Str("dispatch_id", dispatchID).
				Str("provider_id", p.ID).
				Err(readErr).
				Msg("stream interrupted mid-flight, no failover possible")
		} else {
			d.Health.ReportSuccess(p.ID)
			d.checkPostFlightLimits(snap, cand.ProviderID, cand.ScopeIDs)
		}
	}

	return &Result{
		DispatchID: dispatchID,
		Status:     resp.Status,
		Headers:    resp.Headers,
		Body:       sb,
		IsStream:   true,
	}
}

// streamBody wraps a streaming response body so Close triggers usage
// attribution and health reporting exactly once, capturing whether the
// stream ended cleanly or via a read error (client disconnect or upstream
// drop mid-flight).
type streamBody struct {
	io.ReadCloser
	once    sync.Once
	onClose func(readErr error)
	lastErr error
	cancel  context.CancelFunc
}

func (s *streamBody) Read(p []byte) (int, error) {
	n, err := s.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		s.lastErr = err
	}
	return n, err
}

func (s *streamBody) Close() error {
	s.once.Do(func() {
		s.onClose(s.lastErr)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return s.ReadCloser.Close()
}
