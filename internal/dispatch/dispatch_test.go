package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcowger/simpleroutera/internal/clock"
	"github.com/mcowger/simpleroutera/internal/counterstore"
	"github.com/mcowger/simpleroutera/internal/health"
	"github.com/mcowger/simpleroutera/internal/limiteval"
	"github.com/mcowger/simpleroutera/internal/registry"
	"github.com/mcowger/simpleroutera/internal/routeerr"
	"github.com/mcowger/simpleroutera/internal/routing"
)

func newHarness(t *testing.T) (*Dispatcher, *registry.Registry, *counterstore.Store, *health.Controller) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local))
	cs := counterstore.New(fc)
	hc := health.NewController(fc.Now)
	reg := registry.New()
	router := routing.New(cs, hc, 128)
	d := New(reg, router, cs, hc, nil)
	return d, reg, cs, hc
}

func TestDispatchUnarySuccessRecordsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"x","usage":{"prompt_tokens":10,"completion_tokens":20}}`))
	}))
	defer server.Close()

	d, reg, cs, hc := newHarness(t)
	hc.Register("a", health.Policy{FailureThreshold: 3, Strategy: health.Fixed, FixedDuration: time.Minute})
	reg.Swap(map[string]registry.Provider{
		"a": {ID: "a", Enabled: true, BaseURL: server.URL, Cost: registry.CostCatalog{PricePerMillionInput: 1_000_000, PricePerMillionOutput: 2_000_000}},
	}, nil)

	res, err := d.Dispatch(context.Background(), Request{ExplicitProviderID: "a", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", res.Status)
	}

	snap := cs.Snapshot("a")
	if snap[clock.Minute].Requests != 1 || snap[clock.Minute].InputTokens != 10 || snap[clock.Minute].OutputTokens != 20 {
		t.Errorf("counters = %+v, want requests=1 input=10 output=20", snap[clock.Minute])
	}
}

// TestDispatchFailsOverOnServerError: the first candidate errors and its
// scope records one error; the second succeeds and its scope is credited
// with the request.
func TestDispatchFailsOverOnServerError(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer good.Close()

	d, reg, cs, hc := newHarness(t)
	hc.Register("a", health.Policy{FailureThreshold: 3, Strategy: health.Fixed, FixedDuration: time.Minute})
	hc.Register("b", health.Policy{FailureThreshold: 3, Strategy: health.Fixed, FixedDuration: time.Minute})
	reg.Swap(map[string]registry.Provider{
		"a": {ID: "a", Enabled: true, BaseURL: bad.URL},
		"b": {ID: "b", Enabled: true, BaseURL: good.URL},
	}, map[string]registry.VirtualProvider{
		"v": {ID: "v", Members: []registry.Member{{ProviderID: "a", Priority: 1}, {ProviderID: "b", Priority: 2}}},
	})

	res, err := d.Dispatch(context.Background(), Request{Model: "v", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", res.Status)
	}

	aSnap := cs.Snapshot("a")
	if aSnap[clock.Minute].Errors != 1 {
		t.Errorf("a errors = %d, want 1", aSnap[clock.Minute].Errors)
	}
	bSnap := cs.Snapshot("b")
	if bSnap[clock.Minute].Requests != 1 {
		t.Errorf("b requests = %d, want 1", bSnap[clock.Minute].Requests)
	}
}

func TestDispatchReturnsUpstreamExhaustedWhenAllCandidatesFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	d, reg, _, hc := newHarness(t)
	hc.Register("a", health.Policy{FailureThreshold: 3, Strategy: health.Fixed, FixedDuration: time.Minute})
	reg.Swap(map[string]registry.Provider{
		"a": {ID: "a", Enabled: true, BaseURL: bad.URL},
	}, nil)

	_, err := d.Dispatch(context.Background(), Request{ExplicitProviderID: "a", Body: []byte(`{}`)})
	if !routeerr.Is(err, routeerr.UpstreamExhausted) {
		t.Errorf("err = %v, want UpstreamExhausted", err)
	}
}

// TestPostFlightHardTokenLimitForcesCooldown: a single request's output
// tokens are only known once the upstream call returns, so a hard
// total-tokens limit can only be enforced after that request has already
// gone through. The request itself succeeds, but the provider is pulled
// into cooling immediately afterward so the next request fails over.
func TestPostFlightHardTokenLimitForcesCooldown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":{"prompt_tokens":50,"completion_tokens":100}}`))
	}))
	defer server.Close()

	d, reg, cs, hc := newHarness(t)
	hc.Register("a", health.Policy{FailureThreshold: 3, Strategy: health.Fixed, FixedDuration: time.Minute})
	reg.Swap(map[string]registry.Provider{
		"a": {
			ID: "a", Enabled: true, BaseURL: server.URL,
			Limits: []limiteval.Limit{
				{Window: clock.Minute, Metric: limiteval.MetricTotalTokens, Threshold: 100, Severity: limiteval.Hard},
			},
		},
	}, nil)

	res, err := d.Dispatch(context.Background(), Request{ExplicitProviderID: "a", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("status = %d, want 200 (the in-flight request is not rolled back)", res.Status)
	}

	snap := cs.Snapshot("a")
	if snap[clock.Minute].InputTokens != 50 || snap[clock.Minute].OutputTokens != 100 {
		t.Fatalf("counters = %+v, want input=50 output=100", snap[clock.Minute])
	}

	if hSnap, ok := hc.Snapshot("a"); !ok || hSnap.State != health.Cooling {
		t.Errorf("state after post-flight breach = %+v, want Cooling", hSnap)
	}

	if hc.IsEligible("a") {
		t.Error("provider still eligible after a post-flight hard breach")
	}
}

// TestStreamingCommitsAfterHeaders: once a streaming candidate's headers
// are committed, usage attribution happens on Close, not before, and
// only against that one candidate's scopes.
func TestStreamingCommitsAfterHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	d, reg, cs, hc := newHarness(t)
	hc.Register("a", health.Policy{FailureThreshold: 3, Strategy: health.Fixed, FixedDuration: time.Minute})
	reg.Swap(map[string]registry.Provider{
		"a": {ID: "a", Enabled: true, BaseURL: server.URL},
	}, nil)

	res, err := d.Dispatch(context.Background(), Request{ExplicitProviderID: "a", Body: []byte(`{}`), Streaming: true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.IsStream {
		t.Fatal("expected a streaming result")
	}

	// Before the body is drained, no usage should be attributed yet.
	if snap := cs.Snapshot("a"); snap[clock.Minute].Requests != 0 {
		t.Errorf("requests before drain = %d, want 0", snap[clock.Minute].Requests)
	}

	io.ReadAll(res.Body)
	res.Body.Close()

	snap := cs.Snapshot("a")
	if snap[clock.Minute].Requests != 1 {
		t.Errorf("requests after drain = %d, want 1", snap[clock.Minute].Requests)
	}
}
