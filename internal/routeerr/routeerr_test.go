package routeerr

import (
	"errors"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(LimitExceeded, "too many requests", nil).WithDetail("scope", "virtual:v1")
	if !Is(err, LimitExceeded) {
		t.Error("Is should match on code")
	}
	if Is(err, UpstreamAuth) {
		t.Error("Is should not match a different code")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := New(UpstreamTransient, "upstream call failed", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through to the wrapped cause")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		ClientRequestInvalid: http.StatusBadRequest,
		NoProviderAvailable:  http.StatusServiceUnavailable,
		UpstreamExhausted:    http.StatusBadGateway,
		LimitExceeded:        http.StatusTooManyRequests,
	}
	for code, want := range cases {
		got := HTTPStatus(New(code, "x", nil))
		if got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestHTTPStatusDefaultsTo500(t *testing.T) {
	if got := HTTPStatus(errors.New("not a routeerr")); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(plain error) = %d, want 500", got)
	}
	if got := HTTPStatus(New(StreamingInterrupted, "x", nil)); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(StreamingInterrupted) = %d, want 500 (unmapped)", got)
	}
}

func TestRecoverableCodes(t *testing.T) {
	for _, code := range []Code{UpstreamTransient, UpstreamAuth, RateLimited} {
		if !Recoverable(New(code, "x", nil)) {
			t.Errorf("%s should be recoverable", code)
		}
	}
	if Recoverable(New(ClientRequestInvalid, "x", nil)) {
		t.Error("ClientRequestInvalid should not be recoverable")
	}
}
