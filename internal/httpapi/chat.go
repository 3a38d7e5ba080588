package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mcowger/simpleroutera/internal/dispatch"
	"github.com/mcowger/simpleroutera/internal/routeerr"
)

// chatCompletionRequest is only parsed far enough to learn the routing
// selector and whether the caller wants a stream; the body is otherwise
// forwarded unmodified, per the vendor-neutral wire contract.
type chatCompletionRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// handleChatCompletion accepts an OpenAI-compatible chat-completion
// request, either at /v1/chat/completions (model-routed) or
// /{providerID}/v1/chat/completions (direct provider selection via the
// URL path), and also honors an X-Provider-ID header as an alternative
// to the path form.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	var parsed chatCompletionRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON in request body")
			return
		}
	}

	explicitProvider := chi.URLParam(r, "providerID")
	if explicitProvider == "" {
		explicitProvider = r.Header.Get("X-Provider-ID")
	}

	bearer := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		bearer = strings.TrimPrefix(auth, "Bearer ")
	}

	req := dispatch.Request{
		ExplicitProviderID: explicitProvider,
		Model:              parsed.Model,
		Body:               body,
		Streaming:          parsed.Stream,
		BearerToken:        bearer,
	}

	result, err := s.Dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		if routeerr.HTTPStatus(err) == http.StatusInternalServerError {
			s.Log.Error().Err(err).Msg("unmapped dispatch error")
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		writeDispatchError(w, err)
		return
	}
	defer result.Body.Close()

	w.Header().Set("X-Dispatch-ID", result.DispatchID)
	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}

	if result.IsStream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(result.Status)

		flusher, canFlush := w.(http.Flusher)
		buf := make([]byte, 32*1024)
		for {
			n, readErr := result.Body.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
				if canFlush {
					flusher.Flush()
				}
			}
			if readErr != nil {
				return
			}
		}
	}

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(result.Status)
	io.Copy(w, result.Body)
}

func writeDispatchError(w http.ResponseWriter, err error) {
	status := routeerr.HTTPStatus(err)
	errType := "upstream_error"
	if code, ok := routeerr.CodeOf(err); ok {
		errType = string(code)
	}
	writeJSONError(w, status, errType, err.Error())
}
