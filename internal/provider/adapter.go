// Package provider implements the Provider Adapter: translating a
// resolved routing decision into an outbound call and normalizing the
// response into token usage the rest of the system can attribute.
package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Adapter sends a Request to a single upstream and reports the result.
// Implementations own transport concerns only; routing, limits, and
// health are the caller's responsibility.
type Adapter interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// HTTPAdapter forwards requests over HTTP to any OpenAI-compatible chat
// completions endpoint. It is the only transport adapter needed since the
// system speaks one wire shape regardless of which vendor sits behind a
// provider's base URL.
type HTTPAdapter struct {
	BaseURL    string
	AuthHeader string // optional static auth header value, e.g. "Bearer sk-..."
	Client     *http.Client
	Log        zerolog.Logger
}

// NewHTTPAdapter builds an HTTPAdapter with a default client that has no
// overall timeout; callers control deadlines via ctx, and may replace the
// Client field.
func NewHTTPAdapter(baseURL, authHeader string) *HTTPAdapter {
	return &HTTPAdapter{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AuthHeader: authHeader,
		Client:     &http.Client{},
		Log:        zerolog.Nop(),
	}
}

func (a *HTTPAdapter) Send(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.BaseURL+req.Path, strings.NewReader(string(req.Body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.AuthHeader != "" {
		httpReq.Header.Set("Authorization", a.AuthHeader)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	if strings.Contains(headers["content-type"], "text/event-stream") {
		pr, pw := io.Pipe()
		usage := &LiveUsage{}

		go func() {
			defer pw.Close()
			defer resp.Body.Close()
			tee := io.TeeReader(resp.Body, pw)
			extractSSEUsage(tee, usage, len(req.Body), a.Log)
		}()

		return &Response{
			Status:   resp.StatusCode,
			Headers:  headers,
			Body:     pr,
			IsStream: true,
			Usage:    usage,
		}, nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	inputTokens, outputTokens, model, ok := parseUsage(bodyBytes)
	estimated := false
	if !ok {
		inputTokens = estimateTokens(len(req.Body))
		outputTokens = estimateTokens(len(completionText(bodyBytes)))
		estimated = true
	}

	return &Response{
		Status:       resp.StatusCode,
		Headers:      headers,
		Body:         io.NopCloser(strings.NewReader(string(bodyBytes))),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Model:        model,
		Estimated:    estimated,
		IsStream:     false,
	}, nil
}

// parseUsage reads the OpenAI-shaped usage object from a chat completion
// response body. ok is false if the body parses but carries no usage.
func parseUsage(body []byte) (inputTokens, outputTokens int64, model string, ok bool) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, 0, "", false
	}
	if m, isStr := parsed["model"].(string); isStr {
		model = m
	}
	u, isMap := parsed["usage"].(map[string]any)
	if !isMap {
		return 0, 0, model, false
	}
	inputTokens = intFromAny(u["prompt_tokens"])
	outputTokens = intFromAny(u["completion_tokens"])
	return inputTokens, outputTokens, model, true
}

// completionText extracts the assistant message content, used only for
// the character-count token estimation fallback.
func completionText(body []byte) string {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return ""
	}
	return parsed.Choices[0].Message.Content
}

// estimateTokens applies the documented fallback ratio of roughly one
// token per four characters, rounding up.
func estimateTokens(chars int) int64 {
	if chars <= 0 {
		return 0
	}
	return int64((chars + 3) / 4)
}

func extractSSEUsage(r io.Reader, usage *LiveUsage, requestBodyChars int, log zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)

	sawUsage := false
	var contentChars int

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := line[len("data: "):]
		if payload == "[DONE]" {
			continue
		}

		var ev map[string]any
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		if m, isStr := ev["model"].(string); isStr {
			usage.Model.Store(m)
		}
		if u, isMap := ev["usage"].(map[string]any); isMap {
			sawUsage = true
			usage.InputTokens.Store(intFromAny(u["prompt_tokens"]))
			usage.OutputTokens.Store(intFromAny(u["completion_tokens"]))
		}
		contentChars += deltaContentChars(ev)
	}

	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("sse scan error")
	}

	if !sawUsage {
		usage.InputTokens.Store(estimateTokens(requestBodyChars))
		usage.OutputTokens.Store(estimateTokens(contentChars))
		usage.Estimated.Store(true)
	}
}

func deltaContentChars(ev map[string]any) int {
	choices, isSlice := ev["choices"].([]any)
	if !isSlice || len(choices) == 0 {
		return 0
	}
	choice, isMap := choices[0].(map[string]any)
	if !isMap {
		return 0
	}
	delta, isMap := choice["delta"].(map[string]any)
	if !isMap {
		return 0
	}
	content, isStr := delta["content"].(string)
	if !isStr {
		return 0
	}
	return len(content)
}

func intFromAny(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
