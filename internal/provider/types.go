package provider

import (
	"io"
	"sync/atomic"
)

// LiveUsage tracks token counts as they arrive from a streaming response.
// Fields are only meaningful once the stream has been fully drained.
type LiveUsage struct {
	InputTokens  atomic.Int64
	OutputTokens atomic.Int64
	Model        atomic.Value // string
	Estimated    atomic.Bool
}

// Response is what an Adapter returns for one dispatch attempt.
type Response struct {
	Status   int
	Headers  map[string]string
	Body     io.ReadCloser
	IsStream bool

	// Populated synchronously for non-streaming responses.
	InputTokens  int64
	OutputTokens int64
	Model        string
	Estimated    bool

	// Populated asynchronously as a streaming response is drained by the
	// caller; read only after Body has been fully consumed and closed.
	Usage *LiveUsage
}

// Request is a vendor-neutral outbound call: the dispatcher has already
// resolved which provider to use and rewrites nothing else about the
// request body.
type Request struct {
	Path    string
	Method  string
	Headers map[string]string
	Body    []byte
}
