package provider

import (
	"context"
	"errors"
	"time"
)

// LocalAdapter is the structure for a process-backed provider: spawn an
// executable per request instead of making an HTTP call. Only the
// configuration surface is implemented; no process is actually launched.
type LocalAdapter struct {
	Executable    string
	Args          []string
	WorkingDir    string
	Timeout       time.Duration
	MaxConcurrent int

	sem chan struct{}
}

// NewLocalAdapter builds a LocalAdapter with its concurrency gate sized.
func NewLocalAdapter(executable string, args []string, workingDir string, timeout time.Duration, maxConcurrent int) *LocalAdapter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &LocalAdapter{
		Executable:    executable,
		Args:          args,
		WorkingDir:    workingDir,
		Timeout:       timeout,
		MaxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// Send is unimplemented: the wire protocol for talking to a spawned local
// process (stdin/stdout framing, lifecycle management) is out of scope.
func (a *LocalAdapter) Send(ctx context.Context, req Request) (*Response, error) {
	return nil, errors.New("provider: local process adapter has no wire protocol implemented")
}
