// Package ports declares the interfaces between the sampler core and its
// adapters: the remote shell transport, the trace query collaborator, and
// the frame-rate source.
package ports

import (
	"context"
	"time"
)

// RemoteExecutor issues a single command on the monitored device and returns
// its stdout. Failures surface as *domain.RemoteError with a classified
// kind. No call may block past its timeout.
type RemoteExecutor interface {
	// Exec runs the transport binary with args against the bound device.
	Exec(ctx context.Context, args []string, timeout time.Duration, stdin string) (string, error)

	// RunAs runs args inside the sandbox of a debuggable package via
	// elevated per-package execution.
	RunAs(ctx context.Context, pkg string, args []string, timeout time.Duration, stdin string) (string, error)
}

// TraceQuerier runs a query against a local trace file and returns the raw
// tabular text output.
type TraceQuerier interface {
	Query(ctx context.Context, tracePath, query string) (string, error)
}
