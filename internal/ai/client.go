// Package ai defines the transcription client contract consumed by the
// processor, plus the fault-injecting mock used in development and tests.
package ai

import (
	"context"
	"errors"
)

// ErrUnavailable is the transient failure a transcription provider may
// return. The processor counts it against the retry budget and backs off.
var ErrUnavailable = errors.New("transcription service unavailable")

// Result is the outcome of a successful transcription.
type Result struct {
	Transcript string
	Sentiment  string
}

// Client produces a transcript and sentiment for a call given its
// aggregated packet view. Implementations may be invoked concurrently
// for distinct calls; the processor guarantees at most one in-flight
// invocation per call. Any returned error is treated as transient.
type Client interface {
	Transcribe(ctx context.Context, callID, audioData string) (*Result, error)
}
