// Package transcribe defines the processing step the workers run and an
// engine that shells out to a whisper.cpp style binary. The queue and
// lifecycle machinery treat the transcriber as a black box behind the
// Transcriber interface.
package transcribe

import (
	"context"
)

// Request describes one transcription to perform. PayloadRef points at the
// input audio the engine can reach.
type Request struct {
	JobID      string
	Model      string
	PayloadRef string

	// OnProgress receives coarse percent values in [0,100] as processing
	// advances. It may be nil and must not block; it is called from the
	// transcriber's goroutines.
	OnProgress func(percent int)
}

// Result is the outcome of a finished transcription.
type Result struct {
	// ResultRef points at the produced transcript artifact.
	ResultRef string
}

// Transcriber turns an input payload into a transcript artifact.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
