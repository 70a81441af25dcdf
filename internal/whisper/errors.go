package whisper

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPrecision signals that the requested compute precision has no
// weight variant for the selected model size. The loader retries once with
// FallbackPrecision on this error; everything else is fatal.
var ErrUnsupportedPrecision = errors.New("unsupported compute precision")

// InitError marks a fatal engine construction failure. It is never converted
// into a per-request error response: without an engine no request can be
// served.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize whisper engine: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// TranscribeError marks a decode failure at inference time.
type TranscribeError struct {
	Err error
}

func (e *TranscribeError) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *TranscribeError) Unwrap() error { return e.Err }
