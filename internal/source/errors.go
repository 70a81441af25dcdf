package source

import (
	"errors"
	"fmt"
)

// ErrNoAudioSource is returned when no recognized audio field is present or
// all present fields are empty.
var ErrNoAudioSource = errors.New("no audio source in payload: provide files.file.content, input.file, input.file_url, input.audio_url, or the top-level file/file_url/audio_url fields")

// DecodeError marks a malformed inline base64 payload.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode base64 audio from %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FetchError marks a failed remote audio download.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch audio from %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch audio from %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }
