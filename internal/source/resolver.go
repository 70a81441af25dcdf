package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultFetchTimeout = 60 * time.Second

type sourceKind int

const (
	kindInline sourceKind = iota
	kindRemote
)

// variant is one recognized payload shape: a name for error messages and an
// extractor that pulls the raw value out of the payload.
type variant struct {
	name    string
	kind    sourceKind
	extract func(*Payload) string
}

// variants is evaluated in order; the first non-empty match wins. The order
// is part of the documented client contract and must not change.
var variants = []variant{
	{"files.file.content", kindInline, func(p *Payload) string {
		if p.Files != nil && p.Files.File != nil {
			return p.Files.File.Content
		}
		return ""
	}},
	{"input.file", kindInline, func(p *Payload) string {
		if p.Input != nil {
			return p.Input.File
		}
		return ""
	}},
	{"input.file_url", kindRemote, func(p *Payload) string {
		if p.Input != nil {
			return p.Input.FileURL
		}
		return ""
	}},
	{"input.audio_url", kindRemote, func(p *Payload) string {
		if p.Input != nil {
			return p.Input.AudioURL
		}
		return ""
	}},
	{"file", kindInline, func(p *Payload) string { return p.File }},
	{"file_url", kindRemote, func(p *Payload) string { return p.FileURL }},
	{"audio_url", kindRemote, func(p *Payload) string { return p.AudioURL }},
}

// Resolver stages the audio from a request payload into a local temp file.
type Resolver struct {
	client  *http.Client
	logger  *zap.Logger
	tempDir string
}

type ResolverOptions struct {
	FetchTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
	// TempDir overrides the staging directory; empty means the OS default.
	TempDir string
}

func NewResolver(opts ResolverOptions) *Resolver {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.FetchTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{
		client:  opts.HTTPClient,
		logger:  opts.Logger,
		tempDir: opts.TempDir,
	}
}

// Resolve returns the path of a freshly staged temp file holding the request
// audio. The caller owns the file and must remove it. On failure no temp file
// is left behind.
func (r *Resolver) Resolve(ctx context.Context, p *Payload) (string, error) {
	if p == nil {
		return "", ErrNoAudioSource
	}

	for _, v := range variants {
		value := strings.TrimSpace(v.extract(p))
		if value == "" {
			continue
		}

		switch v.kind {
		case kindInline:
			return r.stageInline(v.name, value)
		default:
			return r.stageRemote(ctx, value)
		}
	}

	return "", ErrNoAudioSource
}

func (r *Resolver) stageInline(field, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecodeError{Field: field, Err: err}
	}

	tmp, err := os.CreateTemp(r.tempDir, "voxserve-*.wav")
	if err != nil {
		return "", fmt.Errorf("create temp audio file: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp audio file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp audio file: %w", err)
	}

	r.logger.Debug("staged inline audio", zap.String("field", field), zap.String("path", tmp.Name()), zap.Int("bytes", len(raw)))
	return tmp.Name(), nil
}

func (r *Resolver) stageRemote(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(r.tempDir, "voxserve-*"+remoteSuffix(rawURL))
	if err != nil {
		return "", fmt.Errorf("create temp audio file: %w", err)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", &FetchError{URL: rawURL, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp audio file: %w", err)
	}

	r.logger.Debug("staged remote audio", zap.String("url", rawURL), zap.String("path", tmp.Name()))
	return tmp.Name(), nil
}

// remoteSuffix keeps the URL's file extension so the engine can sniff the
// container format; unknown URLs default to .mp3.
func remoteSuffix(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ".mp3"
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	switch ext {
	case ".wav", ".mp3", ".flac", ".ogg", ".m4a", ".opus", ".webm", ".mp4":
		return ext
	default:
		return ".mp3"
	}
}
