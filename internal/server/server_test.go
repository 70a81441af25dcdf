package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/handler"
	"github.com/fmueller/voxserve/internal/source"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEngine struct {
	result whisper.Result
	err    error
}

func (s *stubEngine) Transcribe(context.Context, string, whisper.Options) (whisper.Result, error) {
	if s.err != nil {
		return whisper.Result{}, s.err
	}
	return s.result, nil
}

type stubProvider struct {
	engine whisper.Engine
}

func (s *stubProvider) Engine(context.Context) (whisper.Engine, error) {
	return s.engine, nil
}

func newTestServer(t *testing.T, engine whisper.Engine) *Server {
	t.Helper()

	resolver := source.NewResolver(source.ResolverOptions{TempDir: t.TempDir()})
	h := handler.New(config.Config{DefaultBeamSize: 5, NoSpeechThreshold: 0.6, ChunkLength: 30}, &stubProvider{engine: engine}, resolver, zap.NewNop())
	return New(Options{Addr: ":0", ModelSize: "tiny", Device: "cpu"}, h, zap.NewNop())
}

func postJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestRunEndpointSuccess(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{result: whisper.Result{
		Task:                whisper.TaskTranscribe,
		Language:            "en",
		LanguageProbability: 0.97,
		Duration:            1.2,
		Segments:            []whisper.Segment{{ID: 0, Start: 0, End: 1.2, Text: "hello"}},
	}}
	s := newTestServer(t, engine)

	body := fmt.Sprintf(`{"input": {"file": %q, "language": "en", "beam_size": 1}}`,
		base64.StdEncoding.EncodeToString([]byte("audio")))
	rec := postJSON(t, s, "/run", body)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handler.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, handler.StatusOK, resp.Status)
	require.NotNil(t, resp.Result)
	require.Len(t, resp.Result.Segments, 1)
	require.Equal(t, "hello", resp.Result.Segments[0].Text)
}

func TestRunEndpointRootAlias(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{result: whisper.Result{Task: whisper.TaskTranscribe, Segments: []whisper.Segment{}}}
	s := newTestServer(t, engine)

	body := fmt.Sprintf(`{"file": %q}`, base64.StdEncoding.EncodeToString([]byte("audio")))
	rec := postJSON(t, s, "/", body)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handler.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, handler.StatusOK, resp.Status)
}

func TestRunEndpointMissingSource(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &stubEngine{})
	rec := postJSON(t, s, "/run", `{}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handler.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, handler.StatusError, resp.Status)
	require.Contains(t, resp.Message, "no audio source")
}

func TestRunEndpointMalformedJSON(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &stubEngine{})
	rec := postJSON(t, s, "/run", `{not-json`)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handler.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, handler.StatusError, resp.Status)
	require.Contains(t, resp.Message, "invalid request body")
}

func TestRunEndpointAssignsRequestID(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &stubEngine{})
	rec := postJSON(t, s, "/run", `{}`)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(`{}`))
	req.Header.Set("X-Request-ID", "platform-id-1")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)
	require.Equal(t, "platform-id-1", rec2.Header().Get("X-Request-ID"))
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &stubEngine{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "tiny", body["model"])
	require.Equal(t, "cpu", body["device"])
	require.NotEmpty(t, body["version"])
}
