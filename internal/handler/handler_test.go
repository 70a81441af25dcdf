package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/source"
	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	result    whisper.Result
	err       error
	callCount int
	lastPath  string
	lastOpts  whisper.Options
}

func (f *fakeEngine) Transcribe(_ context.Context, audioPath string, opts whisper.Options) (whisper.Result, error) {
	f.callCount++
	f.lastPath = audioPath
	f.lastOpts = opts
	if f.err != nil {
		return whisper.Result{}, f.err
	}
	return f.result, nil
}

type fakeProvider struct {
	engine whisper.Engine
	err    error
}

func (f *fakeProvider) Engine(context.Context) (whisper.Engine, error) {
	return f.engine, f.err
}

func testConfig() config.Config {
	return config.Config{
		DefaultLanguage:   "",
		DefaultBeamSize:   5,
		VADFilter:         true,
		ChunkLength:       30,
		NoSpeechThreshold: 0.6,
	}
}

func newTestHandler(t *testing.T, cfg config.Config, engine whisper.Engine) (*Handler, string) {
	t.Helper()
	tempDir := t.TempDir()
	resolver := source.NewResolver(source.ResolverOptions{TempDir: tempDir})
	h := New(cfg, &fakeProvider{engine: engine}, resolver, zap.NewNop())
	return h, tempDir
}

func inlinePayload(data []byte) *source.Payload {
	return &source.Payload{Input: &source.Input{File: base64.StdEncoding.EncodeToString(data)}}
}

func tempFileCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestHandleSuccessPreservesSegmentOrder(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: whisper.Result{
		Task:                whisper.TaskTranscribe,
		Language:            "en",
		LanguageProbability: 0.97,
		Duration:            4.0,
		Segments: []whisper.Segment{
			{ID: 0, Start: 0.0, End: 1.2, Text: "hello"},
			{ID: 1, Start: 1.2, End: 2.6, Text: "there"},
			{ID: 2, Start: 2.6, End: 4.0, Text: "world"},
		},
	}}
	h, tempDir := newTestHandler(t, testConfig(), engine)

	resp := h.Handle(context.Background(), inlinePayload([]byte("audio")))
	require.Equal(t, StatusOK, resp.Status)
	require.Empty(t, resp.Message)
	require.NotNil(t, resp.Result)
	require.Equal(t, "en", resp.Result.Language)
	require.Len(t, resp.Result.Segments, 3)
	require.Equal(t, "hello", resp.Result.Segments[0].Text)
	require.Equal(t, "there", resp.Result.Segments[1].Text)
	require.Equal(t, "world", resp.Result.Segments[2].Text)

	require.Equal(t, 0, tempFileCount(t, tempDir))
}

func TestHandleMockedFetchExample(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer server.Close()

	engine := &fakeEngine{result: whisper.Result{
		Task:     whisper.TaskTranscribe,
		Language: "en",
		Duration: 1.2,
		Segments: []whisper.Segment{{ID: 0, Start: 0.0, End: 1.2, Text: "hello"}},
	}}
	h, tempDir := newTestHandler(t, testConfig(), engine)

	lang := "en"
	beam := 1
	resp := h.Handle(context.Background(), &source.Payload{Input: &source.Input{
		FileURL:  server.URL + "/a.mp3",
		Language: &lang,
		BeamSize: &beam,
	}})

	require.Equal(t, StatusOK, resp.Status)
	require.Len(t, resp.Result.Segments, 1)
	require.InDelta(t, 0.0, resp.Result.Segments[0].Start, 1e-9)
	require.InDelta(t, 1.2, resp.Result.Segments[0].End, 1e-9)
	require.Equal(t, "hello", resp.Result.Segments[0].Text)

	require.Equal(t, "en", engine.lastOpts.Language)
	require.Equal(t, 1, engine.lastOpts.BeamSize)
	require.Equal(t, 0, tempFileCount(t, tempDir))
}

func TestHandleMergesRequestOptionsOverDefaults(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	h, _ := newTestHandler(t, testConfig(), engine)

	translate := true
	vad := false
	noContext := false
	logProb := -1.5
	resp := h.Handle(context.Background(), &source.Payload{Input: &source.Input{
		File:                    base64.StdEncoding.EncodeToString([]byte("audio")),
		Translate:               &translate,
		VADFilter:               &vad,
		ConditionOnPreviousText: &noContext,
		LogProbThreshold:        &logProb,
	}})

	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, whisper.TaskTranslate, engine.lastOpts.Task)
	require.False(t, engine.lastOpts.VADFilter)
	require.Equal(t, 5, engine.lastOpts.BeamSize)
	require.Equal(t, 30, engine.lastOpts.ChunkLength)
	require.NotNil(t, engine.lastOpts.NoSpeechThreshold)
	require.InDelta(t, 0.6, *engine.lastOpts.NoSpeechThreshold, 1e-9)
	require.NotNil(t, engine.lastOpts.LogProbThreshold)
	require.InDelta(t, -1.5, *engine.lastOpts.LogProbThreshold, 1e-9)
	require.NotNil(t, engine.lastOpts.ConditionOnPreviousText)
	require.False(t, *engine.lastOpts.ConditionOnPreviousText)
}

func TestHandleEmptyLanguageMeansAutoDetect(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	cfg := testConfig()
	cfg.DefaultLanguage = "de"
	h, _ := newTestHandler(t, cfg, engine)

	empty := ""
	resp := h.Handle(context.Background(), &source.Payload{Input: &source.Input{
		File:     base64.StdEncoding.EncodeToString([]byte("audio")),
		Language: &empty,
	}})

	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, "", engine.lastOpts.Language)
}

func TestHandleOmittedLanguageUsesDefault(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	cfg := testConfig()
	cfg.DefaultLanguage = "de"
	h, _ := newTestHandler(t, cfg, engine)

	resp := h.Handle(context.Background(), inlinePayload([]byte("audio")))
	require.Equal(t, StatusOK, resp.Status)
	require.Equal(t, "de", engine.lastOpts.Language)
}

func TestHandleMissingSourceReturnsErrorEnvelope(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	h, tempDir := newTestHandler(t, testConfig(), engine)

	resp := h.Handle(context.Background(), &source.Payload{})
	require.Equal(t, StatusError, resp.Status)
	require.Nil(t, resp.Result)
	require.Contains(t, resp.Message, "no audio source")
	require.Equal(t, 0, engine.callCount)
	require.Equal(t, 0, tempFileCount(t, tempDir))
}

func TestHandleInvalidBase64LeavesNoTempFile(t *testing.T) {
	t.Parallel()

	h, tempDir := newTestHandler(t, testConfig(), &fakeEngine{})

	resp := h.Handle(context.Background(), &source.Payload{File: "%%%"})
	require.Equal(t, StatusError, resp.Status)
	require.Equal(t, 0, tempFileCount(t, tempDir))
}

func TestHandleEngineFailureCleansUpTempFile(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{err: &whisper.TranscribeError{Err: errors.New("decode blew up")}}
	h, tempDir := newTestHandler(t, testConfig(), engine)

	resp := h.Handle(context.Background(), inlinePayload([]byte("audio")))
	require.Equal(t, StatusError, resp.Status)
	require.Contains(t, resp.Message, "decode blew up")
	require.Equal(t, 0, tempFileCount(t, tempDir))
}

func TestHandleInvalidBeamSizeRejected(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	h, tempDir := newTestHandler(t, testConfig(), engine)

	beam := 0
	resp := h.Handle(context.Background(), &source.Payload{Input: &source.Input{
		File:     base64.StdEncoding.EncodeToString([]byte("audio")),
		BeamSize: &beam,
	}})

	require.Equal(t, StatusError, resp.Status)
	require.Contains(t, resp.Message, "beam_size")
	require.Equal(t, 0, engine.callCount)
	require.Equal(t, 0, tempFileCount(t, tempDir))
}

func silentWAV(t *testing.T) []byte {
	t.Helper()

	const samples = 16000
	buf := make([]byte, 0, 44+samples*2)
	buf = append(buf, []byte("RIFF")...)
	buf = appendUint32(buf, uint32(36+samples*2))
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = appendUint32(buf, 16)
	buf = appendUint16(buf, 1)
	buf = appendUint16(buf, 1)
	buf = appendUint32(buf, 16000)
	buf = appendUint32(buf, 32000)
	buf = appendUint16(buf, 2)
	buf = appendUint16(buf, 16)
	buf = append(buf, []byte("data")...)
	buf = appendUint32(buf, samples*2)
	buf = append(buf, make([]byte, samples*2)...)
	return buf
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func TestHandleSilenceGateSkipsTranscription(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	cfg := testConfig()
	cfg.SilenceGate = true
	cfg.SilenceThresholdDBFS = -65
	h, tempDir := newTestHandler(t, cfg, engine)

	resp := h.Handle(context.Background(), inlinePayload(silentWAV(t)))
	require.Equal(t, StatusOK, resp.Status)
	require.Empty(t, resp.Result.Segments)
	require.InDelta(t, 1.0, resp.Result.Duration, 1e-9)
	require.Equal(t, 0, engine.callCount)
	require.Equal(t, 0, tempFileCount(t, tempDir))
}

func TestHandleFillsDurationFromWAVProbe(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: whisper.Result{
		Task:     whisper.TaskTranscribe,
		Language: "en",
		Segments: []whisper.Segment{},
	}}
	h, _ := newTestHandler(t, testConfig(), engine)

	resp := h.Handle(context.Background(), inlinePayload(silentWAV(t)))
	require.Equal(t, StatusOK, resp.Status)
	require.InDelta(t, 1.0, resp.Result.Duration, 1e-9)
}

func TestHandleProviderErrorBecomesEnvelope(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	resolver := source.NewResolver(source.ResolverOptions{TempDir: tempDir})
	provider := &fakeProvider{err: errors.New("engine unavailable")}
	h := New(testConfig(), provider, resolver, zap.NewNop())

	resp := h.Handle(context.Background(), inlinePayload([]byte("audio")))
	require.Equal(t, StatusError, resp.Status)
	require.Contains(t, resp.Message, "engine unavailable")
	require.Equal(t, 0, tempFileCount(t, tempDir))
}
