package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/platform"
	"go.uber.org/zap"
)

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

var detectedLanguagePattern = regexp.MustCompile(`auto-detected language:\s*([a-zA-Z]+)\s*\(p\s*=\s*([0-9.]+)\)`)

// EngineConfig parameterizes a BundledEngine. The weight files must already
// be present on disk; the loader takes care of that.
type EngineConfig struct {
	Executable   string
	ModelPath    string
	VADModelPath string
	Device       string
}

// BundledEngine runs the whisper-cli binary shipped next to voxserve and
// parses its JSON transcript output.
type BundledEngine struct {
	cfg    EngineConfig
	logger *zap.Logger
}

func NewBundledEngine(cfg EngineConfig, logger *zap.Logger) (*BundledEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Device {
	case DeviceCPU, DeviceCUDA:
	default:
		return nil, fmt.Errorf("unknown device %q (want %s or %s)", cfg.Device, DeviceCPU, DeviceCUDA)
	}

	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model weights not readable: %w", err)
	}

	if strings.TrimSpace(cfg.Executable) == "" {
		executable, err := resolveEnginePath()
		if err != nil {
			return nil, err
		}
		cfg.Executable = executable
	}
	if err := ensureExecutable(cfg.Executable); err != nil {
		return nil, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	return &BundledEngine{cfg: cfg, logger: logger}, nil
}

func resolveEnginePath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("VOXSERVE_WHISPER_PATH")); override != "" {
		if err := ensureExecutable(override); err != nil {
			return "", fmt.Errorf("VOXSERVE_WHISPER_PATH is not executable: %w", err)
		}
		return override, nil
	}

	selfExe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve voxserve executable path: %w", err)
	}

	for _, candidate := range enginePathCandidates(selfExe) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("whisper engine not found near %s; expected at ../libexec/whisper/%s or set VOXSERVE_WHISPER_PATH", selfExe, engineBinaryName())
}

func enginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()
	hostTarget := fmt.Sprintf("%s_%s", runtime.GOOS, platform.NormalizeArch(runtime.GOARCH))

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func (b *BundledEngine) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if strings.TrimSpace(audioPath) == "" {
		return Result{}, &TranscribeError{Err: errors.New("audio path is required")}
	}

	outBase := filepath.Join(os.TempDir(), fmt.Sprintf("voxserve-%d", time.Now().UnixNano()))
	jsonOut := outBase + ".json"

	args, err := b.buildArgs(audioPath, outBase, opts)
	if err != nil {
		return Result{}, &TranscribeError{Err: err}
	}

	cmd := exec.CommandContext(ctx, b.cfg.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	b.logger.Debug("running whisper engine", zap.String("engine", b.cfg.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return Result{}, &TranscribeError{Err: fmt.Errorf("whisper engine at %s is missing required shared libraries (%s)", b.cfg.Executable, errText)}
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return Result{}, &TranscribeError{Err: fmt.Errorf("whisper engine crashed with an illegal CPU instruction; set VOXSERVE_WHISPER_PATH to a whisper-cli built for this CPU")}
		}
		return Result{}, &TranscribeError{Err: fmt.Errorf("whisper-cli: %w (%s)", err, errText)}
	}

	defer os.Remove(jsonOut)
	payload, err := os.ReadFile(jsonOut)
	if err != nil {
		return Result{}, &TranscribeError{Err: fmt.Errorf("read whisper output: %w", err)}
	}

	result, err := parseEngineOutput(payload, opts)
	if err != nil {
		return Result{}, &TranscribeError{Err: err}
	}

	if result.Language == "" || result.Language == "auto" {
		if lang, prob, ok := parseDetectedLanguage(stderr.String()); ok {
			result.Language = lang
			result.LanguageProbability = prob
		}
	} else if opts.Language == "" {
		if _, prob, ok := parseDetectedLanguage(stderr.String()); ok {
			result.LanguageProbability = prob
		}
	} else {
		// Caller pinned the language; report full confidence in it.
		result.LanguageProbability = 1.0
	}

	return result, nil
}

func (b *BundledEngine) buildArgs(audioPath, outBase string, opts Options) ([]string, error) {
	args := []string{"-m", b.cfg.ModelPath, "-f", audioPath, "-oj", "-of", outBase}

	lang := strings.TrimSpace(strings.ToLower(opts.Language))
	if lang == "" {
		lang = "auto"
	}
	args = append(args, "-l", lang)

	switch opts.Task {
	case "", TaskTranscribe:
	case TaskTranslate:
		args = append(args, "-tr")
	default:
		return nil, fmt.Errorf("unknown task %q", opts.Task)
	}

	if opts.BeamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(opts.BeamSize))
	}

	if opts.VADFilter {
		if strings.TrimSpace(b.cfg.VADModelPath) == "" {
			return nil, errors.New("vad filtering requested but no vad model is installed")
		}
		args = append(args, "--vad", "--vad-model", b.cfg.VADModelPath)
	}

	if opts.NoSpeechThreshold != nil {
		args = append(args, "-nth", formatFloat(*opts.NoSpeechThreshold))
	}
	if opts.LogProbThreshold != nil {
		args = append(args, "-lpt", formatFloat(*opts.LogProbThreshold))
	}
	if opts.ConditionOnPreviousText != nil && !*opts.ConditionOnPreviousText {
		args = append(args, "-nc")
	}

	if b.cfg.Device == DeviceCPU {
		args = append(args, "-ng")
	}

	return args, nil
}

// engineOutput mirrors the whisper-cli -oj file layout.
type engineOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseEngineOutput(payload []byte, opts Options) (Result, error) {
	var out engineOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return Result{}, fmt.Errorf("decode whisper output: %w", err)
	}

	task := opts.Task
	if task == "" {
		task = TaskTranscribe
	}

	result := Result{
		Task:     task,
		Language: out.Result.Language,
		Segments: make([]Segment, 0, len(out.Transcription)),
	}

	for i, seg := range out.Transcription {
		result.Segments = append(result.Segments, Segment{
			ID:    i,
			Start: float64(seg.Offsets.From) / 1000.0,
			End:   float64(seg.Offsets.To) / 1000.0,
			Text:  strings.TrimSpace(seg.Text),
		})
	}

	if n := len(result.Segments); n > 0 {
		result.Duration = result.Segments[n-1].End
	}

	return result, nil
}

func parseDetectedLanguage(stderr string) (string, float64, bool) {
	match := detectedLanguagePattern.FindStringSubmatch(stderr)
	if len(match) < 3 {
		return "", 0, false
	}
	prob, err := strconv.ParseFloat(match[2], 64)
	if err != nil {
		return "", 0, false
	}
	return strings.ToLower(match[1]), prob, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
