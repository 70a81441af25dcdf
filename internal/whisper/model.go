package whisper

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultSize = "medium"

	// PrecisionFloat16 selects the full ggml weights; the quantized
	// precisions select the matching quantized weight files.
	PrecisionFloat16 = "float16"
	PrecisionQ8      = "q8_0"
	PrecisionQ5      = "q5_1"

	// FallbackPrecision is known to exist for every registered size.
	FallbackPrecision = PrecisionQ8

	weightsBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

	vadFileName = "ggml-silero-v5.1.2.bin"
	vadURL      = "https://huggingface.co/ggml-org/whisper-vad/resolve/main/" + vadFileName
)

type modelSize struct {
	Name string
	// SHA256 pins the float16 weights. Quantized variants are verified by
	// the download transport only.
	SHA256 string
	// Quantized lists the precisions published for this size.
	Quantized []string
}

var registry = map[string]modelSize{
	"tiny": {
		Name:      "tiny",
		SHA256:    "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
		Quantized: []string{PrecisionQ5, PrecisionQ8},
	},
	"base": {
		Name:      "base",
		SHA256:    "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
		Quantized: []string{PrecisionQ5, PrecisionQ8},
	},
	"small": {
		Name:      "small",
		SHA256:    "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
		Quantized: []string{PrecisionQ5, PrecisionQ8},
	},
	"medium": {
		Name:      "medium",
		SHA256:    "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
		Quantized: []string{PrecisionQ5, PrecisionQ8},
	},
	"large-v3": {
		Name:      "large-v3",
		SHA256:    "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
		Quantized: []string{PrecisionQ5, PrecisionQ8},
	},
}

// ResolvedWeights describes one weight file on local disk, downloadable from
// URL when missing.
type ResolvedWeights struct {
	Size          string
	Precision     string
	FileName      string
	Path          string
	URL           string
	SHA256        string
	NeedsDownload bool
}

func SizeNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveWeights maps a model size and compute precision to a weight file in
// modelDir. An unknown size is an error; a precision the size has no variant
// for fails with ErrUnsupportedPrecision so the caller can fall back.
func ResolveWeights(size, precision, modelDir string) (ResolvedWeights, error) {
	if strings.TrimSpace(size) == "" {
		size = DefaultSize
	}
	if strings.TrimSpace(precision) == "" {
		precision = PrecisionFloat16
	}
	if strings.TrimSpace(modelDir) == "" {
		return ResolvedWeights{}, fmt.Errorf("model directory must not be empty")
	}

	model, ok := registry[size]
	if !ok {
		return ResolvedWeights{}, fmt.Errorf("unknown model size %q (known sizes: %s)", size, strings.Join(SizeNames(), ", "))
	}

	fileName, err := weightFileName(model, precision)
	if err != nil {
		return ResolvedWeights{}, err
	}

	resolved := ResolvedWeights{
		Size:      model.Name,
		Precision: precision,
		FileName:  fileName,
		Path:      filepath.Join(modelDir, fileName),
		URL:       weightsBaseURL + fileName,
	}
	if precision == PrecisionFloat16 {
		resolved.SHA256 = model.SHA256
	}

	needsDownload, err := missingOnDisk(resolved.Path)
	if err != nil {
		return ResolvedWeights{}, err
	}
	resolved.NeedsDownload = needsDownload

	return resolved, nil
}

// ResolveVADWeights resolves the silero voice-activity-detection model used
// by the engine when VAD filtering is requested.
func ResolveVADWeights(modelDir string) (ResolvedWeights, error) {
	if strings.TrimSpace(modelDir) == "" {
		return ResolvedWeights{}, fmt.Errorf("model directory must not be empty")
	}

	resolved := ResolvedWeights{
		FileName: vadFileName,
		Path:     filepath.Join(modelDir, vadFileName),
		URL:      vadURL,
	}

	needsDownload, err := missingOnDisk(resolved.Path)
	if err != nil {
		return ResolvedWeights{}, err
	}
	resolved.NeedsDownload = needsDownload

	return resolved, nil
}

func weightFileName(model modelSize, precision string) (string, error) {
	switch precision {
	case PrecisionFloat16:
		return fmt.Sprintf("ggml-%s.bin", model.Name), nil
	default:
		for _, q := range model.Quantized {
			if q == precision {
				return fmt.Sprintf("ggml-%s-%s.bin", model.Name, precision), nil
			}
		}
		return "", fmt.Errorf("%w: %q for model size %q", ErrUnsupportedPrecision, precision, model.Name)
	}
}

func missingOnDisk(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if os.IsNotExist(err) {
		return true, nil
	}
	return false, fmt.Errorf("stat weights path: %w", err)
}
