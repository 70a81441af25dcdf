// Package config reads the worker configuration from environment variables.
// The hosting platform supplies plain env vars, so there is no config file;
// a local .env can be loaded through LoadEnvFile before Load runs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Addr string

	ModelSize      string
	Device         string
	ComputeType    string
	ModelDir       string
	LocalFilesOnly bool

	DefaultLanguage   string
	DefaultBeamSize   int
	VADFilter         bool
	ChunkLength       int
	NoSpeechThreshold float64

	FetchTimeout time.Duration

	SilenceGate          bool
	SilenceThresholdDBFS float64

	NoProgress bool
}

// LoadEnvFile loads a dotenv file into the process environment. A missing
// default file is not an error; an explicitly named one is.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ADDR", ":8000")
	v.SetDefault("MODEL_SIZE", "medium")
	v.SetDefault("DEVICE", "cuda")
	v.SetDefault("COMPUTE_TYPE", "float16")
	v.SetDefault("MODEL_DIR", "")
	v.SetDefault("LOCAL_FILES_ONLY", false)
	v.SetDefault("DEFAULT_LANGUAGE", "auto")
	v.SetDefault("DEFAULT_BEAM_SIZE", 5)
	v.SetDefault("VAD_FILTER", true)
	v.SetDefault("CHUNK_LENGTH", 30)
	v.SetDefault("NO_SPEECH_THRESHOLD", 0.6)
	v.SetDefault("FETCH_TIMEOUT", "60s")
	v.SetDefault("SILENCE_GATE", false)
	v.SetDefault("SILENCE_THRESHOLD_DBFS", -65.0)
	v.SetDefault("NO_PROGRESS", true)

	cfg := Config{
		Addr:                 v.GetString("ADDR"),
		ModelSize:            v.GetString("MODEL_SIZE"),
		Device:               normalizeDevice(v.GetString("DEVICE")),
		ComputeType:          v.GetString("COMPUTE_TYPE"),
		ModelDir:             v.GetString("MODEL_DIR"),
		LocalFilesOnly:       v.GetBool("LOCAL_FILES_ONLY"),
		DefaultLanguage:      normalizeLanguage(v.GetString("DEFAULT_LANGUAGE")),
		DefaultBeamSize:      v.GetInt("DEFAULT_BEAM_SIZE"),
		VADFilter:            v.GetBool("VAD_FILTER"),
		ChunkLength:          v.GetInt("CHUNK_LENGTH"),
		NoSpeechThreshold:    v.GetFloat64("NO_SPEECH_THRESHOLD"),
		FetchTimeout:         v.GetDuration("FETCH_TIMEOUT"),
		SilenceGate:          v.GetBool("SILENCE_GATE"),
		SilenceThresholdDBFS: v.GetFloat64("SILENCE_THRESHOLD_DBFS"),
		NoProgress:           v.GetBool("NO_PROGRESS"),
	}

	// PORT is what most serverless platforms inject; it wins over the
	// ADDR default but not over an explicit ADDR.
	if port := v.GetString("PORT"); port != "" && !v.IsSet("ADDR") {
		cfg.Addr = ":" + port
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.DefaultBeamSize < 1 {
		return fmt.Errorf("DEFAULT_BEAM_SIZE must be a positive integer, got %d", c.DefaultBeamSize)
	}
	if c.Device != "cpu" && c.Device != "cuda" {
		return fmt.Errorf("DEVICE must be cpu or cuda, got %q", c.Device)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	}
	return nil
}

func normalizeDevice(device string) string {
	switch device {
	case "gpu":
		return "cuda"
	default:
		return device
	}
}

// normalizeLanguage maps the "auto" sentinel to the empty string the engine
// uses for auto-detection.
func normalizeLanguage(lang string) string {
	if lang == "auto" {
		return ""
	}
	return lang
}
