package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper"},
	"llm":        {"openai", "ollama"},
	"tts":        {"kokoro"},
	"embeddings": {"ollama"},
	"vad":        {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	if cfg.Providers.LLMFallback != nil {
		validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	}
	if cfg.Providers.STTFallback != nil {
		validateProviderName("stt", cfg.Providers.STTFallback.Name)
	}
	if cfg.Providers.TTSFallback != nil {
		validateProviderName("tts", cfg.Providers.TTSFallback.Name)
	}

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}
	if cfg.Providers.TTS.Speed != 0 && (cfg.Providers.TTS.Speed < 0.5 || cfg.Providers.TTS.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("providers.tts.speed %.2f is out of range [0.5, 2.0]", cfg.Providers.TTS.Speed))
	}

	if cfg.Pipeline.SpeechEnd <= cfg.Pipeline.SpeechStart {
		errs = append(errs, fmt.Errorf("pipeline.speech_end (%v) must exceed pipeline.speech_start (%v)", cfg.Pipeline.SpeechEnd, cfg.Pipeline.SpeechStart))
	}
	if cfg.Pipeline.Temperature < 0 || cfg.Pipeline.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", cfg.Pipeline.Temperature))
	}

	if !cfg.Retrieval.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("retrieval.backend %q is invalid; valid values: memory, postgres", cfg.Retrieval.Backend))
	}
	if cfg.Retrieval.Backend == RetrievalPostgres && cfg.Retrieval.PostgresDSN == "" {
		errs = append(errs, errors.New("retrieval.postgres_dsn is required when retrieval.backend is postgres"))
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Retrieval.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but retrieval.embedding_dimensions is not set; the provider's reported dimensions will be used")
	}
	if cfg.Providers.Embeddings.Name == "" && (cfg.Retrieval.CorpusPath != "" || cfg.Retrieval.PostgresDSN != "") {
		errs = append(errs, errors.New("retrieval requires providers.embeddings"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
