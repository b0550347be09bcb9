// Command kvasir is the main entry point for the Kvasir voice pipeline server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hauksbok/kvasir/internal/app"
	"github.com/hauksbok/kvasir/internal/config"
	"github.com/hauksbok/kvasir/internal/resilience"
	"github.com/hauksbok/kvasir/pkg/provider/embeddings"
	ollamaembed "github.com/hauksbok/kvasir/pkg/provider/embeddings/ollama"
	"github.com/hauksbok/kvasir/pkg/provider/llm"
	oaillm "github.com/hauksbok/kvasir/pkg/provider/llm/openai"
	"github.com/hauksbok/kvasir/pkg/provider/stt"
	"github.com/hauksbok/kvasir/pkg/provider/stt/whisper"
	"github.com/hauksbok/kvasir/pkg/provider/tts"
	"github.com/hauksbok/kvasir/pkg/provider/tts/kokoro"
	"github.com/hauksbok/kvasir/pkg/provider/vad"
	"github.com/hauksbok/kvasir/pkg/provider/vad/energy"
)

// shutdownTimeout bounds graceful shutdown after the stop signal.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kvasir: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kvasir: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kvasir starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama exposes an OpenAI-compatible completions API, so the same
	// client serves it. BaseURL is the ollama address, typically
	// http://localhost:11434/v1.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		return oaillm.New("ollama", entry.Model, oaillm.WithBaseURL(baseURL))
	})

	reg.RegisterTTS("kokoro", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []kokoro.Option
		if entry.Model != "" {
			opts = append(opts, kokoro.WithModel(entry.Model))
		}
		if entry.APIKey != "" {
			opts = append(opts, kokoro.WithAPIKey(entry.APIKey))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, kokoro.WithSampleRate(rate))
		}
		return kokoro.New(entry.BaseURL, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Detector, error) {
		var opts []energy.Option
		if floor := optFloat(entry.Options, "noise_floor"); floor > 0 {
			opts = append(opts, energy.WithNoiseFloor(floor))
		}
		if ratio := optFloat(entry.Options, "speech_ratio"); ratio > 0 {
			opts = append(opts, energy.WithSpeechRatio(ratio))
		}
		return energy.New(opts...), nil
	})
}

// buildProviders instantiates the providers named in cfg using the registry.
// All four pipeline slots are required; embeddings is optional.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = p
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if fb := cfg.Providers.STTFallback; fb != nil {
		secondary, err := reg.CreateSTT(*fb)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
		}
		group := resilience.NewSTTFallback(p, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		group.AddFallback(fb.Name, secondary)
		ps.STT = group
		slog.Info("stt fallback enabled", "name", fb.Name)
	}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = primary
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if fb := cfg.Providers.LLMFallback; fb != nil {
		secondary, err := reg.CreateLLM(*fb)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
		}
		group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		group.AddFallback(fb.Name, secondary)
		ps.LLM = group
		slog.Info("llm fallback enabled", "name", fb.Name)
	}

	t, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = t
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if fb := cfg.Providers.TTSFallback; fb != nil {
		secondary, err := reg.CreateTTS(*fb)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		group := resilience.NewTTSFallback(t, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
		group.AddFallback(fb.Name, secondary)
		ps.TTS = group
		slog.Info("tts fallback enabled", "name", fb.Name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		e, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = e
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "energy"
	}
	if _, err := reg.CreateVAD(vadEntry); err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", vadEntry.Name, err)
	}
	ps.NewVAD = func() (vad.Detector, error) {
		return reg.CreateVAD(vadEntry)
	}
	slog.Info("provider created", "kind", "vad", "name", vadEntry.Name)

	return ps, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if v, ok := opts[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// optInt extracts an integer Options value. YAML decodes whole numbers as
// int, but a float is accepted too.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optFloat extracts a float Options value.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
