// Package app wires the Kvasir subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects metrics, retrieval,
// and the session transport, Run serves HTTP until the context is cancelled,
// and Shutdown tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/hauksbok/kvasir/internal/config"
	"github.com/hauksbok/kvasir/internal/generate"
	"github.com/hauksbok/kvasir/internal/health"
	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/internal/rag"
	"github.com/hauksbok/kvasir/internal/segment"
	"github.com/hauksbok/kvasir/internal/synth"
	"github.com/hauksbok/kvasir/internal/transcript"
	"github.com/hauksbok/kvasir/internal/transport"
	"github.com/hauksbok/kvasir/internal/turn"
	"github.com/hauksbok/kvasir/pkg/audio"
	"github.com/hauksbok/kvasir/pkg/provider/embeddings"
	"github.com/hauksbok/kvasir/pkg/provider/llm"
	"github.com/hauksbok/kvasir/pkg/provider/stt"
	"github.com/hauksbok/kvasir/pkg/provider/tts"
	"github.com/hauksbok/kvasir/pkg/provider/vad"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers before the connection is dropped.
const readHeaderTimeout = 10 * time.Second

// Providers holds one value per provider slot. STT, LLM, and TTS are
// required; Embeddings may be nil when retrieval is not configured.
// Populated by main via the config registry.
type Providers struct {
	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider

	// NewVAD builds a fresh detector. Detectors accumulate per-stream state
	// (noise floor, smoothing windows), so each session gets its own.
	NewVAD func() (vad.Detector, error)
}

func (p *Providers) validate() error {
	switch {
	case p.STT == nil:
		return errors.New("app: no stt provider configured")
	case p.LLM == nil:
		return errors.New("app: no llm provider configured")
	case p.TTS == nil:
		return errors.New("app: no tts provider configured")
	case p.NewVAD == nil:
		return errors.New("app: no vad provider configured")
	}
	return nil
}

// App owns all subsystem lifetimes. Create with [New], serve with
// [App.Run], tear down with [App.Shutdown].
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics         *observe.Metrics
	recorder        *observe.Recorder
	metricsShutdown func(context.Context) error

	augmentor *rag.Augmentor
	pgIndex   *rag.PGIndex
	corrector *transcript.Corrector

	server *http.Server
}

// New creates an App from cfg and the instantiated providers. The context
// bounds startup work only (database migration, corpus indexing).
func New(ctx context.Context, cfg *config.Config, providers *Providers) (*App, error) {
	if err := providers.validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, providers: providers}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metricsShutdown = shutdown

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create instruments: %w", err)
	}
	a.recorder = observe.NewRecorder(a.metrics, 0)

	if err := a.initRetrieval(ctx); err != nil {
		return nil, err
	}

	if len(cfg.Glossary) > 0 {
		a.corrector = transcript.New(cfg.Glossary)
		slog.Info("glossary correction enabled", "terms", len(cfg.Glossary))
	}

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// initRetrieval builds the vector index and augmentor when an embeddings
// provider and a backend are configured. Without both, turns run without
// retrieved context.
func (a *App) initRetrieval(ctx context.Context) error {
	cfg := a.cfg.Retrieval
	if a.providers.Embeddings == nil {
		slog.Info("retrieval disabled", "reason", "no embeddings provider")
		return nil
	}

	var index rag.Index
	switch cfg.Backend {
	case config.RetrievalMemory:
		mem := rag.NewMemoryIndex()
		if cfg.CorpusPath != "" {
			docs, err := rag.LoadCorpus(cfg.CorpusPath)
			if err != nil {
				return fmt.Errorf("app: load corpus: %w", err)
			}
			if err := rag.IndexCorpus(ctx, mem, a.providers.Embeddings, docs); err != nil {
				return fmt.Errorf("app: index corpus: %w", err)
			}
			slog.Info("corpus indexed", "documents", len(docs))
		}
		index = mem

	case config.RetrievalPostgres:
		pg, err := rag.NewPGIndex(ctx, cfg.PostgresDSN, cfg.EmbeddingDimensions)
		if err != nil {
			return fmt.Errorf("app: open postgres index: %w", err)
		}
		a.pgIndex = pg
		index = pg

	default:
		return fmt.Errorf("app: unknown retrieval backend %q", cfg.Backend)
	}

	a.augmentor = rag.NewAugmentor(a.providers.Embeddings, index, cfg.TopK, cfg.Timeout.Std(), a.recorder)
	slog.Info("retrieval enabled", "backend", cfg.Backend, "top_k", cfg.TopK)
	return nil
}

// newPipeline builds the per-session stage chain for the transport.
func (a *App) newPipeline() (*transport.Pipeline, error) {
	detector, err := a.providers.NewVAD()
	if err != nil {
		return nil, fmt.Errorf("app: create detector: %w", err)
	}

	pl := a.cfg.Pipeline
	segmenter := segment.New(detector, segment.Config{
		SpeechStart: pl.SpeechStart.Std(),
		SpeechEnd:   pl.SpeechEnd.Std(),
		PreRoll:     pl.PreRoll.Std(),
		MaxTurn:     pl.MaxTurn.Std(),
	}, a.recorder)

	generator := generate.New(a.providers.LLM, generate.Config{
		SystemPrompt:  pl.SystemPrompt,
		Temperature:   pl.Temperature,
		MaxTokens:     pl.MaxTokens,
		MaxChunkRunes: pl.MaxChunkRunes,
	}, a.recorder)

	synthesizer := synth.New(a.providers.TTS, synth.Config{
		Voice: tts.Voice{
			ID:    a.cfg.Providers.TTS.Voice,
			Speed: a.cfg.Providers.TTS.Speed,
		},
	}, a.recorder)

	coordinator := turn.New(a.providers.STT, a.corrector, a.augmentor, generator, synthesizer, turn.Config{
		Streaming:           pl.StreamingEnabled(),
		MaxChunkRunes:       pl.MaxChunkRunes,
		HistoryMaxExchanges: pl.HistoryMaxExchanges,
	}, a.recorder)

	return &transport.Pipeline{
		Buffer:      audio.NewFrameBuffer(pl.FrameBufferCap),
		Segmenter:   segmenter,
		Coordinator: coordinator,
		InputRate:   pl.SampleRate,
		OutputRate:  synthesizer.SampleRate(),
	}, nil
}

// buildHandler assembles the HTTP routes behind the metrics middleware.
func (a *App) buildHandler() http.Handler {
	sessions := transport.NewServer(a.newPipeline, a.recorder)

	mux := http.NewServeMux()
	mux.Handle("/session", sessions.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(a.healthCheckers()...).Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// healthCheckers lists the readiness probes for the configured backends.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if a.pgIndex != nil {
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: a.pgIndex.Ping,
		})
	}
	return checkers
}

// Run serves HTTP until ctx is cancelled or the listener fails. It does not
// drain connections; call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown drains HTTP connections and releases all subsystem resources.
// Safe to call after Run returns for any reason.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.recorder.Close()
	if a.pgIndex != nil {
		a.pgIndex.Close()
	}
	if err := a.metricsShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
	}
	return errors.Join(errs...)
}
