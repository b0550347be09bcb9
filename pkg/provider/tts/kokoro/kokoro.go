// Package kokoro provides a TTS provider backed by a Kokoro server (or any
// server exposing the OpenAI-compatible POST /v1/audio/speech API).
//
// Kokoro is a small local TTS model typically fronted by kokoro-fastapi,
// which speaks the OpenAI audio API. Requesting response_format "pcm" yields
// raw 16-bit little-endian mono samples at 24 kHz, which is what the
// synthesizer stage expects.
package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hauksbok/kvasir/pkg/provider/tts"
)

const (
	defaultModel      = "kokoro"
	defaultVoice      = "af_nova"
	defaultSampleRate = 24000
	defaultTimeout    = 30 * time.Second

	speechPath = "/v1/audio/speech"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model name sent with each request. Defaults to "kokoro".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithAPIKey sets the bearer token. Local kokoro servers usually ignore it.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithSampleRate overrides the sample rate reported by SampleRate, for
// servers configured to emit something other than 24 kHz PCM.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider against an OpenAI-compatible speech API.
// Safe for concurrent use; each Synthesize call is an independent request.
type Provider struct {
	baseURL    string
	model      string
	apiKey     string
	sampleRate int
	httpClient *http.Client
}

// New creates a Provider for the server at baseURL (e.g.
// "http://localhost:8880"). baseURL must be non-empty; a trailing slash is
// stripped.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("kokoro: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speechRequest is the JSON payload for the OpenAI speech endpoint.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = defaultVoice
	}

	payload, err := json.Marshal(speechRequest{
		Model:          p.model,
		Input:          text,
		Voice:          voiceID,
		ResponseFormat: "pcm",
		Speed:          voice.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("kokoro: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+speechPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("kokoro: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("kokoro: server returned HTTP %d (%s): %w",
			resp.StatusCode, strings.TrimSpace(string(body)), tts.ErrServiceUnavailable)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kokoro: read audio body: %w", err)
	}
	return pcm, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	return p.sampleRate
}

// classifyTransportErr maps HTTP transport failures onto the tts error
// taxonomy.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("kokoro: %v: %w", err, tts.ErrTimeout)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("kokoro: %v: %w", err, tts.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("kokoro: %v: %w", err, tts.ErrServiceUnavailable)
}
