package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hauksbok/kvasir/internal/generate"
	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/internal/segment"
	"github.com/hauksbok/kvasir/internal/synth"
	"github.com/hauksbok/kvasir/internal/transcript"
	"github.com/hauksbok/kvasir/pkg/provider/llm"
	llmmock "github.com/hauksbok/kvasir/pkg/provider/llm/mock"
	"github.com/hauksbok/kvasir/pkg/provider/stt"
	sttmock "github.com/hauksbok/kvasir/pkg/provider/stt/mock"
	"github.com/hauksbok/kvasir/pkg/provider/tts"
	ttsmock "github.com/hauksbok/kvasir/pkg/provider/tts/mock"
)

type fixture struct {
	stt  *sttmock.Provider
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	coor *Coordinator
}

func newFixture(t *testing.T, cfg Config, corrector *transcript.Corrector) *fixture {
	t.Helper()

	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rec := observe.NewRecorder(m, 128)
	t.Cleanup(rec.Close)

	f := &fixture{
		stt: &sttmock.Provider{},
		llm: &llmmock.Provider{},
		tts: &ttsmock.Provider{},
	}
	gen := generate.New(f.llm, generate.Config{RetryBackoff: time.Millisecond}, rec)
	syn := synth.New(f.tts, synth.Config{}, rec)
	if cfg.STTRetryBackoff == 0 {
		cfg.STTRetryBackoff = time.Millisecond
	}
	f.coor = New(f.stt, corrector, nil, gen, syn, cfg, rec)
	return f
}

func speechStart() segment.Event {
	return segment.Event{Type: segment.EventSpeechStart, At: time.Now()}
}

func turnAudio(pcm []byte) segment.Event {
	return segment.Event{
		Type:       segment.EventTurnAudio,
		At:         time.Now(),
		PCM:        pcm,
		SampleRate: 16000,
		Duration:   time.Second,
	}
}

// drive feeds events through a coordinator run and collects all outbound
// audio. The events channel is closed after the last event, so Run drains
// the in-flight turn before returning.
func drive(t *testing.T, f *fixture, evs []segment.Event) []synth.AudioChunk {
	t.Helper()

	events := make(chan segment.Event, len(evs))
	for _, ev := range evs {
		events <- ev
	}
	close(events)

	out := make(chan synth.AudioChunk, 64)
	if err := f.coor.Run(context.Background(), events, out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(out)

	var got []synth.AudioChunk
	for c := range out {
		got = append(got, c)
	}
	return got
}

// audioOnly strips final markers, returning just the audible chunks.
func audioOnly(chunks []synth.AudioChunk) []synth.AudioChunk {
	var out []synth.AudioChunk
	for _, c := range chunks {
		if !c.Final {
			out = append(out, c)
		}
	}
	return out
}

func TestCoordinator_CompleteTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Streaming: true}, nil)
	f.stt.Entries = []sttmock.Entry{
		{Result: stt.Result{Text: "what is the weather like"}},
	}
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "It looks sunny. "},
		{Text: "Quite warm too."},
		{FinishReason: "stop"},
	}

	all := drive(t, f, []segment.Event{speechStart(), turnAudio([]byte{1, 2})})
	if len(all) == 0 || !all[len(all)-1].Final {
		t.Fatal("turn must end with a final marker")
	}
	got := audioOnly(all)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want one per sentence", len(got))
	}
	if string(got[0].PCM) != "It looks sunny." || string(got[1].PCM) != "Quite warm too." {
		t.Errorf("audio = %q, %q", got[0].PCM, got[1].PCM)
	}
	if got[0].TurnID != 1 || got[0].Seq != 0 || got[1].Seq != 1 {
		t.Errorf("ids/seqs = %d/%d %d/%d", got[0].TurnID, got[0].Seq, got[1].TurnID, got[1].Seq)
	}

	msgs := f.coor.History().Messages()
	if len(msgs) != 2 {
		t.Fatalf("history messages = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "what is the weather like" {
		t.Errorf("history user = %q", msgs[0].Content)
	}
	if msgs[1].Content != "It looks sunny. Quite warm too." {
		t.Errorf("history assistant = %q", msgs[1].Content)
	}
}

func TestCoordinator_WholeResponseMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Streaming: false}, nil)
	f.stt.Entries = []sttmock.Entry{{Result: stt.Result{Text: "say hi"}}}
	f.llm.CompleteResponse = &llm.CompletionResponse{Content: "Hi."}

	got := audioOnly(drive(t, f, []segment.Event{speechStart(), turnAudio([]byte{1})}))
	if len(got) != 1 || string(got[0].PCM) != "Hi." {
		t.Fatalf("chunks = %v", got)
	}
	if f.llm.CallCount() != 1 || f.llm.Calls[0].Stream {
		t.Error("expected a single non-streaming completion call")
	}
}

func TestCoordinator_GlossaryCorrectionAppliedBeforePrompting(t *testing.T) {
	t.Parallel()

	corr := transcript.New([]string{"Kvasir"})
	f := newFixture(t, Config{Streaming: true}, corr)
	f.stt.Entries = []sttmock.Entry{
		{Result: stt.Result{Text: "tell me about kvaseer"}},
	}
	f.llm.StreamChunks = []llm.Chunk{{Text: "Certainly."}, {FinishReason: "stop"}}

	drive(t, f, []segment.Event{speechStart(), turnAudio([]byte{1})})

	req := f.llm.Calls[0].Req
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "tell me about Kvasir" {
		t.Errorf("prompted text = %q, want corrected transcript", last.Content)
	}
}

func TestCoordinator_EmptyTranscriptIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Streaming: true}, nil)
	// No stt entries: the zero result carries an empty transcript.

	got := drive(t, f, []segment.Event{speechStart(), turnAudio([]byte{1})})
	if len(got) != 0 {
		t.Fatalf("chunks = %d, want silence answered with silence", len(got))
	}
	if f.coor.History().Len() != 0 {
		t.Error("empty turn must not enter history")
	}
	if f.llm.CallCount() != 0 {
		t.Error("no completion call expected for an empty transcript")
	}
}

func TestCoordinator_STTFailureSpeaksFallbackPhrase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Streaming: true, FailurePhrase: "My ears glitched."}, nil)
	f.stt.Err = stt.ErrServiceUnavailable

	got := audioOnly(drive(t, f, []segment.Event{speechStart(), turnAudio([]byte{1})}))
	if len(got) != 1 || string(got[0].PCM) != "My ears glitched." {
		t.Fatalf("chunks = %v, want the failure phrase", got)
	}
	if f.stt.TranscribeCount() != 2 {
		t.Errorf("transcribe calls = %d, want initial try plus one retry", f.stt.TranscribeCount())
	}
	if f.coor.History().Len() != 0 {
		t.Error("failed turn must not enter history")
	}
}

func TestCoordinator_FirstChunkSynthFailureFailsTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Streaming: true, FailurePhrase: "Voice trouble."}, nil)
	f.stt.Entries = []sttmock.Entry{{Result: stt.Result{Text: "hello"}}}
	f.llm.StreamChunks = []llm.Chunk{{Text: "A reply."}, {FinishReason: "stop"}}
	// First synthesis call fails; the later fallback phrase call echoes.
	f.tts.Entries = []ttsmock.Entry{{Err: tts.ErrServiceUnavailable}}

	got := audioOnly(drive(t, f, []segment.Event{speechStart(), turnAudio([]byte{1})}))
	if len(got) != 1 || string(got[0].PCM) != "Voice trouble." {
		t.Fatalf("chunks = %v, want only the failure phrase", got)
	}
	if f.coor.History().Len() != 0 {
		t.Error("failed turn must not enter history")
	}
}

func TestCoordinator_MidStreamBreakFailsTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Streaming: true, FailurePhrase: "Lost my thought."}, nil)
	f.stt.Entries = []sttmock.Entry{{Result: stt.Result{Text: "tell me a story"}}}
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Once upon a time. The plot thick"},
		{FinishReason: "error", Text: "connection reset"},
	}

	all := drive(t, f, []segment.Event{speechStart(), turnAudio([]byte{1})})
	got := audioOnly(all)
	if len(got) == 0 || string(got[len(got)-1].PCM) != "Lost my thought." {
		t.Fatalf("chunks = %v, want the failure phrase last", got)
	}
	if !all[len(all)-1].Final {
		t.Error("failed turn must end with a final marker")
	}
	if f.coor.History().Len() != 0 {
		t.Error("truncated reply must not enter history")
	}
}

// transitionPairs extracts the from/to attribute pairs recorded to the
// transitions counter.
func transitionPairs(t *testing.T, reader *sdkmetric.ManualReader) map[string]bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	pairs := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "kvasir.turn.transitions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("transitions is not an int64 sum")
			}
			for _, dp := range sum.DataPoints {
				from, _ := dp.Attributes.Value("from")
				to, _ := dp.Attributes.Value("to")
				pairs[from.AsString()+">"+to.AsString()] = true
			}
		}
	}
	return pairs
}

func TestCoordinator_CompletedTurnRecordsFullStateLoop(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rec := observe.NewRecorder(m, 128)
	t.Cleanup(rec.Close)

	f := &fixture{
		stt: &sttmock.Provider{Entries: []sttmock.Entry{
			{Result: stt.Result{Text: "hello"}},
		}},
		llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Hi there."}, {FinishReason: "stop"},
		}},
		tts: &ttsmock.Provider{},
	}
	gen := generate.New(f.llm, generate.Config{RetryBackoff: time.Millisecond}, rec)
	syn := synth.New(f.tts, synth.Config{}, rec)
	f.coor = New(f.stt, nil, nil, gen, syn,
		Config{Streaming: true, STTRetryBackoff: time.Millisecond}, rec)

	drive(t, f, []segment.Event{speechStart(), turnAudio([]byte{1})})

	pairs := transitionPairs(t, reader)
	for _, want := range []string{
		"idle>listening",
		"listening>transcribing",
		"transcribing>augmenting",
		"augmenting>generating",
		"generating>synthesizing",
		"synthesizing>flushing",
		"flushing>idle",
	} {
		if !pairs[want] {
			t.Errorf("transition %s not recorded", want)
		}
	}
}

func TestCoordinator_BargeInCancelsLiveTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Streaming: true}, nil)
	f.stt.Entries = []sttmock.Entry{
		{Result: stt.Result{Text: "first question"}},
		{Result: stt.Result{Text: "second question"}},
	}
	f.llm.StreamChunks = []llm.Chunk{{Text: "An answer."}, {FinishReason: "stop"}}

	// Stall the first transcription until it is cancelled; later calls pass.
	var (
		mu    sync.Mutex
		calls int
	)
	stall := make(chan struct{})
	open := make(chan struct{})
	close(open)
	f.stt.Delay = func() <-chan struct{} {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return stall
		}
		return open
	}

	events := make(chan segment.Event)
	out := make(chan synth.AudioChunk, 64)
	done := make(chan error, 1)
	go func() { done <- f.coor.Run(context.Background(), events, out) }()

	events <- speechStart()
	events <- turnAudio([]byte{1})

	// Wait for the first turn to reach its transcription call.
	deadline := time.After(2 * time.Second)
	for {
		if f.stt.TranscribeCount() >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first transcription never started")
		case <-time.After(time.Millisecond):
		}
	}

	events <- speechStart() // barge-in
	events <- turnAudio([]byte{2})
	close(events)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(out)

	var got []synth.AudioChunk
	for c := range out {
		got = append(got, c)
	}
	var cancelMarker bool
	for _, c := range got {
		if c.TurnID == 1 {
			if !c.Final {
				t.Errorf("audio for cancelled turn leaked: %+v", c)
			}
			cancelMarker = true
			continue
		}
		if c.TurnID != 2 {
			t.Errorf("unexpected turn id %d", c.TurnID)
		}
	}
	if !cancelMarker {
		t.Error("cancelled turn emitted no final marker to cut client playback")
	}
	if len(audioOnly(got)) == 0 {
		t.Fatal("second turn produced no audio")
	}

	msgs := f.coor.History().Messages()
	if len(msgs) != 2 || msgs[0].Content != "second question" {
		t.Fatalf("history = %+v, want only the second exchange", msgs)
	}
}
