// Package transport exposes the voice pipeline over WebSocket.
//
// One connection is one session. The client streams binary messages, each a
// single 48 kHz mono Opus packet; the server decodes and resamples them into
// the session's frame buffer, which applies backpressure instead of dropping
// audio. Responses flow back as pairs of messages: a JSON text header
// carrying the turn id, chunk sequence, and final flag, followed by one
// binary message of 16-bit little-endian mono PCM. Final markers are header
// only and close a turn whether it completed, failed, or was barged in; a
// client should stop local playback of that turn on receipt.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/internal/segment"
	"github.com/hauksbok/kvasir/internal/synth"
	"github.com/hauksbok/kvasir/internal/turn"
	"github.com/hauksbok/kvasir/pkg/audio"
)

// writeTimeout bounds a single outbound WebSocket write. A client that stops
// reading for this long is considered gone.
const writeTimeout = 10 * time.Second

// Pipeline bundles the per-session pipeline stages the transport drives.
// Detector state, segmentation state, and conversation history are all
// session-scoped, so a fresh Pipeline is built per connection.
type Pipeline struct {
	// Buffer receives inbound decoded frames.
	Buffer *audio.FrameBuffer

	// Segmenter consumes Buffer's frames.
	Segmenter *segment.Segmenter

	// Coordinator consumes the segmenter's events.
	Coordinator *turn.Coordinator

	// InputRate is the PCM rate the buffer expects.
	InputRate int

	// OutputRate is the PCM rate of outbound audio, reported to the client.
	OutputRate int
}

// PipelineFactory builds a fresh [Pipeline] for a new session.
type PipelineFactory func() (*Pipeline, error)

// Server accepts voice sessions. Create with [NewServer] and mount
// [Server.Handler].
type Server struct {
	newPipeline PipelineFactory
	recorder    *observe.Recorder

	nextSession atomic.Uint64
}

// NewServer creates a [Server].
func NewServer(factory PipelineFactory, recorder *observe.Recorder) *Server {
	return &Server{newPipeline: factory, recorder: recorder}
}

// Handler returns the session endpoint handler, to be mounted at /session.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleSession)
}

// chunkHeader is the JSON text message preceding each outbound audio
// payload.
type chunkHeader struct {
	TurnID     uint64 `json:"turn_id"`
	Seq        int    `json:"seq"`
	Final      bool   `json:"final"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	id := s.nextSession.Add(1)
	metrics := s.recorder.Metrics()
	metrics.ActiveSessions.Add(context.Background(), 1)
	defer metrics.ActiveSessions.Add(context.Background(), -1)

	log := slog.With("session", id)
	log.Info("session opened", "remote", r.RemoteAddr)

	p, err := s.newPipeline()
	if err != nil {
		log.Error("pipeline construction failed", "error", err)
		conn.Close(websocket.StatusInternalError, "pipeline unavailable")
		return
	}

	if err := s.runSession(r.Context(), conn, p, log); err != nil &&
		!errors.Is(err, context.Canceled) {
		log.Warn("session ended", "error", err)
		conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	log.Info("session closed")
	conn.Close(websocket.StatusNormalClosure, "")
}

// runSession drives the four session goroutines: the WebSocket read loop
// feeding the frame buffer, the segmenter, the coordinator, and the write
// loop. They unwind in that order: a closed connection closes the buffer,
// which closes the segmenter's events, which lets the coordinator finish its
// turn and release the outbound channel.
func (s *Server) runSession(ctx context.Context, conn *websocket.Conn, p *Pipeline, log *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	out := make(chan synth.AudioChunk, 16)

	g.Go(func() error {
		defer p.Buffer.Close()
		return s.readLoop(ctx, conn, p, log)
	})
	g.Go(func() error {
		return p.Segmenter.Run(ctx, p.Buffer.Frames())
	})
	g.Go(func() error {
		defer close(out)
		return p.Coordinator.Run(ctx, p.Segmenter.Events(), out)
	})
	g.Go(func() error {
		return s.writeLoop(ctx, conn, p, out)
	})

	return g.Wait()
}

// readLoop decodes inbound Opus packets into the frame buffer. Malformed
// packets are skipped; a failed read ends the session.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, p *Pipeline, log *slog.Logger) error {
	dec, err := newOpusDecoder(p.InputRate)
	if err != nil {
		return err
	}

	var (
		seq       uint64
		timestamp time.Duration
	)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if typ != websocket.MessageBinary {
			// Text frames are reserved; nothing is defined inbound yet.
			continue
		}

		pcm, err := dec.decode(data)
		if err != nil {
			log.Debug("dropping undecodable packet", "seq", seq, "error", err)
			s.recorder.Record(observe.StageEvent{Stage: observe.StageSegment, Err: err})
			continue
		}

		frame := audio.Frame{
			Data:       pcm,
			SampleRate: p.InputRate,
			Channels:   1,
			Seq:        seq,
			Timestamp:  timestamp,
		}
		seq++
		timestamp += frame.Duration()

		if err := p.Buffer.Push(frame); err != nil {
			return err
		}
	}
}

// writeLoop forwards outbound audio chunks to the client until the channel
// closes. A write failure is session-fatal. Audio for a turn whose final
// marker has already gone out is stale and dropped rather than written.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, p *Pipeline, out <-chan synth.AudioChunk) error {
	var doneThrough uint64
	for {
		var chunk synth.AudioChunk
		var ok bool
		select {
		case chunk, ok = <-out:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}

		if chunk.Final {
			if chunk.TurnID > doneThrough {
				doneThrough = chunk.TurnID
			}
		} else if chunk.TurnID <= doneThrough {
			slog.Debug("dropping audio for finished turn", "turn", chunk.TurnID)
			continue
		}

		header, err := json.Marshal(chunkHeader{
			TurnID:     chunk.TurnID,
			Seq:        chunk.Seq,
			Final:      chunk.Final,
			SampleRate: p.OutputRate,
		})
		if err != nil {
			return err
		}
		if err := s.write(ctx, conn, websocket.MessageText, header); err != nil {
			return err
		}
		if chunk.Final {
			continue
		}
		if err := s.write(ctx, conn, websocket.MessageBinary, chunk.PCM); err != nil {
			return err
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, typ, data)
}
