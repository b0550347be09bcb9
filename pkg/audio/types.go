// Package audio provides the audio data model shared by every pipeline stage:
// the [Frame] type carried from the transport into the segmenter, the bounded
// [FrameBuffer] that connects them, and PCM helpers (RMS, resampling, channel
// conversion, WAV framing) used by the VAD and STT paths.
//
// All PCM in this package is 16-bit signed little-endian.
package audio

import "time"

// Frame is a single fixed-duration chunk of PCM audio flowing through the
// pipeline. Frames are the atomic unit of audio transport: pushed by the
// inbound transport, consumed exactly once by the turn segmenter, and
// discarded afterwards.
type Frame struct {
	// Data is raw 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for the STT path, 48000 for Opus transport).
	SampleRate int

	// Channels is 1 for mono or 2 for interleaved stereo.
	Channels int

	// Seq is the monotonic sequence number assigned by the producer. Gaps
	// indicate transport loss; the buffer itself never drops or reorders.
	Seq uint64

	// Timestamp marks when the frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame, or 0 if the format
// fields are not set.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data on a streaming channel is
// no longer needed (e.g. the audio of a cancelled turn).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
