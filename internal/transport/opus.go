package transport

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/hauksbok/kvasir/pkg/audio"
)

// Clients send 48 kHz mono Opus packets at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusMaxFrameSize allows packets up to 60 ms.
	opusMaxFrameSize = 3 * opusFrameSize
)

// opusDecoder wraps a gopus decoder for a single session's inbound stream.
// Opus decoders are stateful across consecutive packets, so each session gets
// its own.
type opusDecoder struct {
	dec *gopus.Decoder

	pipelineRate int
}

// newOpusDecoder creates a decoder producing PCM at pipelineRate.
func newOpusDecoder(pipelineRate int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("transport: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, pipelineRate: pipelineRate}, nil
}

// decode decodes one Opus packet and resamples it to the pipeline rate,
// returning little-endian int16 mono PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("transport: opus decode: %w", err)
	}
	return audio.ResampleMono16(int16sToBytes(pcm), opusSampleRate, d.pipelineRate), nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
