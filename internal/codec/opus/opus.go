//go:build opus

package opus

import (
	"fmt"

	libopus "github.com/hraban/opus"
)

// Available reports whether libopus support is compiled in
const Available = true

const (
	// maxPacketBytes bounds one encoded frame; a 20 ms voice frame is far
	// smaller
	maxPacketBytes = 4000
	// maxFrameSamples is the largest frame libopus may return, 120 ms
	maxFrameSamples = SampleRate * 120 / 1000
)

// Codec is a 16 kHz mono VoIP opus encoder/decoder pair. It is not safe for
// concurrent use.
type Codec struct {
	enc *libopus.Encoder
	dec *libopus.Decoder
}

// New creates an opus codec
func New() (*Codec, error) {
	enc, err := libopus.NewEncoder(SampleRate, Channels, libopus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	dec, err := libopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Encode compresses one frame. The frame must be a valid opus duration
// (2.5, 5, 10, 20, 40 or 60 ms).
func (c *Codec) Encode(pcm []int16) ([]byte, error) {
	buf := make([]byte, maxPacketBytes)
	n, err := c.enc.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return buf[:n], nil
}

// Decode decompresses one packet
func (c *Codec) Decode(packet []byte) ([]int16, error) {
	pcm := make([]int16, maxFrameSamples*Channels)
	n, err := c.dec.Decode(packet, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm[:n*Channels], nil
}
