// Package codec frames compressed audio packets for the wire. Each packet is
// a 2-byte big-endian length followed by that many payload bytes.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/audio"
)

// DefaultFrameSize is 20 ms at 16 kHz
const DefaultFrameSize = 320

// ErrPacketTooLarge is returned when a compressed frame does not fit the
// 16-bit length prefix
var ErrPacketTooLarge = errors.New("packet exceeds 65535 bytes")

// Codec compresses one frame at a time. Implementations may keep state
// between calls, so each connection needs its own.
type Codec interface {
	Encode(pcm []int16) ([]byte, error)
	Decode(packet []byte) ([]int16, error)
}

// Stats summarizes one Decode call
type Stats struct {
	Packets   int // decoded successfully
	Skipped   int // failed to decode
	Truncated int // trailing bytes discarded as an incomplete packet
}

// Framer splits audio into frames, compresses them and length-prefixes the
// packets
type Framer struct {
	codec     Codec
	frameSize int
	logger    zerolog.Logger
}

// NewFramer creates a framer
func NewFramer(codec Codec, frameSize int, logger zerolog.Logger) *Framer {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &Framer{codec: codec, frameSize: frameSize, logger: logger}
}

// Encode compresses whole frames of samples. Samples past the last whole
// frame are not encoded, and fewer samples than one frame encode to an empty
// byte slice.
func (f *Framer) Encode(samples []float32) ([]byte, error) {
	frames := len(samples) / f.frameSize
	if frames == 0 {
		return []byte{}, nil
	}

	pcm := audio.Float32ToInt16(samples[:frames*f.frameSize])
	out := make([]byte, 0, frames*(2+64))
	for i := 0; i < frames; i++ {
		packet, err := f.codec.Encode(pcm[i*f.frameSize : (i+1)*f.frameSize])
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		if len(packet) > math.MaxUint16 {
			return nil, fmt.Errorf("frame %d: %w", i, ErrPacketTooLarge)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(packet)))
		out = append(out, packet...)
	}
	return out, nil
}

// Decode reads length-prefixed packets until the data runs out. An
// incomplete trailing packet is discarded and a packet that fails to decode
// is skipped; neither stops the packets before it from being returned.
func (f *Framer) Decode(data []byte) ([]float32, Stats) {
	var (
		pcm   []int16
		stats Stats
	)

	for len(data) >= 2 {
		n := int(binary.BigEndian.Uint16(data))
		if len(data) < 2+n {
			stats.Truncated = len(data)
			f.logger.Debug().Int("remaining", len(data)).Int("declared", n).Msg("Incomplete packet discarded")
			break
		}
		packet := data[2 : 2+n]
		data = data[2+n:]

		frame, err := f.codec.Decode(packet)
		if err != nil {
			stats.Skipped++
			f.logger.Warn().Err(err).Int("packet_len", n).Msg("Failed to decode packet, skipping")
			continue
		}
		pcm = append(pcm, frame...)
		stats.Packets++
	}
	if len(data) == 1 {
		stats.Truncated = 1
	}

	return audio.Int16ToFloat32(pcm), stats
}

// EncodeBase64 frames samples and base64-encodes the packet stream
func (f *Framer) EncodeBase64(samples []float32) (string, error) {
	data, err := f.Encode(samples)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeBase64 base64-decodes a packet stream and decodes it
func (f *Framer) DecodeBase64(s string) ([]float32, Stats, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("invalid base64 audio: %w", err)
	}
	samples, stats := f.Decode(data)
	return samples, stats, nil
}
