package codec

import (
	"encoding/binary"
	"fmt"
)

// PCMCodec stores frames as uncompressed big-endian int16. It needs no cgo
// and is lossless, which makes it the codec of choice for tests and for
// clients without libopus.
type PCMCodec struct{}

// NewPCMCodec creates a PCM codec
func NewPCMCodec() *PCMCodec {
	return &PCMCodec{}
}

// Encode implements Codec
func (PCMCodec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.BigEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

// Decode implements Codec
func (PCMCodec) Decode(packet []byte) ([]int16, error) {
	if len(packet)%2 != 0 {
		return nil, fmt.Errorf("odd pcm packet length %d", len(packet))
	}
	out := make([]int16, len(packet)/2)
	for i := range out {
		out[i] = int16(binary.BigEndian.Uint16(packet[i*2:]))
	}
	return out, nil
}
