//go:build !opus

package opus

// Available reports whether libopus support is compiled in
const Available = false

// Codec is a placeholder for builds without libopus
type Codec struct{}

// New always fails without the opus build tag
func New() (*Codec, error) {
	return nil, ErrUnavailable
}

// Encode implements codec.Codec
func (c *Codec) Encode(_ []int16) ([]byte, error) {
	return nil, ErrUnavailable
}

// Decode implements codec.Codec
func (c *Codec) Decode(_ []byte) ([]int16, error) {
	return nil, ErrUnavailable
}
