// Package opus adapts libopus to the packet framer.
//
// libopus is linked through cgo, so the real codec is only built with the
// opus build tag:
//
//	go build -tags opus ./...
//
// Without the tag New returns ErrUnavailable and callers should fall back to
// the PCM codec.
package opus

import "errors"

const (
	// SampleRate is the only rate the wire protocol carries
	SampleRate = 16000
	Channels   = 1
)

// ErrUnavailable is returned by New when the binary was built without opus
var ErrUnavailable = errors.New("opus support not compiled in (build with -tags opus)")
