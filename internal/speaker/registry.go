package speaker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"gopkg.in/yaml.v3"

	"github.com/zhiheng-yu/transcriptor/internal/audio"
)

// ReferenceRate is the sample rate references are stored at
const ReferenceRate = 16000

// ErrUnsupportedFormat is returned for reference audio that cannot be decoded
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// registryFile is the on-disk registry layout
type registryFile struct {
	Speakers []registryEntry `yaml:"speakers"`
}

type registryEntry struct {
	ID     string  `yaml:"id"`
	Path   string  `yaml:"path"`
	GainDB float64 `yaml:"gain_db,omitempty"`
}

// LoadRegistry reads a YAML registry of {id, path} entries. Relative paths
// are resolved against the registry file's directory. An empty path yields an
// empty registry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read speaker registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse speaker registry: %w", err)
	}

	base := filepath.Dir(path)
	speakers := make([]Registered, 0, len(file.Speakers))
	for i, entry := range file.Speakers {
		if entry.ID == "" || entry.Path == "" {
			return nil, fmt.Errorf("speaker entry %d: id and path are required", i)
		}
		refPath := entry.Path
		if !filepath.IsAbs(refPath) {
			refPath = filepath.Join(base, refPath)
		}

		samples, err := LoadReference(refPath)
		if err != nil {
			return nil, fmt.Errorf("speaker %q: %w", entry.ID, err)
		}
		if entry.GainDB != 0 {
			samples = audio.Scale(samples, audio.DBToGain(entry.GainDB))
		}
		speakers = append(speakers, Registered{ID: entry.ID, Reference: samples})
	}

	return NewRegistry(speakers...), nil
}

// LoadReference decodes a reference clip to 16 kHz mono. Supported formats
// are 16-bit PCM WAV, MP3 and raw 16 kHz s16le (.pcm).
func LoadReference(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return DecodeWAV(data)
	case ".mp3":
		return DecodeMP3(bytes.NewReader(data))
	case ".pcm", ".raw":
		return audio.DecodePCM16LE(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// DecodeWAV parses a 16-bit PCM RIFF/WAVE file, downmixes it to mono and
// resamples it to ReferenceRate
func DecodeWAV(data []byte) ([]float32, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE file", ErrUnsupportedFormat)
	}

	var (
		channels, bits uint16
		rate           uint32
		haveFmt        bool
		pcm            []byte
	)

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			end = len(data) // tolerate a truncated final chunk
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			rate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
			if format != 1 && format != 0xFFFE {
				return nil, fmt.Errorf("%w: wav format %d", ErrUnsupportedFormat, format)
			}
			haveFmt = true
		case "data":
			pcm = data[body:end]
		}

		// chunks are word aligned
		off = body + size + size%2
	}

	if !haveFmt || pcm == nil {
		return nil, fmt.Errorf("%w: missing fmt or data chunk", ErrUnsupportedFormat)
	}
	if bits != 16 || channels == 0 || rate == 0 {
		return nil, fmt.Errorf("%w: %d-bit %d-channel audio", ErrUnsupportedFormat, bits, channels)
	}

	samples, err := audio.DecodePCM16LE(pcm[:len(pcm)-len(pcm)%2])
	if err != nil {
		return nil, err
	}
	return audio.Resample(downmix(samples, int(channels)), int(rate), ReferenceRate), nil
}

// DecodeMP3 decodes an MP3 stream to ReferenceRate mono
func DecodeMP3(r io.Reader) ([]float32, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	// go-mp3 always produces 16-bit little-endian stereo
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mp3: %w", err)
	}
	samples, err := audio.DecodePCM16LE(data[:len(data)-len(data)%4])
	if err != nil {
		return nil, err
	}
	return audio.Resample(downmix(samples, 2), dec.SampleRate(), ReferenceRate), nil
}

// downmix averages interleaved channels into mono
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
