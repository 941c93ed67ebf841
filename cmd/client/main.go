package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/audio"
	"github.com/zhiheng-yu/transcriptor/internal/client"
	"github.com/zhiheng-yu/transcriptor/internal/codec"
	"github.com/zhiheng-yu/transcriptor/internal/codec/opus"
	"github.com/zhiheng-yu/transcriptor/internal/resilience"
	"github.com/zhiheng-yu/transcriptor/internal/speaker"
)

// One request carries a second of 16 kHz audio, 50 frames of 320 samples
const chunkSamples = 50 * codec.DefaultFrameSize

func main() {
	url := flag.String("url", "ws://localhost:6002/", "Server websocket URL (client-echo mode)")
	input := flag.String("input", "-", "Audio to stream: - for 16 kHz s16le PCM on stdin, or a .wav/.mp3/.pcm file")
	codecName := flag.String("codec", "pcm", "Packet codec: pcm, or opus in builds with the opus tag")
	realtime := flag.Bool("realtime", true, "Pace file input at one chunk per second")
	replyTimeout := flag.Duration("reply-timeout", client.DefaultReplyTimeout, "How long to wait for each reply")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	c, err := newCodec(*codecName)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create codec")
	}

	chunks, err := openInput(*input)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open input")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, *url, client.Options{
		Codec:        c,
		ReplyTimeout: *replyTimeout,
		Reconnect:    resilience.DefaultReconnectConfig(),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("url", *url).Msg("Failed to connect")
	}
	defer conn.Close()

	pace := *realtime && *input != "-"
	for {
		samples, err := chunks.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to read audio")
			break
		}

		resp, ok, err := conn.Send(ctx, samples)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Connection lost")
			}
			break
		}
		if ok {
			if resp.Final && resp.Sentence != "" {
				fmt.Printf("\r\033[K%s: %s\n", resp.Speaker, resp.Sentence)
			}
			fmt.Printf("\r\033[K%s", resp.Transcript)
		}

		if pace {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	fmt.Println()
}

func newCodec(name string) (codec.Codec, error) {
	switch name {
	case "pcm":
		return codec.NewPCMCodec(), nil
	case "opus":
		return opus.New()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// chunkSource yields one second of audio at a time
type chunkSource interface {
	next() ([]float32, error)
}

func openInput(path string) (chunkSource, error) {
	if path == "-" {
		return &streamSource{r: os.Stdin, buf: make([]byte, chunkSamples*2)}, nil
	}
	samples, err := speaker.LoadReference(path)
	if err != nil {
		return nil, err
	}
	return &clipSource{samples: samples}, nil
}

// streamSource reads raw s16le PCM as it arrives
type streamSource struct {
	r   io.Reader
	buf []byte
}

func (s *streamSource) next() ([]float32, error) {
	n, err := io.ReadFull(s.r, s.buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return audio.DecodePCM16LE(s.buf[:n-n%2])
}

// clipSource slices a decoded file
type clipSource struct {
	samples []float32
	pos     int
}

func (s *clipSource) next() ([]float32, error) {
	if s.pos >= len(s.samples) {
		return nil, io.EOF
	}
	end := min(s.pos+chunkSamples, len(s.samples))
	chunk := s.samples[s.pos:end]
	s.pos = end
	return chunk, nil
}
