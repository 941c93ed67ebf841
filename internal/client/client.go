// Package client streams audio to a transcription server in client-echo mode,
// carrying the session state between rounds.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/codec"
	"github.com/zhiheng-yu/transcriptor/internal/resilience"
	"github.com/zhiheng-yu/transcriptor/internal/transport"
)

// ErrClosed is returned once the connection has gone away
var ErrClosed = errors.New("client closed")

// DefaultReplyTimeout is how long Send waits for a reply
const DefaultReplyTimeout = 3 * time.Second

// Options configures a client
type Options struct {
	// Codec encodes outgoing audio. Defaults to PCM.
	Codec     codec.Codec
	FrameSize int

	ReplyTimeout time.Duration
	Header       http.Header

	// Reconnect controls the dial backoff. nil uses resilience defaults.
	Reconnect *resilience.ReconnectConfig

	Logger zerolog.Logger
}

// Client is a client-echo mode connection. Send and Ping must not be called
// concurrently.
type Client struct {
	conn    *websocket.Conn
	framer  *codec.Framer
	timeout time.Duration
	logger  zerolog.Logger

	// last is the state echoed back on the next request
	last transport.EchoResponse

	replies chan transport.EchoResponse
	pongs   chan transport.ControlMessage

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Dial connects to url, retrying with backoff
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Codec == nil {
		opts.Codec = codec.NewPCMCodec()
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = codec.DefaultFrameSize
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	reconnect := opts.Reconnect
	if reconnect != nil && reconnect.Logger == nil {
		cfg := *reconnect
		cfg.Logger = &opts.Logger
		reconnect = &cfg
	}

	var conn *websocket.Conn
	err := resilience.Reconnect(ctx, func(ctx context.Context) error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("dial %s: %w", url, err)
		}
		conn = c
		return nil
	}, reconnect)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		framer:  codec.NewFramer(opts.Codec, opts.FrameSize, opts.Logger),
		timeout: opts.ReplyTimeout,
		logger:  opts.Logger,
		last:    transport.EchoResponse{Speaker: "guest"},
		replies: make(chan transport.EchoResponse, 16),
		pongs:   make(chan transport.ControlMessage, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	c.logger.Info().Str("url", url).Msg("Connected")
	return c, nil
}

// State returns the state that will be echoed on the next Send
func (c *Client) State() transport.EchoResponse {
	return c.last
}

// Send streams one chunk of audio. ok is false when no reply arrived within
// the reply timeout; the previous state is kept in that case.
func (c *Client) Send(ctx context.Context, samples []float32) (transport.EchoResponse, bool, error) {
	c.adoptLate()

	audio, err := c.framer.EncodeBase64(samples)
	if err != nil {
		return c.last, false, fmt.Errorf("encode audio: %w", err)
	}
	req := transport.EchoRequest{
		AudioBase64:      audio,
		LastSpeaker:      c.last.Speaker,
		LastSentence:     c.last.Sentence,
		LastTranscript:   c.last.Transcript,
		LastBufferBase64: c.last.BufferBase64,
	}
	if err := c.write(req); err != nil {
		return c.last, false, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-c.replies:
		c.last = resp
		return resp, true, nil
	case <-timer.C:
		c.logger.Warn().Dur("timeout", c.timeout).Msg("No reply received in time, keeping previous state")
		return c.last, false, nil
	case <-c.done:
		return c.last, false, c.closedErr()
	case <-ctx.Done():
		return c.last, false, ctx.Err()
	}
}

// Ping checks the server is answering
func (c *Client) Ping(ctx context.Context) error {
	if err := c.write(transport.ControlMessage{Type: transport.TypePing}); err != nil {
		return err
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case msg := <-c.pongs:
		if msg.Result != transport.ResultPass {
			return fmt.Errorf("unexpected ping result %q", msg.Result)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("ping: no reply within %s", c.timeout)
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a close frame and releases the connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

// adoptLate takes the newest reply that arrived after its Send gave up
func (c *Client) adoptLate() {
	for {
		select {
		case resp := <-c.replies:
			c.logger.Debug().Msg("Adopting late reply")
			c.last = resp
		default:
			return
		}
	}
}

func (c *Client) write(v any) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}

		var control transport.ControlMessage
		if err := json.Unmarshal(data, &control); err == nil && control.Type == transport.TypePing {
			select {
			case c.pongs <- control:
			default:
			}
			continue
		}

		var resp transport.EchoResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn().Err(err).Int("len", len(data)).Msg("Unreadable reply dropped")
			continue
		}
		select {
		case c.replies <- resp:
		default:
			c.logger.Warn().Msg("Reply queue full, dropping reply")
		}
	}
}

func (c *Client) closedErr() error {
	if c.readErr != nil && !websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure) {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}
