// Package transport serves the websocket protocol in its two modes: client
// echo, where the client carries the session state, and server held, where
// the server keeps it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/zhiheng-yu/transcriptor/internal/codec"
	"github.com/zhiheng-yu/transcriptor/internal/config"
	"github.com/zhiheng-yu/transcriptor/internal/events"
	"github.com/zhiheng-yu/transcriptor/internal/observability"
	"github.com/zhiheng-yu/transcriptor/internal/session"
)

// Protocol modes
const (
	ModeEcho = "echo"
	ModeHeld = "held"
)

// CodecFactory creates the packet codec for one connection
type CodecFactory func() (codec.Codec, error)

// Server accepts websocket connections and runs one inference round per
// audio message. Rounds of one connection run in arrival order; connections
// run concurrently, bounded by the inference semaphore.
type Server struct {
	cfg       config.Transport
	engine    *session.Engine
	store     session.Store
	publisher *events.Publisher
	newCodec  CodecFactory
	upgrader  websocket.Upgrader
	hub       *Hub
	sem       *semaphore.Weighted
	logger    zerolog.Logger
}

// NewServer creates a server. store is only used by the server-held mode and
// publisher may be nil.
func NewServer(cfg *config.Config, engine *session.Engine, store session.Store, publisher *events.Publisher, newCodec CodecFactory, logger zerolog.Logger) *Server {
	concurrency := cfg.Transport.InferenceConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Server{
		cfg:       cfg.Transport,
		engine:    engine,
		store:     store,
		publisher: publisher,
		newCodec:  newCodec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		hub:    NewHub(),
		sem:    semaphore.NewWeighted(concurrency),
		logger: logger,
	}
}

// Register mounts both protocol modes on mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.EchoPath, s.HandleEcho)
	mux.HandleFunc(s.cfg.StreamPath, s.HandleHeld)
}

// Hub returns the live connection registry
func (s *Server) Hub() *Hub {
	return s.hub
}

// Shutdown closes every live connection
func (s *Server) Shutdown() {
	s.hub.CloseAll()
}

// roundFunc handles one decoded, non-control message
type roundFunc func(ctx context.Context, msg incoming, raw []byte) error

// accept upgrades the request and prepares a connection
func (s *Server) accept(w http.ResponseWriter, r *http.Request, id, mode string) (*Conn, *codec.Framer, bool) {
	c, err := s.newCodec()
	if err != nil {
		s.logger.Error().Err(err).Str("mode", mode).Msg("Failed to create codec")
		observability.RecordError("codec_init", "transport")
		http.Error(w, "codec unavailable", http.StatusServiceUnavailable)
		return nil, nil, false
	}

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("mode", mode).Msg("Failed to upgrade connection")
		observability.RecordError("upgrade", "transport")
		return nil, nil, false
	}
	if s.cfg.MaxMessageBytes > 0 {
		socket.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	conn := newConn(id, mode, socket)
	logger := s.logger.With().Str("session_id", id).Str("mode", mode).Logger()
	return conn, codec.NewFramer(c, s.cfg.FrameSize, logger), true
}

// serve runs the read loop until the peer goes away. Control messages are
// answered here; everything else goes to round.
func (s *Server) serve(ctx context.Context, conn *Conn, logger zerolog.Logger, m *observability.Metrics, round roundFunc) {
	s.hub.Register(conn)
	m.RecordSessionStart(conn.Mode())
	conn.events = s.publisher.NewQueue(events.DefaultQueueSize)
	defer func() {
		_ = conn.Close()
		conn.events.Close()
		s.hub.Unregister(conn)
		m.RecordSessionEnd()
		logger.Info().Msg("Connection closed")
	}()

	conn.keepalive(s.cfg.PingInterval, s.cfg.PingTimeout)
	logger.Info().Msg("Connection opened")

	for {
		if err := conn.extendDeadline(s.cfg.PingInterval, s.cfg.PingTimeout); err != nil {
			return
		}
		msgType, data, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.closed.Load() {
				logger.Warn().Err(err).Msg("Connection read failed")
				m.RecordError("read", "transport")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		var msg incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn().Err(err).Interface("message", redact(data)).Msg("Malformed message dropped")
			m.RecordError("malformed", "transport")
			continue
		}

		if msg.Type == TypePing {
			if err := conn.WriteJSON(ControlMessage{Type: TypePing, Result: ResultPass}); err != nil {
				logger.Warn().Err(err).Msg("Failed to answer ping")
				return
			}
			continue
		}

		if err := round(ctx, msg, data); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrConnClosed) {
				logger.Warn().Err(err).Msg("Closing connection")
				m.RecordError("round", "transport")
			}
			return
		}
	}
}

// infer runs one engine round under the concurrency bound
func (s *Server) infer(ctx context.Context, samples []float32, st session.State, m *observability.Metrics) (session.Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return session.Result{State: st}, err
	}
	defer s.sem.Release(1)
	return s.engine.Inference(ctx, samples, st, m)
}

// publish queues transcript events after the client has its reply
func (s *Server) publish(conn *Conn, prev session.State, res session.Result) {
	if conn.events == nil {
		return
	}
	ev := events.Transcript{
		SessionID:  conn.ID(),
		Mode:       conn.Mode(),
		Final:      res.Final,
		Speaker:    res.State.Speaker,
		Transcript: res.State.Transcript,
		Timestamp:  time.Now().UTC(),
	}
	if res.Final {
		ev.Sentence = res.State.Sentence
		ev.Reason = string(res.Reason)
		_ = conn.events.PublishFinal(ev)
		return
	}
	if s.cfg.PublishPartials && res.State.Transcript != "" && res.State.Transcript != prev.Transcript {
		_ = conn.events.PublishPartial(ev)
	}
}
