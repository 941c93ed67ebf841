package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/zhiheng-yu/transcriptor/internal/codec"
	"github.com/zhiheng-yu/transcriptor/internal/observability"
	"github.com/zhiheng-yu/transcriptor/internal/session"
)

// HandleEcho serves the client-echo mode. The server keeps nothing between
// messages; each request carries the state the previous response returned.
func (s *Server) HandleEcho(w http.ResponseWriter, r *http.Request) {
	id := observability.NewSessionID()
	conn, framer, ok := s.accept(w, r, id, ModeEcho)
	if !ok {
		return
	}
	logger := s.logger.With().Str("session_id", id).Str("mode", ModeEcho).Logger()
	m := observability.NewSessionMetrics(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.serve(ctx, conn, logger, m, func(ctx context.Context, msg incoming, raw []byte) error {
		if missing := msg.missingEchoFields(); len(missing) > 0 {
			logger.Warn().Strs("missing", missing).Interface("message", redact(raw)).Msg("Incomplete message dropped")
			m.RecordError("missing_field", "transport")
			return nil
		}

		samples, ok := decodeAudio(framer, *msg.AudioBase64, "audio_base64", logger, m)
		if !ok {
			return nil
		}
		buffer, ok := decodeAudio(framer, *msg.LastBufferBase64, "last_buffer_base64", logger, m)
		if !ok {
			return nil
		}

		prev := session.State{
			Speaker:    *msg.LastSpeaker,
			Sentence:   *msg.LastSentence,
			Transcript: *msg.LastTranscript,
			Buffer:     buffer,
		}
		res, err := s.infer(ctx, samples, prev, m)
		if err != nil {
			return err
		}

		bufferBase64, err := framer.EncodeBase64(res.State.Buffer)
		if err != nil {
			logger.Error().Err(err).Int("buffer_samples", len(res.State.Buffer)).Msg("Failed to encode buffer, dropping it")
			m.RecordError("encode", "transport")
			bufferBase64 = ""
		}
		m.RecordAudioSamples("out", len(res.State.Buffer))

		resp := EchoResponse{
			Final:        res.Final,
			Speaker:      res.State.Speaker,
			Sentence:     res.State.Sentence,
			Transcript:   res.State.Transcript,
			BufferBase64: bufferBase64,
		}
		logger.Debug().
			Bool("final", resp.Final).
			Str("speaker", resp.Speaker).
			Str("sentence", resp.Sentence).
			Str("transcript", resp.Transcript).
			Int("buffer_base64_len", len(bufferBase64)).
			Msg("Sending response")
		if err := conn.WriteJSON(resp); err != nil {
			return err
		}

		s.publish(conn, prev, res)
		return nil
	})
}

// HandleHeld serves the server-held mode. State lives in the session store
// under the connection's session id; a client may resume an unexpired session
// by reconnecting with ?session=<id>.
func (s *Server) HandleHeld(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, st, resumed := s.resume(ctx, r.URL.Query().Get("session"))
	conn, framer, ok := s.accept(w, r, id, ModeHeld)
	if !ok {
		return
	}
	logger := s.logger.With().Str("session_id", id).Str("mode", ModeHeld).Logger()
	m := observability.NewSessionMetrics(id)
	if resumed {
		logger.Info().Int("buffer_samples", len(st.Buffer)).Msg("Session resumed")
		if n := s.hub.Sessions(id); n > 0 {
			logger.Warn().Int("live_connections", n).Msg("Session resumed while still connected, last save wins")
		}
	}

	s.serve(ctx, conn, logger, m, func(ctx context.Context, msg incoming, raw []byte) error {
		if msg.AudioBase64 == nil {
			logger.Warn().Strs("missing", []string{"audio_base64"}).Interface("message", redact(raw)).Msg("Incomplete message dropped")
			m.RecordError("missing_field", "transport")
			return nil
		}
		samples, ok := decodeAudio(framer, *msg.AudioBase64, "audio_base64", logger, m)
		if !ok {
			return nil
		}

		prev := st
		res, err := s.infer(ctx, samples, prev, m)
		if err != nil {
			return err
		}
		st = res.State
		if err := s.save(ctx, id, st); err != nil {
			logger.Warn().Err(err).Msg("Failed to save session")
			m.RecordError("store", "transport")
		}

		resp := HeldResponse{
			Final:      res.Final,
			Speaker:    st.Speaker,
			Sentence:   st.Sentence,
			Transcript: st.Transcript,
			SessionID:  id,
		}
		logger.Debug().
			Bool("final", resp.Final).
			Str("speaker", resp.Speaker).
			Str("sentence", resp.Sentence).
			Str("transcript", resp.Transcript).
			Msg("Sending response")
		if err := conn.WriteJSON(resp); err != nil {
			return err
		}

		s.publish(conn, prev, res)
		return nil
	})
}

func (s *Server) save(ctx context.Context, id string, st session.State) error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(ctx, id, st)
}

// resume looks up a previous session, falling back to a fresh one
func (s *Server) resume(ctx context.Context, requested string) (string, session.State, bool) {
	if requested != "" && s.store != nil {
		st, err := s.store.Load(ctx, requested)
		if err == nil {
			return requested, st, true
		}
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn().Err(err).Str("session_id", requested).Msg("Failed to load session")
			observability.RecordError("store", "transport")
		} else {
			s.logger.Info().Str("session_id", requested).Msg("Session unknown or expired, starting a new one")
		}
	}
	return observability.NewSessionID(), session.NewState(), false
}

// decodeAudio decodes a base64 packet stream, logging and counting what was
// dropped. ok is false only for invalid base64.
func decodeAudio(framer *codec.Framer, data, field string, logger zerolog.Logger, m *observability.Metrics) ([]float32, bool) {
	samples, stats, err := framer.DecodeBase64(data)
	if err != nil {
		logger.Warn().Err(err).Str("field", field).Msg("Invalid base64 audio, message dropped")
		m.RecordError("malformed", "transport")
		return nil, false
	}
	dropped := stats.Skipped
	if stats.Truncated > 0 {
		dropped++
	}
	m.RecordPacketsDropped(dropped)
	return samples, true
}
